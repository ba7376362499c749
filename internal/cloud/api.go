// internal/cloud/api.go
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/payload"
)

const (
	pathLicenseValidate = "/api/v1/licensing/validate"
	pathHeartbeat       = "/api/v1/edges/heartbeat"
	pathCameras         = "/api/v1/edges/cameras"
	pathEvents          = "/api/v1/edges/events"
	pathScenarios       = "/api/v1/ai-scenarios"
	pathCommands        = "/api/v1/ai-commands"
)

var ErrLicenseInvalid = errors.New("licença recusada pelo cloud")

type LicenseInfo struct {
	Valid          bool
	OrganizationID string
	LicenseID      string
	Plan           string
	ExpiresAt      time.Time
	GraceDays      int
	MaxCameras     int
	Modules        []string
}

// ValidateLicense chama POST /api/v1/licensing/validate.
func (c *Client) ValidateLicense(ctx context.Context, licenseKey, edgeID string) (LicenseInfo, error) {
	body := payload.Object(
		payload.F("license_key", payload.String(licenseKey)),
		payload.F("edge_id", payload.String(edgeID)),
	)
	res, err := c.Request(ctx, http.MethodPost, pathLicenseValidate, &body, true)
	if err != nil {
		return LicenseInfo{}, err
	}

	info := LicenseInfo{
		OrganizationID: res.Str("organization_id"),
		LicenseID:      res.Str("license_id"),
		Plan:           res.Str("plan"),
		Modules:        stringList(res.Get("modules")),
	}
	info.Valid, _ = res.Get("valid").AsBool()
	if d, ok := res.Get("grace_days").AsInt(); ok {
		info.GraceDays = int(d)
	}
	if m, ok := res.Get("max_cameras").AsInt(); ok {
		info.MaxCameras = int(m)
	}
	if s := res.Str("expires_at"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return LicenseInfo{}, &APIError{Method: http.MethodPost, Path: pathLicenseValidate, Kind: KindDecode, Err: err}
		}
		info.ExpiresAt = t
	}
	if !info.Valid {
		return info, ErrLicenseInvalid
	}
	return info, nil
}

type CameraStatus struct {
	CameraID      string
	Status        string
	LastFrameTime time.Time
}

type Heartbeat struct {
	EdgeID         string
	Version        string
	OrganizationID string
	LicenseID      string
	SystemInfo     payload.Value
	Cameras        []CameraStatus
}

func (h Heartbeat) Payload() payload.Value {
	body := payload.Object(
		payload.F("edge_id", payload.String(h.EdgeID)),
		payload.F("version", payload.String(h.Version)),
		payload.F("online", payload.Bool(true)),
		payload.F("organization_id", optString(h.OrganizationID)),
	)
	if h.LicenseID != "" {
		body = body.With("license_id", payload.String(h.LicenseID))
	}
	if h.SystemInfo.Kind() == payload.KindMap {
		body = body.With("system_info", h.SystemInfo)
	}
	if len(h.Cameras) > 0 {
		items := make([]payload.Value, 0, len(h.Cameras))
		for _, cs := range h.Cameras {
			items = append(items, payload.Object(
				payload.F("camera_id", payload.String(cs.CameraID)),
				payload.F("status", payload.String(cs.Status)),
				payload.F("last_frame_time", payload.Time(cs.LastFrameTime)),
			))
		}
		body = body.With("cameras_status", payload.List(items...))
	}
	return body
}

// Heartbeat não repete: o próximo tick já é a nova tentativa.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) (payload.Value, error) {
	body := hb.Payload()
	return c.Request(ctx, http.MethodPost, pathHeartbeat, &body, false)
}

// FetchCameras lê GET /api/v1/edges/cameras?organization_id=.
// Entradas sem id ou sem URI são descartadas.
func (c *Client) FetchCameras(ctx context.Context, orgID string) ([]core.CameraConfig, error) {
	if orgID == "" {
		return nil, fmt.Errorf("organization_id vazio")
	}
	path := pathCameras + "?organization_id=" + url.QueryEscape(orgID)
	res, err := c.Request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	items := listFrom(res, "cameras", "data")
	out := make([]core.CameraConfig, 0, len(items))
	for _, item := range items {
		id := firstStr(item, "camera_id", "id")
		uri := firstStr(item, "rtsp_url", "source_uri", "stream_url")
		if id == "" || uri == "" {
			c.log.Warn().Str("camera_id", id).Msg("câmera sem id ou URI ignorada")
			continue
		}
		modules := stringList(item.Get("config").Get("enabled_modules"))
		if len(modules) == 0 {
			modules = stringList(item.Get("enabled_modules"))
		}
		if len(modules) == 0 {
			modules = stringList(item.Get("modules"))
		}
		name := item.Str("name")
		if name == "" {
			name = id
		}
		out = append(out, core.CameraConfig{ID: id, Name: name, SourceURI: uri, Modules: modules})
	}
	return out, nil
}

type ScenarioBinding struct {
	CameraID string
	Enabled  bool
}

type Scenario struct {
	ID                string
	Module            string
	ScenarioType      string
	Name              string
	Enabled           bool
	SeverityThreshold float64
	Bindings          []ScenarioBinding
}

// FetchScenarios lê GET /api/v1/ai-scenarios.
func (c *Client) FetchScenarios(ctx context.Context, orgID string) ([]Scenario, error) {
	path := pathScenarios
	if orgID != "" {
		path += "?organization_id=" + url.QueryEscape(orgID)
	}
	res, err := c.Request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	items := listFrom(res, "scenarios", "data")
	out := make([]Scenario, 0, len(items))
	for _, item := range items {
		sc := Scenario{
			ID:                item.Str("id"),
			Module:            strings.ToLower(item.Str("module")),
			ScenarioType:      item.Str("scenario_type"),
			Name:              item.Str("name"),
			SeverityThreshold: 70,
		}
		sc.Enabled, _ = item.Get("enabled").AsBool()
		if th, ok := item.Get("severity_threshold").AsNumber(); ok {
			sc.SeverityThreshold = th
		}
		bindings, _ := item.Get("camera_bindings").AsList()
		for _, b := range bindings {
			enabled, _ := b.Get("enabled").AsBool()
			sc.Bindings = append(sc.Bindings, ScenarioBinding{CameraID: b.Str("camera_id"), Enabled: enabled})
		}
		out = append(out, sc)
	}
	return out, nil
}

// SendEvent publica o evento e devolve o id atribuído pelo cloud (pode ser vazio).
func (c *Client) SendEvent(ctx context.Context, edgeID string, evt core.Event) (string, error) {
	return c.SendEventPayload(ctx, evt.Payload(edgeID))
}

// SendEventPayload envia um corpo já montado (usado no dreno da fila offline).
func (c *Client) SendEventPayload(ctx context.Context, body payload.Value) (string, error) {
	res, err := c.Request(ctx, http.MethodPost, pathEvents, &body, true)
	if err != nil {
		return "", err
	}
	return firstStr(res, "event_id", "id", "alert_id"), nil
}

type Command struct {
	ID      string
	Type    string
	Payload payload.Value
}

// FetchCommands lê os comandos pendentes deste edge.
func (c *Client) FetchCommands(ctx context.Context, edgeID string) ([]Command, error) {
	q := url.Values{}
	q.Set("edge_server_id", edgeID)
	q.Set("status", "pending")
	res, err := c.Request(ctx, http.MethodGet, pathCommands+"?"+q.Encode(), nil, true)
	if err != nil {
		return nil, err
	}
	items := listFrom(res, "commands", "data")
	out := make([]Command, 0, len(items))
	for _, item := range items {
		out = append(out, Command{
			ID:      item.Str("id"),
			Type:    firstStr(item, "command_type", "type"),
			Payload: item.Get("payload"),
		})
	}
	return out, nil
}

// AckCommand chama POST /api/v1/ai-commands/{id}/ack.
func (c *Client) AckCommand(ctx context.Context, id, status string, result payload.Value) error {
	if result.Kind() != payload.KindMap {
		result = payload.Object()
	}
	body := payload.Object(
		payload.F("status", payload.String(status)),
		payload.F("result", result),
		payload.F("executed_at", payload.Time(time.Now())),
	)
	_, err := c.Request(ctx, http.MethodPost, pathCommands+"/"+url.PathEscape(id)+"/ack", &body, true)
	return err
}

func listFrom(v payload.Value, keys ...string) []payload.Value {
	if items, ok := v.AsList(); ok {
		return items
	}
	for _, k := range keys {
		if items, ok := v.Get(k).AsList(); ok {
			return items
		}
	}
	return nil
}

func stringList(v payload.Value) []string {
	items, ok := v.AsList()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.AsString(); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.ToLower(strings.TrimSpace(s)))
		}
	}
	return out
}

func firstStr(v payload.Value, keys ...string) string {
	for _, k := range keys {
		if s := v.Str(k); s != "" {
			return s
		}
	}
	return ""
}

func optString(s string) payload.Value {
	if s == "" {
		return payload.Null()
	}
	return payload.String(s)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("data inválida: %q", s)
}
