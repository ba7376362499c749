// internal/app/status.go
package app

import (
	"context"
	"time"

	"github.com/sua-org/edge-agent/internal/events"
	"github.com/sua-org/edge-agent/internal/license"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/supervisor"
)

// Status é a fotografia usada pela CLI e pelo endpoint de status.
type Status struct {
	State              State
	EdgeID             string
	Version            string
	CloudBaseURL       string
	Connected          bool
	LastHeartbeat      time.Time
	License            license.State
	CredentialsPresent bool
	QueueLength        int
	DeadLetters        int
	Cameras            []supervisor.CameraStatus
	Events             events.Stats
	SyncErrors         map[string]string
	Uptime             time.Duration
}

func (a *App) Status(ctx context.Context) Status {
	sync := a.Sync.Status()
	_, hasCreds := a.Credentials.Current()

	st := Status{
		State:              a.State(),
		EdgeID:             a.cfg.EdgeID,
		Version:            a.cfg.Version,
		CloudBaseURL:       a.Cloud.BaseURL(),
		Connected:          sync.Connected,
		LastHeartbeat:      sync.LastHeartbeat,
		License:            a.License.Current(),
		CredentialsPresent: hasCreds,
		Cameras:            a.Supervisor.List(),
		Events:             a.Router.Stats(),
		SyncErrors:         sync.LastErrors,
		Uptime:             time.Since(a.startedAt),
	}
	if n, err := a.Queue.Len(ctx); err == nil {
		st.QueueLength = n
	}
	if dead, err := a.Queue.DeadLetters(ctx); err == nil {
		st.DeadLetters = len(dead)
	}
	return st
}

func (s Status) Payload() payload.Value {
	cams := make([]payload.Value, 0, len(s.Cameras))
	for _, c := range s.Cameras {
		cams = append(cams, cameraStatusPayload(c))
	}
	errs := make(map[string]payload.Value, len(s.SyncErrors))
	for k, v := range s.SyncErrors {
		errs[k] = payload.String(v)
	}
	lic := payload.Object(
		payload.F("licensed", payload.Bool(s.License.Licensed())),
		payload.F("source", payload.String(string(s.License.Source))),
	)
	if s.License.Licensed() {
		lic = lic.
			With("organization_id", payload.String(s.License.OrganizationID)).
			With("plan", payload.String(s.License.Plan)).
			With("expires_at", payload.Time(s.License.ExpiresAt)).
			With("valid_until", payload.Time(license.Deadline(s.License.LicenseRecord))).
			With("modules", payload.Strings(s.License.Modules...))
	}
	return payload.Object(
		payload.F("state", payload.String(string(s.State))),
		payload.F("edge_id", payload.String(s.EdgeID)),
		payload.F("version", payload.String(s.Version)),
		payload.F("connected", payload.Bool(s.Connected)),
		payload.F("last_heartbeat", payload.Time(s.LastHeartbeat)),
		payload.F("license", lic),
		payload.F("credentials_present", payload.Bool(s.CredentialsPresent)),
		payload.F("queue_length", payload.Int(int64(s.QueueLength))),
		payload.F("dead_letters", payload.Int(int64(s.DeadLetters))),
		payload.F("cameras", payload.List(cams...)),
		payload.F("events", payload.Object(
			payload.F("sent", payload.Int(int64(s.Events.Sent))),
			payload.F("queued", payload.Int(int64(s.Events.Queued))),
			payload.F("gated", payload.Int(int64(s.Events.Gated))),
			payload.F("failed", payload.Int(int64(s.Events.Failed))),
		)),
		payload.F("sync_errors", payload.Map(errs)),
		payload.F("uptime_seconds", payload.Int(int64(s.Uptime.Seconds()))),
	)
}
