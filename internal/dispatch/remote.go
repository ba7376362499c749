// internal/dispatch/remote.go
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sua-org/edge-agent/internal/payload"
)

// RemoteModule envia o quadro (JPEG) para um serviço de inferência HTTP e
// devolve o que ele detectou. O serviço responde:
//
//	{"detections": [...], "events": [...], "alerts": [...]}
type RemoteModule struct {
	id       string
	endpoint string
	enabled  bool

	HTTP *http.Client
}

// NewRemoteModule cria um módulo que posta em <baseURL>/<id>.
func NewRemoteModule(id, baseURL string) *RemoteModule {
	id = normalizeID(id)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &RemoteModule{
		id:       id,
		endpoint: baseURL + "/" + id,
		enabled:  baseURL != "" && id != "",
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (m *RemoteModule) ID() string       { return m.id }
func (m *RemoteModule) Enabled() bool    { return m.enabled }
func (m *RemoteModule) Endpoint() string { return m.endpoint }

func (m *RemoteModule) Process(ctx context.Context, in Input) (Output, error) {
	if len(in.Frame.Data) == 0 {
		return Output{}, fmt.Errorf("quadro vazio")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("frame", "frame.jpg")
	if err != nil {
		return Output{}, fmt.Errorf("multipart frame: %w", err)
	}
	if _, err := fw.Write(in.Frame.Data); err != nil {
		return Output{}, fmt.Errorf("escrever frame: %w", err)
	}
	if err := w.WriteField("camera_id", in.CameraID); err != nil {
		return Output{}, fmt.Errorf("multipart camera_id: %w", err)
	}
	if !in.Metadata.IsNull() {
		meta, err := in.Metadata.MarshalJSON()
		if err != nil {
			return Output{}, fmt.Errorf("serializar metadata: %w", err)
		}
		if err := w.WriteField("metadata", string(meta)); err != nil {
			return Output{}, fmt.Errorf("multipart metadata: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return Output{}, fmt.Errorf("fechar multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, &buf)
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("POST %s: %w", m.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Output{}, fmt.Errorf("ler resposta: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, fmt.Errorf("inferência %s retornou %d: %s", m.id, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Output{}, nil
	}

	v, err := payload.FromJSON(body)
	if err != nil {
		return Output{}, fmt.Errorf("decodificar resposta de %s: %w", m.id, err)
	}
	return Output{
		Detections: listOf(v.Get("detections")),
		Events:     listOf(v.Get("events")),
		Alerts:     listOf(v.Get("alerts")),
	}, nil
}

func listOf(v payload.Value) []payload.Value {
	items, ok := v.AsList()
	if !ok {
		return nil
	}
	return items
}
