package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/edge-agent/internal/capture"
	"github.com/sua-org/edge-agent/internal/cloud"
	"github.com/sua-org/edge-agent/internal/config"
	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/dispatch"
	"github.com/sua-org/edge-agent/internal/logger"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/security"
)

type fakeCloud struct {
	srv    *httptest.Server
	online atomic.Bool

	mu     sync.Mutex
	events []payload.Value
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	fc := &fakeCloud{}
	fc.online.Store(true)

	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("/api/v1/licensing/validate", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"valid":true,"organization_id":"org-1","license_id":"lic-1","plan":"pro","expires_at":"2035-01-01T00:00:00Z","grace_days":7,"max_cameras":4,"modules":["fire"]}`)
	})
	mux.HandleFunc("/api/v1/edges/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"ok":true,"edge_key":"ek-1","edge_secret":"es-1"}`)
	})
	mux.HandleFunc("/api/v1/edges/cameras", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `{"cameras":[{"id":"cam-1","name":"Portaria","rtsp_url":"rtsp://10.0.0.5/stream","config":{"enabled_modules":["fire","lpr"]}}]}`)
	})
	mux.HandleFunc("/api/v1/ai-commands", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `[]`)
	})
	mux.HandleFunc("/api/v1/ai-scenarios", func(w http.ResponseWriter, r *http.Request) {
		reply(w, `[]`)
	})
	mux.HandleFunc("/api/v1/edges/events", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		v, err := payload.FromJSON(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fc.mu.Lock()
		fc.events = append(fc.events, v)
		fc.mu.Unlock()
		reply(w, `{"event_id":"evt-1"}`)
	})

	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !fc.online.Load() {
			// simula gateway fora do ar sem derrubar o listener
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCloud) eventCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.events)
}

type frameSource struct {
	seq    atomic.Uint64
	closed atomic.Bool
}

func (s *frameSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	if s.closed.Load() {
		return core.Frame{}, capture.ErrClosed
	}
	n := s.seq.Add(1)
	return core.Frame{Seq: n, CapturedAt: time.Now(), Data: []byte{0xFF, 0xD8, byte(n), 0xFF, 0xD9}}, nil
}

func (s *frameSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fireModule struct{}

func (fireModule) ID() string    { return "fire" }
func (fireModule) Enabled() bool { return true }
func (fireModule) Process(ctx context.Context, in dispatch.Input) (dispatch.Output, error) {
	return dispatch.Output{Alerts: []payload.Value{payload.Object(
		payload.F("event_type", payload.String("fire_detected")),
		payload.F("severity", payload.String("critical")),
	)}}, nil
}

func testConfig(t *testing.T, baseURL string) config.Config {
	return config.Config{
		EdgeID:               "edge-test",
		Version:              "test",
		DataDir:              t.TempDir(),
		CloudBaseURL:         baseURL,
		LicenseKey:           "LIC-1",
		HTTPTimeout:          2 * time.Second,
		SyncInterval:         50 * time.Millisecond,
		HeartbeatInterval:    time.Minute,
		ScenarioTTL:          time.Minute,
		MaxCameras:           2,
		ConnectWorkers:       1,
		FrameRate:            20,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectCap:         50 * time.Millisecond,
		MaxConsecutiveErrors: 3,
		OnlineWindow:         time.Second,
		ReadTimeout:          time.Second,
		DispatchTimeout:      time.Second,
		MQTTBaseTopic:        "edge",
	}
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	opener := capture.OpenerFunc(func(ctx context.Context, cam core.CameraConfig) (capture.Source, error) {
		return &frameSource{}, nil
	})
	a, err := New(context.Background(), cfg, logger.NewTestLogger(),
		WithOpener(opener),
		WithCredentialKey(security.DeriveKey("app-test")),
		WithModules(fireModule{}),
		AllowPlainHTTP(),
		WithCloudOptions(cloud.WithRetry(1, time.Millisecond)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestStartsInSetupRequired(t *testing.T) {
	fc := newFakeCloud(t)
	a := newTestApp(t, testConfig(t, fc.srv.URL))
	assert.Equal(t, StateSetupRequired, a.State())

	st := a.Status(context.Background())
	assert.False(t, st.CredentialsPresent)
	assert.Equal(t, "edge-test", st.EdgeID)
	assert.Equal(t, "setup_required", st.Payload().Str("state"))
}

func TestStateFollowsConnectivity(t *testing.T) {
	fc := newFakeCloud(t)
	a := newTestApp(t, testConfig(t, fc.srv.URL))
	ctx := context.Background()

	a.Sync.Tick(ctx)
	assert.Equal(t, StateOnline, a.State())

	_, ok := a.Credentials.Current()
	assert.True(t, ok, "credenciais emitidas no heartbeat foram persistidas")
	assert.Equal(t, 1, a.Supervisor.Len())
	cams := a.Supervisor.Cameras()
	require.Len(t, cams, 1)
	assert.Equal(t, []string{"fire"}, cams[0].Modules, "lpr não está na licença")

	rec, err := a.Records.Load()
	require.NoError(t, err)
	assert.True(t, rec.SetupComplete)
	assert.Equal(t, "ek-1", rec.EdgeKey)
	assert.Equal(t, "edge-test", rec.EdgeID)

	// força novo heartbeat com o cloud fora
	fc.online.Store(false)
	a2 := newTestAppShared(t, a)
	a2.Sync.Tick(ctx)
	assert.Equal(t, StateOffline, a2.State(), "licença em cache, sem cloud")
}

// newTestAppShared abre outra App sobre o mesmo data_dir (reinício do processo).
func newTestAppShared(t *testing.T, prev *App) *App {
	t.Helper()
	require.NoError(t, prev.Close())
	cfg := prev.Config()
	a := newTestApp(t, cfg)
	_, err := a.License.LoadCached()
	require.NoError(t, err)
	return a
}

func TestEndToEndAlertReachesCloud(t *testing.T) {
	fc := newFakeCloud(t)
	a := newTestApp(t, testConfig(t, fc.srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return fc.eventCount() > 0 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	fc.mu.Lock()
	evt := fc.events[0]
	fc.mu.Unlock()
	assert.Equal(t, "edge-test", evt.Str("edge_id"))
	assert.Equal(t, "fire_detected", evt.Str("event_type"))
	assert.Equal(t, "critical", evt.Str("severity"))
	assert.Equal(t, "cam-1", evt.Str("camera_id"))
	assert.Equal(t, "fire", evt.Get("meta").Str("module"))
}

func TestCommandHandler(t *testing.T) {
	fc := newFakeCloud(t)
	a := newTestApp(t, testConfig(t, fc.srv.URL))
	h := a.CommandHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands/sync_config", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "sem credenciais")

	require.NoError(t, a.Credentials.Save("ek-9", "es-9", fc.srv.URL))
	_, err := a.License.Validate(context.Background())
	require.NoError(t, err)

	body := []byte(`{"reason":"manual"}`)
	signed := security.NewSigner("ek-9", "es-9").Sign(http.MethodPost, "/api/v1/commands/sync_config", body)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands/sync_config", bytes.NewReader(body))
	signed.Apply(req.Header)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"success":true,"cameras":1}`, rr.Body.String())

	// assinatura com outro segredo
	bad := security.NewSigner("ek-9", "outro").Sign(http.MethodPost, "/api/v1/commands/restart", nil)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands/restart", nil)
	bad.Apply(req.Header)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), `"success":false`)
}

func TestStatusHandler(t *testing.T) {
	fc := newFakeCloud(t)
	a := newTestApp(t, testConfig(t, fc.srv.URL))

	rr := httptest.NewRecorder()
	a.StatusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	v, err := payload.FromJSON(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "edge-test", v.Str("edge_id"))
	assert.True(t, v.Has("queue_length"))
}
