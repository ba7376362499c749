package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/edge-agent/internal/cloud"
	"github.com/sua-org/edge-agent/internal/config"
	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/license"
	"github.com/sua-org/edge-agent/internal/logger"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/queue"
	"github.com/sua-org/edge-agent/internal/supervisor"
)

type ack struct {
	id, status string
	result     payload.Value
}

type fakeCloud struct {
	mu           sync.Mutex
	heartbeats   []cloud.Heartbeat
	heartbeatErr error
	cameras      []core.CameraConfig
	camerasErr   error
	commands     []cloud.Command
	acks         []ack
	sent         []payload.Value
	sendErr      error
}

func (f *fakeCloud) Configured() bool { return true }

func (f *fakeCloud) Heartbeat(ctx context.Context, hb cloud.Heartbeat) (payload.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeatErr != nil {
		return payload.Null(), f.heartbeatErr
	}
	f.heartbeats = append(f.heartbeats, hb)
	return payload.Object(), nil
}

func (f *fakeCloud) FetchCameras(ctx context.Context, orgID string) ([]core.CameraConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cameras, f.camerasErr
}

func (f *fakeCloud) FetchCommands(ctx context.Context, edgeID string) ([]cloud.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := f.commands
	f.commands = nil
	return cmds, nil
}

func (f *fakeCloud) AckCommand(ctx context.Context, id, status string, result payload.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack{id, status, result})
	return nil
}

func (f *fakeCloud) SendEventPayload(ctx context.Context, body payload.Value) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, body)
	return "id", nil
}

type fakeCameras struct {
	mu         sync.Mutex
	cams       map[string]core.CameraConfig
	replaced   []string
	updated    []string
	replaceErr error
	capacity   int
}

func newFakeCameras(cams ...core.CameraConfig) *fakeCameras {
	f := &fakeCameras{cams: map[string]core.CameraConfig{}}
	for _, c := range cams {
		f.cams[c.ID] = c
	}
	return f
}

func (f *fakeCameras) Cameras() []core.CameraConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.CameraConfig, 0, len(f.cams))
	for _, c := range f.cams {
		out = append(out, c)
	}
	return out
}

func (f *fakeCameras) List() []supervisor.CameraStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []supervisor.CameraStatus
	for id := range f.cams {
		out = append(out, supervisor.CameraStatus{ID: id, Status: supervisor.StatusOnline})
	}
	return out
}

func (f *fakeCameras) Add(cam core.CameraConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cams[cam.ID] = cam
	return nil
}

func (f *fakeCameras) Replace(cam core.CameraConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		delete(f.cams, cam.ID)
		return f.replaceErr
	}
	f.cams[cam.ID] = cam
	f.replaced = append(f.replaced, cam.ID)
	return nil
}

func (f *fakeCameras) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.cams[id]
	delete(f.cams, id)
	return ok
}

func (f *fakeCameras) UpdateModules(id string, modules []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cams[id]
	if !ok {
		return false
	}
	f.updated = append(f.updated, id)
	c.Modules = modules
	f.cams[id] = c
	return true
}

func (f *fakeCameras) SetCapacity(n int) { f.capacity = n }

func (f *fakeCameras) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.cams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type fakeLicenses struct {
	state license.State
	err   error
	calls int
}

func (f *fakeLicenses) Validate(ctx context.Context) (license.State, error) {
	f.calls++
	return f.state, f.err
}
func (f *fakeLicenses) Current() license.State { return f.state }
func (f *fakeLicenses) FilterModules(tags []string) []string {
	var out []string
	for _, t := range tags {
		if t != "forbidden" {
			out = append(out, t)
		}
	}
	return out
}

type fakeScenarios struct {
	stale     bool
	refreshes int
}

func (f *fakeScenarios) Stale(time.Time) bool { return f.stale }
func (f *fakeScenarios) Refresh(ctx context.Context, orgID string) error {
	f.refreshes++
	f.stale = false
	return nil
}

func licensed() *fakeLicenses {
	return &fakeLicenses{state: license.State{
		LicenseRecord: config.LicenseRecord{OrganizationID: "org-1", LicenseID: "lic-1", MaxCameras: 4},
		Source:        license.SourceOnline,
	}}
}

func openQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(t.TempDir()+"/q.db", logger.NewTestLogger(), queue.WithTerminal(cloud.IsValidation))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newEngine(t *testing.T, deps Deps, clk *clock) *Engine {
	t.Helper()
	return New(Config{EdgeID: "edge-1", Version: "1.0.0", Interval: time.Second, HeartbeatInterval: time.Minute},
		deps, logger.NewTestLogger(), WithClock(clk.now))
}

func TestHeartbeatRateLimitedSinceLastSuccess(t *testing.T) {
	fc := &fakeCloud{}
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	lic := licensed()
	e := newEngine(t, Deps{Cloud: fc, Cameras: newFakeCameras(), Queue: openQueue(t), Licenses: lic}, clk)
	ctx := context.Background()

	e.Tick(ctx)
	require.Len(t, fc.heartbeats, 1)
	assert.Equal(t, "org-1", fc.heartbeats[0].OrganizationID)
	assert.Equal(t, "lic-1", fc.heartbeats[0].LicenseID)
	assert.True(t, e.Connected())

	clk.t = clk.t.Add(30 * time.Second)
	e.Tick(ctx)
	assert.Len(t, fc.heartbeats, 1, "antes do intervalo")

	// falha não conta como último sucesso: tenta de novo no próximo tick
	clk.t = clk.t.Add(31 * time.Second)
	fc.heartbeatErr = errors.New("offline")
	e.Tick(ctx)
	assert.False(t, e.Connected())
	assert.Error(t, e.LastError(StepHeartbeat))

	fc.heartbeatErr = nil
	clk.t = clk.t.Add(time.Second)
	e.Tick(ctx)
	assert.Len(t, fc.heartbeats, 2)
	assert.True(t, e.Connected())
	assert.NoError(t, e.LastError(StepHeartbeat))
	assert.Equal(t, 3, lic.calls)
}

func TestDrainFIFOThroughCloud(t *testing.T) {
	fc := &fakeCloud{sendErr: errors.New("offline")}
	q := openQueue(t)
	ctx := context.Background()
	for _, n := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, core.ItemEvent, payload.Object(payload.F("event_type", payload.String(n))))
		require.NoError(t, err)
	}
	clk := &clock{t: time.Now()}
	e := newEngine(t, Deps{Cloud: fc, Cameras: newFakeCameras(), Queue: q, Licenses: licensed()}, clk)

	e.Tick(ctx)
	assert.Empty(t, fc.sent)
	n, _ := q.Len(ctx)
	assert.Equal(t, 3, n)
	assert.Error(t, e.LastError(StepQueue))

	fc.sendErr = nil
	e.Tick(ctx)
	require.Len(t, fc.sent, 3)
	assert.Equal(t, "A", fc.sent[0].Str("event_type"))
	assert.Equal(t, "C", fc.sent[2].Str("event_type"))
	assert.Equal(t, 3, e.Status().LastDrain.Sent)
}

func TestSyncConfigReconciles(t *testing.T) {
	cams := newFakeCameras(
		core.CameraConfig{ID: "keep", SourceURI: "rtsp://a/1", Modules: []string{"fire"}},
		core.CameraConfig{ID: "moved", SourceURI: "rtsp://old/2"},
		core.CameraConfig{ID: "mods", SourceURI: "rtsp://c/3", Modules: []string{"fire"}},
		core.CameraConfig{ID: "gone", SourceURI: "rtsp://d/4"},
	)
	fc := &fakeCloud{cameras: []core.CameraConfig{
		{ID: "keep", SourceURI: "rtsp://a/1", Modules: []string{"fire"}},
		{ID: "moved", SourceURI: "rtsp://new/2"},
		{ID: "mods", SourceURI: "rtsp://c/3", Modules: []string{"fire", "forbidden", "people"}},
		{ID: "new", SourceURI: "rtsp://e/5"},
	}}
	e := newEngine(t, Deps{Cloud: fc, Cameras: cams, Queue: openQueue(t), Licenses: licensed()}, &clock{t: time.Now()})

	require.NoError(t, e.SyncConfig(context.Background()))

	assert.Equal(t, []string{"keep", "mods", "moved", "new"}, cams.ids())
	assert.Equal(t, []string{"moved"}, cams.replaced)
	assert.Equal(t, []string{"mods"}, cams.updated, "câmera igual não é tocada")
	assert.Equal(t, []string{"fire", "people"}, cams.cams["mods"].Modules)
	assert.Equal(t, 4, cams.capacity)
}

func TestSyncConfigReportsStuckReplace(t *testing.T) {
	cams := newFakeCameras(core.CameraConfig{ID: "moved", SourceURI: "rtsp://old/2"})
	cams.replaceErr = supervisor.ErrStopTimeout
	fc := &fakeCloud{cameras: []core.CameraConfig{{ID: "moved", SourceURI: "rtsp://new/2"}}}
	e := newEngine(t, Deps{Cloud: fc, Cameras: cams, Queue: openQueue(t), Licenses: licensed()}, &clock{t: time.Now()})

	assert.ErrorIs(t, e.SyncConfig(context.Background()), supervisor.ErrStopTimeout)
	assert.Empty(t, cams.ids())
}

func TestSyncConfigFailureLeavesCameras(t *testing.T) {
	cams := newFakeCameras(core.CameraConfig{ID: "a", SourceURI: "rtsp://a"})
	fc := &fakeCloud{camerasErr: errors.New("503")}
	e := newEngine(t, Deps{Cloud: fc, Cameras: cams, Queue: openQueue(t), Licenses: licensed()}, &clock{t: time.Now()})

	assert.Error(t, e.SyncConfig(context.Background()))
	assert.Equal(t, []string{"a"}, cams.ids())
}

func TestSyncConfigNeedsOrganization(t *testing.T) {
	e := newEngine(t, Deps{Cloud: &fakeCloud{}, Cameras: newFakeCameras(), Queue: openQueue(t), Licenses: &fakeLicenses{}}, &clock{t: time.Now()})
	assert.ErrorIs(t, e.SyncConfig(context.Background()), ErrNoOrganization)
}

func TestCommandsAcked(t *testing.T) {
	restarted := 0
	fc := &fakeCloud{commands: []cloud.Command{
		{ID: "1", Type: CommandRestart},
		{ID: "2", Type: CommandSyncConfig},
		{ID: "3", Type: "reboot_router"},
	}}
	e := newEngine(t, Deps{
		Cloud: fc, Cameras: newFakeCameras(), Queue: openQueue(t), Licenses: licensed(),
		Restart: func(context.Context) error { restarted++; return nil },
	}, &clock{t: time.Now()})

	e.Tick(context.Background())

	require.Len(t, fc.acks, 3)
	assert.Equal(t, ack{id: "1", status: AckExecuted, result: fc.acks[0].result}, fc.acks[0])
	assert.Equal(t, AckExecuted, fc.acks[1].status)
	assert.Equal(t, AckReceived, fc.acks[2].status)
	assert.Equal(t, 1, restarted)
}

func TestCommandFailureAckedAsFailed(t *testing.T) {
	fc := &fakeCloud{commands: []cloud.Command{{ID: "9", Type: CommandRestart}}}
	e := newEngine(t, Deps{
		Cloud: fc, Cameras: newFakeCameras(), Queue: openQueue(t), Licenses: licensed(),
		Restart: func(context.Context) error { return errors.New("busy") },
	}, &clock{t: time.Now()})

	e.Tick(context.Background())
	require.Len(t, fc.acks, 1)
	assert.Equal(t, AckFailed, fc.acks[0].status)
	assert.Equal(t, "busy", fc.acks[0].result.Str("error"))
}

func TestScenariosRefreshedWhenStale(t *testing.T) {
	sc := &fakeScenarios{stale: true}
	e := newEngine(t, Deps{Cloud: &fakeCloud{}, Cameras: newFakeCameras(), Queue: openQueue(t), Licenses: licensed(), Scenarios: sc}, &clock{t: time.Now()})

	e.Tick(context.Background())
	e.Tick(context.Background())
	assert.Equal(t, 1, sc.refreshes)
}

func TestTriggerSyncRunsTick(t *testing.T) {
	fc := &fakeCloud{}
	e := New(Config{EdgeID: "edge-1", Interval: time.Hour}, Deps{Cloud: fc, Cameras: newFakeCameras(), Queue: openQueue(t)}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !e.Status().LastTick.IsZero() }, time.Second, 5*time.Millisecond)
	first := e.Status().LastTick

	time.Sleep(5 * time.Millisecond)
	e.TriggerSync()
	require.Eventually(t, func() bool { return e.Status().LastTick.After(first) }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
