package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/edge-agent/internal/cloud"
	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/dispatch"
	"github.com/sua-org/edge-agent/internal/logger"
	"github.com/sua-org/edge-agent/internal/mqttclient"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/scenarios"
)

type fakeSender struct {
	mu     sync.Mutex
	err    error
	bodies []payload.Value
}

func (f *fakeSender) SendEventPayload(ctx context.Context, body payload.Value) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.bodies = append(f.bodies, body)
	return "cloud-1", nil
}

func (f *fakeSender) sent() []payload.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payload.Value(nil), f.bodies...)
}

type queued struct {
	typ  core.ItemType
	body payload.Value
}

type fakeQueue struct {
	mu    sync.Mutex
	items []queued
}

func (f *fakeQueue) Enqueue(ctx context.Context, typ core.ItemType, body payload.Value) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, queued{typ, body})
	return int64(len(f.items)), nil
}

func (f *fakeQueue) all() []queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queued(nil), f.items...)
}

type fakeGate struct{}

func (fakeGate) Governs(module string) bool { return module == "market" }
func (fakeGate) Allowed(module, scenarioType, cameraID string) bool {
	return module == "market" && scenarioType == "loitering" && cameraID == "cam-1"
}

type fakeStore struct {
	keys []string
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.keys = append(f.keys, key)
	return "http://minio/snaps/" + key, nil
}

type fakeMQTT struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func frame() core.Frame {
	return core.Frame{CameraID: "cam-1", Seq: 42, CapturedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
}

func runRouter(t *testing.T, r *Router) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func obj(fields ...payload.Field) payload.Value { return payload.Object(fields...) }

func TestHandleSendsAlertWithSnapshotAndMirror(t *testing.T) {
	sender, q, store, mq := &fakeSender{}, &fakeQueue{}, &fakeStore{}, &fakeMQTT{}
	r := NewRouter("edge-1", sender, q, 8, logger.NewTestLogger(),
		WithSnapshots(store),
		WithMQTT(mq, mqttclient.Topics{Base: "edge", EdgeID: "edge-1"}))
	stop := runRouter(t, r)

	res := dispatch.Result{Alerts: []payload.Value{obj(
		payload.F("event_type", payload.String("fire_detected")),
		payload.F("module", payload.String("fire")),
		payload.F("confidence", payload.Number(0.91)),
	)}}
	assert.Equal(t, 1, r.Handle(context.Background(), frame(), res))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	body := sender.sent()[0]
	assert.Equal(t, "edge-1", body.Str("edge_id"))
	assert.Equal(t, "fire_detected", body.Str("event_type"))
	assert.Equal(t, "warning", body.Str("severity"))
	assert.Equal(t, "cam-1", body.Str("camera_id"))
	meta := body.Get("meta")
	assert.Equal(t, "fire", meta.Str("module"))
	assert.Equal(t, "0.91", meta.Str("confidence"))
	assert.Equal(t, "42", meta.Str("frame_seq"))
	assert.Contains(t, meta.Str("snapshot_url"), "http://minio/snaps/edge-1/cam-1/2025/01/01/")
	assert.NotEmpty(t, meta.Str("event_id"))

	require.Len(t, store.keys, 1)
	assert.Equal(t, []string{"edge/edge-1/cameras/cam-1/alert"}, mq.topics)
	assert.Empty(t, q.all())
	assert.Equal(t, uint64(1), r.Stats().Sent)
}

func TestSendFailureEnqueues(t *testing.T) {
	sender, q := &fakeSender{err: errors.New("cloud offline")}, &fakeQueue{}
	r := NewRouter("edge-1", sender, q, 8, logger.NewTestLogger())
	stop := runRouter(t, r)

	res := dispatch.Result{
		Events: []payload.Value{
			obj(payload.F("event_type", payload.String("people_count"))),
			obj(payload.F("event_type", payload.String("check_in")), payload.F("type", payload.String("attendance"))),
		},
		Detections: []payload.Value{obj(payload.F("label", payload.String("person")))},
		Modules:    map[string]dispatch.ModuleStatus{"people": {Processed: true, DetectionsCount: 1}},
	}
	r.Handle(context.Background(), frame(), res)

	require.Eventually(t, func() bool { return len(q.all()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	items := q.all()
	assert.Equal(t, core.ItemEvent, items[0].typ)
	assert.Equal(t, "people_count", items[0].body.Str("event_type"))
	assert.Equal(t, core.ItemAttendance, items[1].typ)
	// analytics não vai para a fila
	assert.Len(t, items, 2)
	assert.Equal(t, uint64(2), r.Stats().Queued)
}

func TestAnalyticsBatchedPerFrame(t *testing.T) {
	sender := &fakeSender{}
	r := NewRouter("edge-1", sender, &fakeQueue{}, 8, logger.NewTestLogger())
	stop := runRouter(t, r)

	res := dispatch.Result{
		Detections: []payload.Value{obj(payload.F("label", payload.String("a"))), obj(payload.F("label", payload.String("b")))},
		Modules: map[string]dispatch.ModuleStatus{
			"fire":   {Processed: true, DetectionsCount: 2},
			"people": {Processed: false, Error: "timeout"},
		},
	}
	assert.Equal(t, 0, r.Handle(context.Background(), frame(), res))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	body := sender.sent()[0]
	assert.Equal(t, "analytics", body.Str("event_type"))
	assert.Equal(t, "info", body.Str("severity"))
	meta := body.Get("meta")
	assert.Equal(t, 2, meta.Get("detections").Len())
	assert.Equal(t, "timeout", meta.Get("modules").Get("people").Str("error"))
}

func TestScenarioGate(t *testing.T) {
	sender := &fakeSender{}
	r := NewRouter("edge-1", sender, &fakeQueue{}, 8, logger.NewTestLogger(), WithScenarioGate(fakeGate{}))
	stop := runRouter(t, r)

	res := dispatch.Result{Events: []payload.Value{
		obj(payload.F("module", payload.String("market")), payload.F("scenario_type", payload.String("loitering"))),
		obj(payload.F("module", payload.String("market")), payload.F("event_type", payload.String("shelf_empty"))),
		obj(payload.F("module", payload.String("fire")), payload.F("event_type", payload.String("smoke"))),
	}}
	assert.Equal(t, 2, r.Handle(context.Background(), frame(), res))

	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, uint64(1), r.Stats().Gated)
	assert.Equal(t, "loitering", sender.sent()[0].Get("meta").Str("scenario"))
}

func TestDisabledScenarioStopsForwarding(t *testing.T) {
	cache := scenarios.NewCache(nil, time.Minute, logger.NewTestLogger())
	loitering := cloud.Scenario{
		Module: "market", ScenarioType: "loitering", Enabled: true,
		Bindings: []cloud.ScenarioBinding{{CameraID: "cam-1", Enabled: true}},
	}
	cache.Load([]cloud.Scenario{loitering})

	r := NewRouter("edge-1", &fakeSender{}, &fakeQueue{}, 8, logger.NewTestLogger(), WithScenarioGate(cache))
	res := dispatch.Result{Events: []payload.Value{
		obj(payload.F("module", payload.String("market")), payload.F("scenario_type", payload.String("loitering"))),
	}}
	assert.Equal(t, 1, r.Handle(context.Background(), frame(), res))

	loitering.Enabled = false
	cache.Load([]cloud.Scenario{loitering})
	assert.Equal(t, 0, r.Handle(context.Background(), frame(), res))

	// cenário apagado no cloud: o módulo continua filtrado
	cache.Load(nil)
	assert.Equal(t, 0, r.Handle(context.Background(), frame(), res))
	assert.Equal(t, uint64(2), r.Stats().Gated)
}

func TestFullBufferFallsBackToQueue(t *testing.T) {
	q := &fakeQueue{}
	// sem worker rodando: buffer de 1 enche no segundo evento
	r := NewRouter("edge-1", &fakeSender{}, q, 1, logger.NewTestLogger())

	res := dispatch.Result{Events: []payload.Value{
		obj(payload.F("event_type", payload.String("a"))),
		obj(payload.F("event_type", payload.String("b"))),
	}}
	r.Handle(context.Background(), frame(), res)
	require.Len(t, q.all(), 1)
	assert.Equal(t, "b", q.all()[0].body.Str("event_type"))

	// Run com contexto já cancelado: o que estava no buffer vai para a fila
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	require.Len(t, q.all(), 2)
	assert.Equal(t, "a", q.all()[1].body.Str("event_type"))
}
