// internal/events/router.go
// Package events transforma a saída dos módulos em eventos do cloud e garante a
// entrega: envio direto quando há conexão, fila offline quando não há.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/dispatch"
	"github.com/sua-org/edge-agent/internal/mqttclient"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/storage"
)

// Sender é o pedaço do cloud.Client que publica eventos.
type Sender interface {
	SendEventPayload(ctx context.Context, body payload.Value) (string, error)
}

// Enqueuer é a fila offline.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ core.ItemType, body payload.Value) (int64, error)
}

// Gate decide se um evento de cenário pode sair para uma câmera.
type Gate interface {
	Governs(module string) bool
	Allowed(module, scenarioType, cameraID string) bool
}

type job struct {
	evt       core.Event
	analytics bool
}

// Stats são contadores acumulados desde o início do processo.
type Stats struct {
	Sent      uint64
	Queued    uint64
	Gated     uint64
	Failed    uint64
	Snapshots uint64
}

type Router struct {
	edgeID string
	sender Sender
	queue  Enqueuer
	gate   Gate
	store  storage.ImageStore
	mqtt   mqttclient.Publisher
	topics mqttclient.Topics
	now    func() time.Time
	log    zerolog.Logger

	jobs chan job

	sent, queued, gated, failed, snapshots atomic.Uint64
}

type Option func(*Router)

func WithScenarioGate(g Gate) Option { return func(r *Router) { r.gate = g } }

func WithSnapshots(s storage.ImageStore) Option { return func(r *Router) { r.store = s } }

func WithMQTT(p mqttclient.Publisher, topics mqttclient.Topics) Option {
	return func(r *Router) { r.mqtt, r.topics = p, topics }
}

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// NewRouter cria o roteador; buffer é a capacidade da fila em memória entre as
// câmeras e o worker de envio.
func NewRouter(edgeID string, sender Sender, queue Enqueuer, buffer int, log zerolog.Logger, opts ...Option) *Router {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Router{
		edgeID: edgeID,
		sender: sender,
		queue:  queue,
		now:    time.Now,
		log:    log,
		jobs:   make(chan job, buffer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Stats() Stats {
	return Stats{
		Sent:      r.sent.Load(),
		Queued:    r.queued.Load(),
		Gated:     r.gated.Load(),
		Failed:    r.failed.Load(),
		Snapshots: r.snapshots.Load(),
	}
}

// Handle converte o resultado de um quadro e entrega ao worker sem bloquear a
// câmera. Devolve quantos eventos/alertas foram aceitos.
func (r *Router) Handle(ctx context.Context, frame core.Frame, res dispatch.Result) int {
	cameraID := frame.CameraID
	accepted := 0

	for _, it := range res.Alerts {
		evt := r.build(core.ItemAlert, it, frame)
		evt.Snapshot = frame.Data
		if r.admit(evt) {
			r.submit(ctx, job{evt: evt})
			accepted++
		}
	}
	for _, it := range res.Events {
		typ := core.ItemEvent
		if core.ItemType(it.Str("type")) == core.ItemAttendance {
			typ = core.ItemAttendance
		}
		evt := r.build(typ, it, frame)
		if r.admit(evt) {
			r.submit(ctx, job{evt: evt})
			accepted++
		}
	}

	if len(res.Detections) > 0 || hasModuleError(res) {
		r.submit(ctx, job{evt: r.analytics(cameraID, frame, res), analytics: true})
	}
	return accepted
}

// admit aplica o filtro de cenários aos módulos governados pelo cache.
func (r *Router) admit(evt core.Event) bool {
	if r.gate == nil || evt.Module == "" || !r.gate.Governs(evt.Module) {
		return true
	}
	st := evt.ScenarioType
	if st == "" {
		st = evt.EventType
	}
	if r.gate.Allowed(evt.Module, st, evt.CameraID) {
		return true
	}
	r.gated.Add(1)
	r.log.Debug().
		Str("module", evt.Module).
		Str("scenario", st).
		Str("camera_id", evt.CameraID).
		Msg("cenário não habilitado para a câmera; evento descartado")
	return false
}

func (r *Router) submit(ctx context.Context, j job) {
	select {
	case r.jobs <- j:
	default:
		// worker atrasado: eventos vão direto para a fila, analytics são descartados
		if j.analytics {
			r.failed.Add(1)
			r.log.Warn().Str("camera_id", j.evt.CameraID).Msg("buffer cheio; analytics descartado")
			return
		}
		r.enqueue(ctx, j.evt, r.body(j.evt))
	}
}

// Run consome o buffer até ctx ser cancelado. O que sobrar no buffer vai para a
// fila offline antes de retornar.
func (r *Router) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.flush()
			return nil
		}
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case j := <-r.jobs:
			r.deliver(ctx, j)
		}
	}
}

func (r *Router) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case j := <-r.jobs:
			if !j.analytics {
				r.enqueue(ctx, j.evt, r.body(j.evt))
			}
		default:
			return
		}
	}
}

func (r *Router) deliver(ctx context.Context, j job) {
	evt := j.evt
	if len(evt.Snapshot) > 0 && r.store != nil {
		key := storage.SnapshotKey(r.edgeID, evt.CameraID, evt.OccurredAt)
		if u, err := r.store.SaveSnapshot(ctx, key, evt.Snapshot, "image/jpeg"); err != nil {
			r.log.Warn().Err(err).Str("camera_id", evt.CameraID).Msg("falha ao salvar snapshot")
		} else {
			evt.Meta = ensureMap(evt.Meta).With("snapshot_url", payload.String(u))
			r.snapshots.Add(1)
		}
	}

	body := r.body(evt)
	r.mirror(evt, body)

	id, err := r.sender.SendEventPayload(ctx, body)
	if err == nil {
		r.sent.Add(1)
		r.log.Debug().Str("event_id", evt.ID).Str("cloud_id", id).Str("event_type", evt.EventType).Msg("evento enviado")
		return
	}

	if j.analytics {
		r.failed.Add(1)
		r.log.Debug().Err(err).Str("camera_id", evt.CameraID).Msg("analytics não enviado")
		return
	}
	r.log.Warn().Err(err).Str("event_id", evt.ID).Msg("envio falhou; evento vai para a fila offline")
	r.enqueue(ctx, evt, body)
}

func (r *Router) enqueue(ctx context.Context, evt core.Event, body payload.Value) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if _, err := r.queue.Enqueue(ctx, evt.Type, body); err != nil {
		r.failed.Add(1)
		r.log.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("evento perdido: falha ao enfileirar")
		return
	}
	r.queued.Add(1)
}

func (r *Router) mirror(evt core.Event, body payload.Value) {
	if r.mqtt == nil {
		return
	}
	kind := string(evt.Type)
	if kind == "" {
		kind = "analytics"
	}
	if err := mqttclient.PublishValue(r.mqtt, r.topics.Event(evt.CameraID, kind), false, body); err != nil {
		r.log.Debug().Err(err).Msg("falha ao espelhar evento no MQTT")
	}
}

func (r *Router) body(evt core.Event) payload.Value {
	return evt.Payload(r.edgeID)
}

var reserved = map[string]bool{
	"type": true, "event_type": true, "severity": true, "occurred_at": true,
	"scenario_type": true, "module": true, "meta": true, "camera_id": true,
}

// build: campos conhecidos viram colunas do evento; o resto vai para meta.
func (r *Router) build(typ core.ItemType, it payload.Value, frame core.Frame) core.Event {
	evt := core.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		EventType:    it.Str("event_type"),
		Severity:     core.NormalizeSeverity(it.Str("severity")),
		OccurredAt:   frame.CapturedAt,
		CameraID:     frame.CameraID,
		Module:       it.Str("module"),
		ScenarioType: it.Str("scenario_type"),
	}
	if typ == core.ItemAlert && it.Str("severity") == "" {
		evt.Severity = core.SeverityWarning
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = r.now()
	}
	if s := it.Str("occurred_at"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			evt.OccurredAt = t
		}
	}

	meta := ensureMap(it.Get("meta"))
	for _, k := range it.Keys() {
		if reserved[k] || meta.Has(k) {
			continue
		}
		meta = meta.With(k, it.Get(k))
	}
	meta = meta.With("frame_seq", payload.Int(int64(frame.Seq)))
	evt.Meta = meta
	return evt
}

func (r *Router) analytics(cameraID string, frame core.Frame, res dispatch.Result) core.Event {
	mods := make(map[string]payload.Value, len(res.Modules))
	for id, st := range res.Modules {
		mods[id] = st.Payload()
	}
	at := frame.CapturedAt
	if at.IsZero() {
		at = r.now()
	}
	return core.Event{
		ID:         uuid.NewString(),
		EventType:  "analytics",
		Severity:   core.SeverityInfo,
		OccurredAt: at,
		CameraID:   cameraID,
		Meta: payload.Object(
			payload.F("detections", payload.List(res.Detections...)),
			payload.F("detections_count", payload.Int(int64(len(res.Detections)))),
			payload.F("modules", payload.Map(mods)),
			payload.F("frame_seq", payload.Int(int64(frame.Seq))),
		),
	}
}

func hasModuleError(res dispatch.Result) bool {
	for _, st := range res.Modules {
		if !st.Processed {
			return true
		}
	}
	return false
}

func ensureMap(v payload.Value) payload.Value {
	if v.Kind() == payload.KindMap {
		return v
	}
	return payload.Object()
}
