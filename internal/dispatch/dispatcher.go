// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/payload"
)

// ModuleStatus é o resultado de um módulo para um quadro.
type ModuleStatus struct {
	Processed       bool
	DetectionsCount int
	Error           string
	Duration        time.Duration
}

func (s ModuleStatus) Payload() payload.Value {
	if !s.Processed {
		return payload.Object(
			payload.F("processed", payload.Bool(false)),
			payload.F("error", payload.String(s.Error)),
		)
	}
	return payload.Object(
		payload.F("processed", payload.Bool(true)),
		payload.F("detections_count", payload.Int(int64(s.DetectionsCount))),
	)
}

// Result agrega a saída de todos os módulos de um quadro.
type Result struct {
	Detections []payload.Value
	Events     []payload.Value
	Alerts     []payload.Value
	Modules    map[string]ModuleStatus
}

func (r Result) Empty() bool {
	return len(r.Detections) == 0 && len(r.Events) == 0 && len(r.Alerts) == 0
}

type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

func NewDispatcher(registry *Registry, perModuleTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	if perModuleTimeout <= 0 {
		perModuleTimeout = 10 * time.Second
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{
		registry: registry,
		timeout:  perModuleTimeout,
		log:      log,
		warned:   make(map[string]struct{}),
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

type moduleRun struct {
	id  string
	out Output
	st  ModuleStatus
}

// Process roda os módulos habilitados em paralelo, cada um isolado por timeout e
// recover. A agregação segue a ordem de enabled.
func (d *Dispatcher) Process(ctx context.Context, frame core.Frame, cameraID string, enabled []string, metadata payload.Value) Result {
	res := Result{Modules: make(map[string]ModuleStatus)}

	var mods []Module
	seen := make(map[string]struct{}, len(enabled))
	for _, raw := range enabled {
		id := normalizeID(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m, ok := d.registry.Get(id)
		if !ok {
			d.warnMissing(id)
			continue
		}
		if !m.Enabled() {
			continue
		}
		mods = append(mods, m)
	}
	if len(mods) == 0 {
		return res
	}

	in := Input{Frame: frame, CameraID: cameraID, Metadata: metadata}
	runs := make([]moduleRun, len(mods))
	var wg sync.WaitGroup
	for i, m := range mods {
		wg.Add(1)
		go func(i int, m Module) {
			defer wg.Done()
			runs[i] = d.runOne(ctx, m, in)
		}(i, m)
	}
	wg.Wait()

	for _, r := range runs {
		res.Modules[r.id] = r.st
		if !r.st.Processed {
			continue
		}
		res.Detections = append(res.Detections, r.out.Detections...)
		res.Events = append(res.Events, tagModule(r.out.Events, r.id)...)
		res.Alerts = append(res.Alerts, tagModule(r.out.Alerts, r.id)...)
	}
	return res
}

func (d *Dispatcher) runOne(ctx context.Context, m Module, in Input) moduleRun {
	id := normalizeID(m.ID())
	start := time.Now()

	mctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		out Output
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().
					Str("module", id).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("panic no módulo")
				o = outcome{err: fmt.Errorf("panic no módulo %s: %v", id, r)}
			}
			ch <- o
		}()
		out, err := m.Process(mctx, in)
		o = outcome{out: out, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-mctx.Done():
		o = outcome{err: mctx.Err()}
	}

	st := ModuleStatus{Duration: time.Since(start)}
	if o.err != nil {
		if errors.Is(o.err, context.DeadlineExceeded) {
			o.err = fmt.Errorf("timeout após %s", d.timeout)
		}
		st.Error = o.err.Error()
		d.log.Warn().Str("module", id).Str("camera_id", in.CameraID).Err(o.err).Msg("módulo falhou")
		return moduleRun{id: id, st: st}
	}
	st.Processed = true
	st.DetectionsCount = len(o.out.Detections)
	return moduleRun{id: id, out: o.out, st: st}
}

// warnMissing loga uma única vez por id durante a vida do processo.
func (d *Dispatcher) warnMissing(id string) {
	d.mu.Lock()
	_, done := d.warned[id]
	if !done {
		d.warned[id] = struct{}{}
	}
	d.mu.Unlock()
	if !done {
		d.log.Warn().Str("module", id).Msg("módulo habilitado na câmera mas não implementado neste edge")
	}
}

func tagModule(items []payload.Value, id string) []payload.Value {
	out := make([]payload.Value, 0, len(items))
	for _, it := range items {
		if it.Kind() == payload.KindMap && !it.Has("module") {
			it = it.With("module", payload.String(id))
		}
		out = append(out, it)
	}
	return out
}
