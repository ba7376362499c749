// internal/dispatch/module.go
// Package dispatch distribui cada quadro para os módulos de análise habilitados
// na câmera e agrega o que eles devolvem.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/payload"
)

// Input é o que um módulo recebe: o quadro, a câmera e metadados opcionais.
type Input struct {
	Frame    core.Frame
	CameraID string
	Metadata payload.Value
}

// Output são as três listas que um módulo pode devolver.
type Output struct {
	Detections []payload.Value
	Events     []payload.Value
	Alerts     []payload.Value
}

// Module é um colaborador de análise (fogo, face, pessoas...).
//
// Importante: módulos não falam com o cloud; quem envia é o events.Router.
type Module interface {
	ID() string
	Enabled() bool
	Process(ctx context.Context, in Input) (Output, error)
}

// Registry: tag de capacidade -> Module.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewRegistry(mods ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module)}
	for _, m := range mods {
		r.Register(m)
	}
	return r
}

// Register ignora nil; registrar o mesmo id de novo substitui o anterior.
func (r *Registry) Register(m Module) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[normalizeID(m.ID())] = m
}

func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[normalizeID(id)]
	return m, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
