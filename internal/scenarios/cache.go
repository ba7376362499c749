// internal/scenarios/cache.go
// Package scenarios mantém em memória os cenários de IA do cloud e os vínculos
// cenário x câmera.
package scenarios

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/cloud"
)

// Fetcher é o pedaço do cloud.Client que o cache usa.
type Fetcher interface {
	FetchScenarios(ctx context.Context, orgID string) ([]cloud.Scenario, error)
}

type Cache struct {
	fetch Fetcher
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu        sync.RWMutex
	scenarios map[string]cloud.Scenario       // module:scenario_type
	bindings  map[string]map[string]struct{}  // camera_id -> chaves
	governed  map[string]struct{}             // módulos sob filtro de cenário; só cresce
	fetchedAt time.Time
}

func NewCache(fetch Fetcher, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		fetch:     fetch,
		ttl:       ttl,
		now:       time.Now,
		log:       log,
		scenarios: map[string]cloud.Scenario{},
		bindings:  map[string]map[string]struct{}{},
		governed:  map[string]struct{}{},
	}
}

// Govern coloca módulos sob filtro de cenário desde o início (ex.: lista da config),
// antes mesmo do primeiro Refresh.
func (c *Cache) Govern(modules ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range modules {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			c.governed[m] = struct{}{}
		}
	}
}

func key(module, scenarioType string) string {
	return strings.ToLower(strings.TrimSpace(module)) + ":" + strings.TrimSpace(scenarioType)
}

// Refresh recarrega tudo do cloud. Em caso de erro o conteúdo anterior fica.
func (c *Cache) Refresh(ctx context.Context, orgID string) error {
	list, err := c.fetch.FetchScenarios(ctx, orgID)
	if err != nil {
		return err
	}
	c.Load(list)
	c.log.Info().Int("scenarios", c.Len()).Msg("cenários atualizados")
	return nil
}

// Load substitui cenários e vínculos pela lista informada; só os habilitados entram.
// Todo módulo que aparece na lista, habilitado ou não, passa a ser filtrado e
// continua filtrado mesmo que seus cenários sumam depois.
func (c *Cache) Load(list []cloud.Scenario) {
	scenarios := make(map[string]cloud.Scenario)
	bindings := make(map[string]map[string]struct{})
	seen := make([]string, 0, len(list))

	for _, sc := range list {
		if mod := strings.ToLower(strings.TrimSpace(sc.Module)); mod != "" {
			seen = append(seen, mod)
		}
		if !sc.Enabled || sc.ScenarioType == "" {
			continue
		}
		k := key(sc.Module, sc.ScenarioType)
		scenarios[k] = sc
		for _, b := range sc.Bindings {
			if !b.Enabled || b.CameraID == "" {
				continue
			}
			if bindings[b.CameraID] == nil {
				bindings[b.CameraID] = make(map[string]struct{})
			}
			bindings[b.CameraID][k] = struct{}{}
		}
	}

	c.mu.Lock()
	c.scenarios = scenarios
	c.bindings = bindings
	for _, mod := range seen {
		c.governed[mod] = struct{}{}
	}
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

// Governs indica se o módulo está sob filtro de cenário. Módulos nunca vistos
// em cenário algum (nem configurados) não passam pelo filtro.
func (c *Cache) Governs(module string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.governed[strings.ToLower(strings.TrimSpace(module))]
	return ok
}

// Allowed: o cenário existe, está ativo e vinculado (ativo) à câmera.
func (c *Cache) Allowed(module, scenarioType, cameraID string) bool {
	k := key(module, scenarioType)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.scenarios[k]; !ok {
		return false
	}
	_, ok := c.bindings[cameraID][k]
	return ok
}

func (c *Cache) Lookup(module, scenarioType string) (cloud.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.scenarios[key(module, scenarioType)]
	return sc, ok
}

// Stale: nunca carregado ou TTL vencido.
func (c *Cache) Stale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt.IsZero() || now.Sub(c.fetchedAt) >= c.ttl
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scenarios)
}

func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}
