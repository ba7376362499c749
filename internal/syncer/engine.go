// internal/syncer/engine.go
// Package syncer é o laço de sincronização com o cloud: heartbeat, dreno da fila
// offline, configuração de câmeras e comandos remotos.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/cloud"
	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/license"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/queue"
	"github.com/sua-org/edge-agent/internal/supervisor"
)

// Nomes dos passos, usados em LastErrors.
const (
	StepHeartbeat = "heartbeat"
	StepLicense   = "license"
	StepQueue     = "queue"
	StepConfig    = "config"
	StepCommands  = "commands"
	StepScenarios = "scenarios"
)

const (
	CommandRestart    = "restart"
	CommandSyncConfig = "sync_config"

	AckExecuted = "executed"
	AckFailed   = "failed"
	AckReceived = "received"
)

var ErrNoOrganization = errors.New("organization_id desconhecido (licença ainda não validada)")

// Cloud é o subconjunto do cloud.Client usado pelo laço.
type Cloud interface {
	Configured() bool
	Heartbeat(ctx context.Context, hb cloud.Heartbeat) (payload.Value, error)
	FetchCameras(ctx context.Context, orgID string) ([]core.CameraConfig, error)
	FetchCommands(ctx context.Context, edgeID string) ([]cloud.Command, error)
	AckCommand(ctx context.Context, id, status string, result payload.Value) error
	SendEventPayload(ctx context.Context, body payload.Value) (string, error)
}

type Cameras interface {
	Cameras() []core.CameraConfig
	List() []supervisor.CameraStatus
	Add(cam core.CameraConfig) error
	Replace(cam core.CameraConfig) error
	Remove(id string) bool
	UpdateModules(id string, modules []string) bool
	SetCapacity(n int)
}

type Drainer interface {
	Drain(ctx context.Context, send queue.SendFunc) (queue.DrainResult, error)
}

type Licenses interface {
	Validate(ctx context.Context) (license.State, error)
	Current() license.State
	FilterModules(tags []string) []string
}

type Scenarios interface {
	Stale(now time.Time) bool
	Refresh(ctx context.Context, orgID string) error
}

type SystemInfo interface {
	SystemInfo(ctx context.Context) payload.Value
}

// Deps agrupa os colaboradores. Licenses, Scenarios, Metrics e Restart são opcionais.
type Deps struct {
	Cloud     Cloud
	Cameras   Cameras
	Queue     Drainer
	Licenses  Licenses
	Scenarios Scenarios
	Metrics   SystemInfo
	// Restart reinicia os pipelines de câmera (comando "restart").
	Restart func(ctx context.Context) error
}

type Config struct {
	EdgeID            string
	Version           string
	Interval          time.Duration
	HeartbeatInterval time.Duration
}

// Status é o que o laço sabe sobre a conectividade real.
type Status struct {
	Connected     bool
	LastHeartbeat time.Time
	LastTick      time.Time
	LastDrain     queue.DrainResult
	LastErrors    map[string]string
}

type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  zerolog.Logger

	trigger chan struct{}
	tickMu  sync.Mutex

	mu            sync.RWMutex
	connected     bool
	lastHeartbeat time.Time
	lastTick      time.Time
	lastDrain     queue.DrainResult
	lastErrors    map[string]error
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, deps Deps, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.Interval
	}
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		now:        time.Now,
		log:        log,
		trigger:    make(chan struct{}, 1),
		lastErrors: make(map[string]error),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executa um ciclo imediatamente e depois a cada Interval, ou quando
// TriggerSync for chamado. Retorna quando ctx é cancelado.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.trigger:
			e.Tick(ctx)
		}
	}
}

// TriggerSync agenda um ciclo imediato; chamadas repetidas se fundem.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Tick roda os passos em sequência. Falha de um passo não impede os seguintes.
func (e *Engine) Tick(ctx context.Context) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if !e.deps.Cloud.Configured() {
		e.record(StepHeartbeat, errors.New("cloud_base_url não configurada"))
		e.setConnected(false)
		return
	}

	e.step(ctx, StepHeartbeat, e.heartbeat)
	e.step(ctx, StepQueue, e.drain)
	e.step(ctx, StepConfig, e.syncConfig)
	e.step(ctx, StepCommands, e.pollCommands)
	e.step(ctx, StepScenarios, e.refreshScenarios)

	e.mu.Lock()
	e.lastTick = e.now()
	e.mu.Unlock()
}

func (e *Engine) step(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			e.log.Error().Str("step", name).Err(err).Msg("passo do sync abortado")
			e.record(name, err)
		}
	}()
	err := fn(ctx)
	e.record(name, err)
	if err != nil {
		e.log.Warn().Str("step", name).Err(err).Msg("passo do sync falhou")
	}
}

func (e *Engine) heartbeat(ctx context.Context) error {
	now := e.now()
	e.mu.RLock()
	last := e.lastHeartbeat
	e.mu.RUnlock()
	if !last.IsZero() && now.Sub(last) < e.cfg.HeartbeatInterval {
		return nil
	}

	if e.deps.Licenses != nil {
		_, err := e.deps.Licenses.Validate(ctx)
		e.record(StepLicense, err)
		if err != nil {
			e.log.Warn().Err(err).Msg("validação de licença falhou")
		}
	}

	hb := cloud.Heartbeat{EdgeID: e.cfg.EdgeID, Version: e.cfg.Version}
	if e.deps.Licenses != nil {
		st := e.deps.Licenses.Current()
		hb.OrganizationID = st.OrganizationID
		hb.LicenseID = st.LicenseID
	}
	if e.deps.Metrics != nil {
		hb.SystemInfo = e.deps.Metrics.SystemInfo(ctx)
	}
	for _, cs := range e.deps.Cameras.List() {
		hb.Cameras = append(hb.Cameras, cloud.CameraStatus{
			CameraID:      cs.ID,
			Status:        string(cs.Status),
			LastFrameTime: cs.LastFrameAt,
		})
	}

	if _, err := e.deps.Cloud.Heartbeat(ctx, hb); err != nil {
		e.setConnected(false)
		return err
	}

	e.mu.Lock()
	e.lastHeartbeat = now
	e.connected = true
	e.mu.Unlock()
	e.log.Debug().Int("cameras", len(hb.Cameras)).Msg("heartbeat enviado")
	return nil
}

func (e *Engine) drain(ctx context.Context) error {
	res, err := e.deps.Queue.Drain(ctx, func(ctx context.Context, it queue.Item) error {
		_, err := e.deps.Cloud.SendEventPayload(ctx, it.Payload)
		return err
	})
	e.mu.Lock()
	e.lastDrain = res
	e.mu.Unlock()
	if res.Sent > 0 || res.DeadLettered > 0 {
		e.log.Info().
			Int("sent", res.Sent).
			Int("dead_lettered", res.DeadLettered).
			Int("remaining", res.Remaining).
			Msg("fila offline drenada")
	}
	return err
}

func (e *Engine) orgID() string {
	if e.deps.Licenses == nil {
		return ""
	}
	return e.deps.Licenses.Current().OrganizationID
}

// syncConfig reconcilia as câmeras locais com a lista do cloud: adiciona as
// novas, recria as que mudaram de URI, atualiza módulos no lugar e remove as
// que sumiram.
func (e *Engine) syncConfig(ctx context.Context) error {
	org := e.orgID()
	if org == "" {
		return ErrNoOrganization
	}
	remote, err := e.deps.Cloud.FetchCameras(ctx, org)
	if err != nil {
		return err
	}

	if e.deps.Licenses != nil {
		if limit := e.deps.Licenses.Current().MaxCameras; limit > 0 {
			e.deps.Cameras.SetCapacity(limit)
		}
	}

	local := make(map[string]core.CameraConfig)
	for _, c := range e.deps.Cameras.Cameras() {
		local[c.ID] = c
	}

	var errs []error
	var added, replaced, updated, removed int
	wanted := make(map[string]struct{}, len(remote))
	for _, cam := range remote {
		wanted[cam.ID] = struct{}{}
		if e.deps.Licenses != nil {
			cam.Modules = e.deps.Licenses.FilterModules(cam.Modules)
		}

		cur, ok := local[cam.ID]
		switch {
		case !ok:
			if err := e.deps.Cameras.Add(cam); err != nil {
				errs = append(errs, fmt.Errorf("câmera %s: %w", cam.ID, err))
				continue
			}
			added++
		case cur.Equal(cam):
		case cur.SourceURI != cam.SourceURI:
			if err := e.deps.Cameras.Replace(cam); err != nil {
				errs = append(errs, fmt.Errorf("câmera %s: %w", cam.ID, err))
				continue
			}
			replaced++
		default:
			// só nome ou módulos mudaram: sem reconectar
			if e.deps.Cameras.UpdateModules(cam.ID, cam.Modules) {
				updated++
			}
		}
	}
	for id := range local {
		if _, ok := wanted[id]; !ok && e.deps.Cameras.Remove(id) {
			removed++
		}
	}

	if added+replaced+updated+removed > 0 {
		e.log.Info().
			Int("added", added).
			Int("replaced", replaced).
			Int("updated", updated).
			Int("removed", removed).
			Msg("configuração de câmeras sincronizada")
	}
	return errors.Join(errs...)
}

func (e *Engine) pollCommands(ctx context.Context) error {
	cmds, err := e.deps.Cloud.FetchCommands(ctx, e.cfg.EdgeID)
	if err != nil {
		return err
	}

	var errs []error
	for _, cmd := range cmds {
		status, result := e.execute(ctx, cmd)
		if err := e.deps.Cloud.AckCommand(ctx, cmd.ID, status, result); err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", cmd.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) execute(ctx context.Context, cmd cloud.Command) (string, payload.Value) {
	log := e.log.With().Str("command_id", cmd.ID).Str("command", cmd.Type).Logger()

	var err error
	switch cmd.Type {
	case CommandRestart:
		if e.deps.Restart == nil {
			err = errors.New("restart não suportado")
		} else {
			err = e.deps.Restart(ctx)
		}
	case CommandSyncConfig, "sync-config":
		err = e.syncConfig(ctx)
		e.record(StepConfig, err)
	default:
		log.Info().Msg("comando desconhecido; apenas confirmado")
		return AckReceived, payload.Object(payload.F("message", payload.String("comando não suportado neste edge")))
	}

	if err != nil {
		log.Warn().Err(err).Msg("comando falhou")
		return AckFailed, payload.Object(payload.F("error", payload.String(err.Error())))
	}
	log.Info().Msg("comando executado")
	return AckExecuted, payload.Object(payload.F("success", payload.Bool(true)))
}

func (e *Engine) refreshScenarios(ctx context.Context) error {
	if e.deps.Scenarios == nil || !e.deps.Scenarios.Stale(e.now()) {
		return nil
	}
	return e.deps.Scenarios.Refresh(ctx, e.orgID())
}

// SyncConfig roda só a reconciliação de câmeras (comando sync-config de entrada).
func (e *Engine) SyncConfig(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	err := e.syncConfig(ctx)
	e.record(StepConfig, err)
	return err
}

func (e *Engine) record(step string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.lastErrors, step)
		return
	}
	e.lastErrors[step] = err
}

func (e *Engine) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Connected reflete o resultado do último heartbeat.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Engine) LastHeartbeat() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeartbeat
}

func (e *Engine) LastError(step string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErrors[step]
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{
		Connected:     e.connected,
		LastHeartbeat: e.lastHeartbeat,
		LastTick:      e.lastTick,
		LastDrain:     e.lastDrain,
		LastErrors:    make(map[string]string, len(e.lastErrors)),
	}
	for k, v := range e.lastErrors {
		st.LastErrors[k] = v.Error()
	}
	return st
}

