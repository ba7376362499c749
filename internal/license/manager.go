// internal/license/manager.go
// Package license valida a licença no cloud e mantém o cache local que permite
// operar offline dentro do período de carência.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/cloud"
	"github.com/sua-org/edge-agent/internal/config"
)

var (
	ErrNoLicenseKey = errors.New("license_key não configurada")
	ErrUnlicensed   = errors.New("licença inválida ou expirada")
)

type Source string

const (
	SourceNone   Source = ""
	SourceOnline Source = "online"
	SourceCache  Source = "cache"
)

// Validator é o pedaço do cloud.Client usado aqui.
type Validator interface {
	ValidateLicense(ctx context.Context, licenseKey, edgeID string) (cloud.LicenseInfo, error)
}

// State é a licença em uso e de onde ela veio.
type State struct {
	config.LicenseRecord
	Source Source
}

// Licensed: existe licença utilizável agora.
func (s State) Licensed() bool { return s.Source != SourceNone }

// Deadline é o último instante em que o cache ainda vale: o maior entre
// expires_at e validated_at, somado aos dias de carência.
func Deadline(rec config.LicenseRecord) time.Time {
	base := rec.ValidatedAt
	if rec.ExpiresAt.After(base) {
		base = rec.ExpiresAt
	}
	if base.IsZero() {
		return time.Time{}
	}
	return base.Add(time.Duration(rec.GraceDays) * 24 * time.Hour)
}

// Usable indica se o registro em cache ainda pode ser usado em now.
func Usable(rec config.LicenseRecord, now time.Time) bool {
	d := Deadline(rec)
	return !d.IsZero() && !now.After(d)
}

type Manager struct {
	validator  Validator
	records    *config.RecordStore
	licenseKey string
	edgeID     string
	now        func() time.Time
	log        zerolog.Logger

	mu    sync.RWMutex
	state State
}

func NewManager(v Validator, records *config.RecordStore, licenseKey, edgeID string, log zerolog.Logger) *Manager {
	return &Manager{
		validator:  v,
		records:    records,
		licenseKey: strings.TrimSpace(licenseKey),
		edgeID:     edgeID,
		now:        time.Now,
		log:        log,
	}
}

// LoadCached carrega a licença do disco se ainda estiver dentro da carência.
// Registro ausente, de outra chave ou vencido devolve State{}.
func (m *Manager) LoadCached() (State, error) {
	rec, err := m.records.Load()
	if err != nil {
		return State{}, err
	}
	if rec.License == nil || !m.sameKey(*rec.License) || !Usable(*rec.License, m.now()) {
		return State{}, nil
	}
	st := State{LicenseRecord: *rec.License, Source: SourceCache}
	m.set(st)
	return st, nil
}

// Validate consulta o cloud. Resultado online sempre substitui o cache; se o cloud
// estiver inalcançável, cai para o cache enquanto ele for utilizável.
func (m *Manager) Validate(ctx context.Context) (State, error) {
	key := m.key()
	if key == "" {
		return State{}, ErrNoLicenseKey
	}

	info, err := m.validator.ValidateLicense(ctx, key, m.edgeID)
	switch {
	case err == nil:
		rec := config.LicenseRecord{
			LicenseKey:     key,
			OrganizationID: info.OrganizationID,
			LicenseID:      info.LicenseID,
			Plan:           info.Plan,
			MaxCameras:     info.MaxCameras,
			Modules:        info.Modules,
			ExpiresAt:      info.ExpiresAt,
			GraceDays:      info.GraceDays,
			ValidatedAt:    m.now().UTC(),
		}
		if err := m.records.Update(func(r *config.Record) { r.License = &rec }); err != nil {
			m.log.Warn().Err(err).Msg("falha ao gravar cache da licença")
		}
		st := State{LicenseRecord: rec, Source: SourceOnline}
		m.set(st)
		m.log.Info().
			Str("organization_id", rec.OrganizationID).
			Str("plan", rec.Plan).
			Time("expires_at", rec.ExpiresAt).
			Msg("licença validada")
		return st, nil

	case errors.Is(err, cloud.ErrLicenseInvalid), cloud.IsValidation(err), cloud.IsAuth(err):
		// recusa explícita do cloud: descarta o cache
		if uerr := m.records.Update(func(r *config.Record) { r.License = nil }); uerr != nil {
			m.log.Warn().Err(uerr).Msg("falha ao limpar cache da licença")
		}
		m.set(State{})
		return State{}, fmt.Errorf("%w: %v", ErrUnlicensed, err)
	}

	// cloud fora do ar: só o registro em disco decide, nunca o estado online em memória
	if st, cerr := m.LoadCached(); cerr == nil && st.Licensed() {
		m.log.Warn().Err(err).Time("valid_until", Deadline(st.LicenseRecord)).Msg("cloud inalcançável; usando licença em cache")
		return st, nil
	}
	m.set(State{})
	return State{}, fmt.Errorf("validar licença: %w", err)
}

// Current devolve o estado em memória, expirando-o se a carência passou.
func (m *Manager) Current() State {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	if st.Source == SourceCache && !Usable(st.LicenseRecord, m.now()) {
		return State{}
	}
	return st
}

// ModuleAllowed: lista vazia na licença libera todos os módulos.
func (m *Manager) ModuleAllowed(tag string) bool {
	st := m.Current()
	if !st.Licensed() {
		return false
	}
	if len(st.Modules) == 0 {
		return true
	}
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, mod := range st.Modules {
		if mod == tag {
			return true
		}
	}
	return false
}

// FilterModules mantém só os módulos liberados pela licença, na ordem original.
func (m *Manager) FilterModules(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if m.ModuleAllowed(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) key() string {
	if m.licenseKey != "" {
		return m.licenseKey
	}
	if rec, err := m.records.Load(); err == nil && rec.License != nil {
		return rec.License.LicenseKey
	}
	return ""
}

func (m *Manager) sameKey(rec config.LicenseRecord) bool {
	return m.licenseKey == "" || rec.LicenseKey == m.licenseKey
}

func (m *Manager) set(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
}
