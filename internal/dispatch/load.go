// internal/dispatch/load.go
package dispatch

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/config"
)

// LoadFromConfig monta o dispatcher com os módulos de cfg.Modules.
//
// Cada módulo vira um RemoteModule apontando para cfg.InferenceURL. Sem
// InferenceURL o registry fica vazio e toda câmera roda sem análise.
func LoadFromConfig(cfg config.Config, log zerolog.Logger, extra ...Module) *Dispatcher {
	reg := NewRegistry()

	if cfg.InferenceURL == "" && len(cfg.Modules) > 0 {
		log.Warn().Strs("modules", cfg.Modules).Msg("inference_url vazio; módulos remotos desabilitados")
	}
	if cfg.InferenceURL != "" {
		for _, id := range cfg.Modules {
			reg.Register(NewRemoteModule(id, cfg.InferenceURL))
		}
	}
	for _, m := range extra {
		reg.Register(m)
	}

	ids := reg.IDs()
	if len(ids) > 0 {
		log.Info().Str("modules", strings.Join(ids, ",")).Msg("módulos registrados")
	} else {
		log.Info().Msg("nenhum módulo registrado")
	}
	return NewDispatcher(reg, cfg.DispatchTimeout, log)
}
