// internal/app/http.go
package app

import (
	"encoding/json"
	"net/http"

	"github.com/sua-org/edge-agent/internal/payload"
)

// CommandHandler expõe os comandos de entrada do cloud (restart e sync-config).
// Toda requisição passa pela verificação HMAC com as credenciais atuais.
func (a *App) CommandHandler() http.Handler {
	mux := http.NewServeMux()
	restart := http.HandlerFunc(a.handleRestart)
	syncCfg := http.HandlerFunc(a.handleSyncConfig)

	mux.Handle("POST /api/v1/commands/restart", restart)
	mux.Handle("POST /api/v1/commands/sync_config", syncCfg)
	mux.Handle("POST /api/v1/commands/sync-config", syncCfg)
	// rotas antigas
	mux.Handle("POST /api/v1/system/restart", restart)
	mux.Handle("POST /api/v1/system/sync-config", syncCfg)

	verified := a.verifier.Middleware(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := a.Credentials.Current()
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, payload.Object(
				payload.F("success", payload.Bool(false)),
				payload.F("error", payload.String("edge sem credenciais (setup pendente)")),
			))
			return
		}
		a.verifier.Rotate(cred.EdgeKey, cred.EdgeSecret)
		verified.ServeHTTP(w, r)
	})
}

// StatusHandler devolve Status em JSON; não exige assinatura.
func (a *App) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a.Status(r.Context()).Payload())
	})
}

func (a *App) handleRestart(w http.ResponseWriter, r *http.Request) {
	a.log.Info().Str("remote", r.RemoteAddr).Msg("comando restart recebido")
	if err := a.restartCameras(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, payload.Object(
			payload.F("success", payload.Bool(false)),
			payload.F("error", payload.String(err.Error())),
		))
		return
	}
	writeJSON(w, http.StatusOK, payload.Object(
		payload.F("success", payload.Bool(true)),
		payload.F("cameras", payload.Int(int64(a.Supervisor.Len()))),
	))
}

func (a *App) handleSyncConfig(w http.ResponseWriter, r *http.Request) {
	a.log.Info().Str("remote", r.RemoteAddr).Msg("comando sync-config recebido")
	if err := a.Sync.SyncConfig(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, payload.Object(
			payload.F("success", payload.Bool(false)),
			payload.F("error", payload.String(err.Error())),
		))
		return
	}
	a.Sync.TriggerSync()
	writeJSON(w, http.StatusOK, payload.Object(
		payload.F("success", payload.Bool(true)),
		payload.F("cameras", payload.Int(int64(a.Supervisor.Len()))),
	))
}

func writeJSON(w http.ResponseWriter, status int, v payload.Value) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
