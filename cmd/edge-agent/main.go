// cmd/edge-agent/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sua-org/edge-agent/internal/app"
	"github.com/sua-org/edge-agent/internal/config"
	"github.com/sua-org/edge-agent/internal/credentials"
	"github.com/sua-org/edge-agent/internal/logger"
	"github.com/sua-org/edge-agent/internal/queue"
)

// version é preenchida no build: -ldflags "-X main.version=1.2.3"
var version = "dev"

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "edge-agent",
	Short: "Agente de borda: câmeras, análise e sincronização com o cloud",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		return config.LoadDotEnv(envFile)
	},
	SilenceUsage: true,
}

func main() {
	v.SetDefault("version", version)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "erro:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.String("env-file", ".env", "arquivo .env opcional")
	pf.String("data-dir", "", "diretório de dados (fila, credenciais, config)")
	pf.String("cloud-url", "", "URL base do cloud")
	pf.String("edge-id", "", "identificador deste edge")
	pf.String("license-key", "", "chave de licença")
	pf.Bool("json", false, "saída em JSON")
	_ = v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = v.BindPFlag("cloud_base_url", pf.Lookup("cloud-url"))
	_ = v.BindPFlag("edge_id", pf.Lookup("edge-id"))
	_ = v.BindPFlag("license_key", pf.Lookup("license-key"))
	_ = v.BindPFlag("json", pf.Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(versionCmd())
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	log, err := logger.New(logger.DefaultConfig())
	if err != nil {
		return config.Config{}, log, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, log, err
	}
	return cfg, log, nil
}

// withApp monta a App sem iniciar câmeras nem sync (comandos de inspeção).
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	// mesmo client ID do agente em execução: conectar derrubaria a sessão dele
	cfg.MQTTEnabled = false
	cfg.MinIOEnabled = false
	a, err := app.New(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.License.LoadCached(); err != nil {
		return err
	}
	return fn(a)
}

func runCmd() *cobra.Command {
	var (
		listen, tlsCert, tlsKey string
		plainHTTP               bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inicia o agente (câmeras, dispatch e sync)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []app.Option
			if plainHTTP {
				log.Warn().Msg("comandos aceitos sem TLS")
				opts = append(opts, app.AllowPlainHTTP())
			}
			a, err := app.New(ctx, cfg, log, opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/api/v1/commands/", a.CommandHandler())
				mux.Handle("/api/v1/system/", a.CommandHandler())
				mux.Handle("/api/v1/status", a.StatusHandler())
				srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					log.Info().Str("addr", listen).Msg("endpoints de comando ativos")
					var err error
					if tlsCert != "" {
						err = srv.ListenAndServeTLS(tlsCert, tlsKey)
					} else {
						// atrás de proxy TLS (X-Forwarded-Proto: https)
						err = srv.ListenAndServe()
					}
					if err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("servidor de comandos parou")
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "endereço para os endpoints de comando/status (ex.: :8090); vazio desliga")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "certificado TLS dos endpoints")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "chave TLS dos endpoints")
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "aceita comandos sem TLS (apenas desenvolvimento)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Mostra estado, licença, credenciais e fila",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				st := a.Status(cmd.Context())
				if v.GetBool("json") {
					return printJSON(st.Payload())
				}

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Campo", "Valor"})
				tw.AppendRow(table.Row{"Estado", st.State})
				tw.AppendRow(table.Row{"Edge ID", st.EdgeID})
				tw.AppendRow(table.Row{"Versão", st.Version})
				tw.AppendRow(table.Row{"Cloud", st.CloudBaseURL})
				tw.AppendRow(table.Row{"Credenciais", yesNo(st.CredentialsPresent)})
				if st.License.Licensed() {
					tw.AppendRow(table.Row{"Licença", fmt.Sprintf("%s (%s)", st.License.Plan, st.License.Source)})
					tw.AppendRow(table.Row{"Organização", st.License.OrganizationID})
					tw.AppendRow(table.Row{"Expira em", formatTime(st.License.ExpiresAt)})
					tw.AppendRow(table.Row{"Módulos", strings.Join(st.License.Modules, ",")})
				} else {
					tw.AppendRow(table.Row{"Licença", "nenhuma"})
				}
				tw.AppendRow(table.Row{"Fila offline", st.QueueLength})
				tw.AppendRow(table.Row{"Dead letters", st.DeadLetters})
				tw.Render()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspeciona a fila offline"}
	q.AddCommand(queueListCmd(false))
	q.AddCommand(queueListCmd(true))
	q.AddCommand(queuePurgeCmd())
	return q
}

func queueListCmd(dead bool) *cobra.Command {
	var limit int
	use, short := "list", "Lista itens pendentes"
	if dead {
		use, short = "dead", "Lista itens recusados pelo cloud"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				var (
					items []queue.Item
					err   error
				)
				if dead {
					items, err = a.Queue.DeadLetters(cmd.Context())
				} else {
					items, err = a.Queue.Peek(cmd.Context(), limit)
				}
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tipo", "Evento", "Câmera", "Enfileirado", "Tentativas", "Último erro"})
				for _, it := range items {
					tw.AppendRow(table.Row{
						it.ID, it.Type, it.Payload.Str("event_type"), it.Payload.Str("camera_id"),
						formatTime(it.EnqueuedAt), it.Attempts, it.LastError,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	if !dead {
		cmd.Flags().IntVar(&limit, "limit", 50, "máximo de itens (0 = todos)")
	}
	return cmd
}

func queuePurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Apaga todos os itens da fila (irreversível)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("confirme com --yes")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Queue.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("%d itens removidos\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirma a remoção")
	return cmd
}

func credentialsCmd() *cobra.Command {
	c := &cobra.Command{Use: "credentials", Short: "Credenciais do edge"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Mostra a edge key (o segredo nunca é exibido)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				cred, err := a.Credentials.Load()
				if errors.Is(err, credentials.ErrNoCredentials) {
					fmt.Println("nenhuma credencial salva (setup pendente)")
					return nil
				}
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Edge key", "Segredo", "Cloud", "Arquivo"})
				tw.AppendRow(table.Row{cred.EdgeKey, mask(cred.EdgeSecret), cred.CloudBaseURL, a.Credentials.Path()})
				tw.Render()
				return nil
			})
		},
	})
	var yes bool
	del := &cobra.Command{
		Use:   "delete",
		Short: "Apaga as credenciais; o edge volta para setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("confirme com --yes")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Credentials.Delete(); err != nil {
					return err
				}
				fmt.Println("credenciais removidas")
				return nil
			})
		},
	}
	del.Flags().BoolVar(&yes, "yes", false, "confirma a remoção")
	c.AddCommand(del)
	return c
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Mostra a versão",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func printJSON(v interface{ MarshalJSON() ([]byte, error) }) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "sim"
	}
	return "não"
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
