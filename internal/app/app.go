// internal/app/app.go
// Package app monta o edge-agent: cada componente é criado uma vez, em ordem de
// dependência, e recebe o que precisa por construtor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sua-org/edge-agent/internal/capture"
	"github.com/sua-org/edge-agent/internal/cloud"
	"github.com/sua-org/edge-agent/internal/config"
	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/credentials"
	"github.com/sua-org/edge-agent/internal/dispatch"
	"github.com/sua-org/edge-agent/internal/events"
	"github.com/sua-org/edge-agent/internal/license"
	"github.com/sua-org/edge-agent/internal/logger"
	"github.com/sua-org/edge-agent/internal/metrics"
	"github.com/sua-org/edge-agent/internal/mqttclient"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/queue"
	"github.com/sua-org/edge-agent/internal/scenarios"
	"github.com/sua-org/edge-agent/internal/security"
	"github.com/sua-org/edge-agent/internal/storage"
	"github.com/sua-org/edge-agent/internal/supervisor"
	"github.com/sua-org/edge-agent/internal/syncer"
)

// State é o estado de ciclo de vida exposto no status.
type State string

const (
	StateSetupRequired State = "setup_required"
	StateOnline        State = "online"
	StateOffline       State = "offline"
)

type App struct {
	cfg       config.Config
	log       zerolog.Logger
	startedAt time.Time

	Records     *config.RecordStore
	Credentials *credentials.Store
	Cloud       *cloud.Client
	Queue       *queue.Queue
	License     *license.Manager
	Scenarios   *scenarios.Cache
	Metrics     *metrics.Collector
	Dispatcher  *dispatch.Dispatcher
	Router      *events.Router
	Supervisor  *supervisor.Supervisor
	Sync        *syncer.Engine

	verifier *security.Verifier
	mqtt     *mqttclient.Client
}

type options struct {
	opener     capture.Opener
	credKey    []byte
	httpClient *http.Client
	modules    []dispatch.Module
	publisher  mqttclient.Publisher
	images     storage.ImageStore
	plainHTTP  bool
	cloudOpts  []cloud.Option
}

type Option func(*options)

// WithOpener troca a fonte de quadros (padrão: ffmpeg).
func WithOpener(o capture.Opener) Option { return func(op *options) { op.opener = o } }

// WithCredentialKey usa uma chave fixa no lugar da derivada da máquina.
func WithCredentialKey(key []byte) Option { return func(op *options) { op.credKey = key } }

func WithHTTPClient(h *http.Client) Option { return func(op *options) { op.httpClient = h } }

// WithModules registra módulos locais além dos remotos de cfg.Modules.
func WithModules(mods ...dispatch.Module) Option {
	return func(op *options) { op.modules = append(op.modules, mods...) }
}

func WithPublisher(p mqttclient.Publisher) Option { return func(op *options) { op.publisher = p } }

func WithImageStore(s storage.ImageStore) Option { return func(op *options) { op.images = s } }

// WithCloudOptions repassa opções ao cloud.Client (ex.: política de retry).
func WithCloudOptions(opts ...cloud.Option) Option {
	return func(op *options) { op.cloudOpts = append(op.cloudOpts, opts...) }
}

// AllowPlainHTTP aceita comandos sem TLS (desenvolvimento).
func AllowPlainHTTP() Option { return func(op *options) { op.plainHTTP = true } }

// New monta tudo: segurança -> credenciais -> cloud -> fila -> licença/cenários
// -> dispatch/eventos -> supervisor -> sync.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	var op options
	for _, o := range opts {
		o(&op)
	}

	a := &App{cfg: cfg, log: log, startedAt: time.Now()}

	a.Records = config.NewRecordStore(cfg.RecordPath())
	if err := a.Records.Update(func(r *config.Record) {
		r.EdgeID = cfg.EdgeID
		if r.CloudBaseURL == "" {
			r.CloudBaseURL = cfg.CloudBaseURL
		}
	}); err != nil {
		return nil, fmt.Errorf("gravar %s: %w", cfg.RecordPath(), err)
	}

	var err error
	credLog := logger.Component(log, "credentials")
	if op.credKey != nil {
		a.Credentials, err = credentials.NewStore(cfg.CredentialsPath(), op.credKey, a.Records, credLog)
	} else {
		a.Credentials, err = credentials.NewMachineStore(cfg.CredentialsPath(), a.Records, credLog)
	}
	if err != nil {
		return nil, err
	}
	if _, err := a.Credentials.Load(); err != nil && !errors.Is(err, credentials.ErrNoCredentials) {
		// blob ilegível (outra máquina, arquivo corrompido): segue em setup
		log.Warn().Err(err).Msg("credenciais não puderam ser lidas")
	}

	httpClient := op.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	cloudOpts := append([]cloud.Option{
		cloud.WithHTTPClient(httpClient),
		cloud.WithToken(cfg.CloudToken),
		cloud.WithUserAgent("edge-agent/" + cfg.Version),
	}, op.cloudOpts...)
	a.Cloud = cloud.New(cfg.CloudBaseURL, a.Credentials, logger.Component(log, "cloud"), cloudOpts...)

	a.Queue, err = queue.Open(cfg.QueuePath(), logger.Component(log, "queue"), queue.WithTerminal(cloud.IsValidation))
	if err != nil {
		return nil, err
	}

	a.License = license.NewManager(a.Cloud, a.Records, cfg.LicenseKey, cfg.EdgeID, logger.Component(log, "license"))
	a.Scenarios = scenarios.NewCache(a.Cloud, cfg.ScenarioTTL, logger.Component(log, "scenarios"))
	a.Scenarios.Govern(cfg.ScenarioModules...)
	a.Metrics = metrics.NewCollector(cfg.DataDir, logger.Component(log, "metrics"))
	a.Dispatcher = dispatch.LoadFromConfig(cfg, logger.Component(log, "dispatch"), op.modules...)

	routerOpts := []events.Option{events.WithScenarioGate(a.Scenarios)}
	topics := mqttclient.Topics{Base: cfg.MQTTBaseTopic, EdgeID: cfg.EdgeID}
	publisher := op.publisher
	if publisher == nil && cfg.MQTTEnabled {
		cli, err := mqttclient.NewClientFromEnv(cfg.EdgeID, logger.Component(log, "mqtt"))
		if err != nil {
			log.Warn().Err(err).Msg("MQTT não inicializado; seguindo sem espelhamento")
		} else {
			a.mqtt = cli
			publisher = cli
		}
	}
	if publisher != nil {
		routerOpts = append(routerOpts, events.WithMQTT(publisher, topics))
	}
	images := op.images
	if images == nil && cfg.MinIOEnabled {
		st, err := storage.OpenMinioStore(ctx, storage.ConfigFromEnv(), logger.Component(log, "minio"))
		if err != nil {
			log.Warn().Err(err).Msg("MinIO não inicializado; alertas seguem sem snapshot")
		} else {
			images = st
		}
	}
	if images != nil {
		routerOpts = append(routerOpts, events.WithSnapshots(images))
	}
	a.Router = events.NewRouter(cfg.EdgeID, a.Cloud, a.Queue, 256, logger.Component(log, "events"), routerOpts...)

	opener := op.opener
	if opener == nil {
		opener = capture.NewDefaultRegistry(&capture.FFmpegOpener{
			Path:        cfg.FFmpegPath,
			FrameRate:   cfg.FrameRate,
			ReadTimeout: cfg.ReadTimeout,
			Log:         logger.Component(log, "capture"),
		})
	}
	a.Supervisor = supervisor.New(supervisor.Config{
		MaxCameras:           cfg.MaxCameras,
		ConnectWorkers:       cfg.ConnectWorkers,
		FrameRate:            cfg.FrameRate,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectCap:         cfg.ReconnectCap,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		OnlineWindow:         cfg.OnlineWindow,
		StatusInterval:       cfg.HeartbeatInterval,
	}, opener, supervisor.FrameHandlerFunc(a.handleFrame), logger.Component(log, "supervisor"))
	if publisher != nil {
		a.Supervisor.SetStatusHook(func(cs supervisor.CameraStatus) {
			_ = mqttclient.PublishValue(publisher, topics.CameraStatus(cs.ID), true, cameraStatusPayload(cs))
		})
	}

	a.Sync = syncer.New(syncer.Config{
		EdgeID:            cfg.EdgeID,
		Version:           cfg.Version,
		Interval:          cfg.SyncInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, syncer.Deps{
		Cloud:     a.Cloud,
		Cameras:   a.Supervisor,
		Queue:     a.Queue,
		Licenses:  a.License,
		Scenarios: a.Scenarios,
		Metrics:   a.Metrics,
		Restart:   a.restartCameras,
	}, logger.Component(log, "sync"))

	var verifierOpts []security.VerifierOption
	if op.plainHTTP {
		verifierOpts = append(verifierOpts, security.AllowPlainHTTP())
	}
	a.verifier = security.NewVerifier("", "", verifierOpts...)

	return a, nil
}

func (a *App) Config() config.Config { return a.cfg }

// handleFrame roda na goroutine da câmera: análise e entrega ao roteador.
func (a *App) handleFrame(ctx context.Context, cam core.CameraConfig, frame core.Frame) {
	mods := a.License.FilterModules(cam.Modules)
	if len(mods) == 0 {
		return
	}
	if frame.CameraID == "" {
		frame.CameraID = cam.ID
	}
	res := a.Dispatcher.Process(ctx, frame, cam.ID, mods, payload.Null())
	a.Router.Handle(ctx, frame, res)
}

// restartCameras reconecta todas as câmeras com a config atual.
func (a *App) restartCameras(ctx context.Context) error {
	var errs []error
	for _, cam := range a.Supervisor.Cameras() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.Supervisor.Replace(cam); err != nil {
			errs = append(errs, fmt.Errorf("câmera %s: %w", cam.ID, err))
		}
	}
	return errors.Join(errs...)
}

// State: sem licença utilizável é setup; com licença, online só se o último
// heartbeat passou.
func (a *App) State() State {
	if !a.License.Current().Licensed() {
		return StateSetupRequired
	}
	if a.Sync.Connected() {
		return StateOnline
	}
	return StateOffline
}

// Run carrega o cache de licença e roda supervisor, sync e roteador até ctx
// terminar. Câmeras e sync param primeiro; o roteador por último, para que o
// que ainda estiver em memória vá para a fila.
func (a *App) Run(ctx context.Context) error {
	if st, err := a.License.LoadCached(); err != nil {
		a.log.Warn().Err(err).Msg("falha ao ler licença em cache")
	} else if st.Licensed() {
		a.log.Info().Str("organization_id", st.OrganizationID).Msg("licença em cache carregada")
	}

	routerCtx, stopRouter := context.WithCancel(context.Background())
	routerDone := make(chan error, 1)
	go func() { routerDone <- a.Router.Run(routerCtx) }()

	a.log.Info().
		Str("edge_id", a.cfg.EdgeID).
		Str("version", a.cfg.Version).
		Str("cloud", a.Cloud.BaseURL()).
		Msg("edge-agent iniciado")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Supervisor.Run(gctx) })
	g.Go(func() error { return a.Sync.Run(gctx) })
	err := g.Wait()

	stopRouter()
	if rerr := <-routerDone; rerr != nil && err == nil {
		err = rerr
	}
	a.log.Info().Msg("edge-agent parado")
	return err
}

// Close libera fila e clientes. Chamar depois de Run retornar.
func (a *App) Close() error {
	a.Supervisor.Shutdown()
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	return a.Queue.Close()
}

func cameraStatusPayload(cs supervisor.CameraStatus) payload.Value {
	return payload.Object(
		payload.F("camera_id", payload.String(cs.ID)),
		payload.F("status", payload.String(string(cs.Status))),
		payload.F("last_frame_time", payload.Time(cs.LastFrameAt)),
		payload.F("frames_read", payload.Int(int64(cs.FramesRead))),
		payload.F("retries", payload.Int(int64(cs.Retries))),
		payload.F("since", payload.Time(cs.Since)),
	)
}
