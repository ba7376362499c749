// internal/supervisor/supervisor.go
// Package supervisor mantém uma goroutine por câmera: conecta, lê quadros e
// reconecta com backoff, para sempre, sem intervenção humana.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sua-org/edge-agent/internal/capture"
	"github.com/sua-org/edge-agent/internal/core"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

var (
	ErrCameraExists  = errors.New("câmera já monitorada")
	ErrCapacity      = errors.New("limite de câmeras atingido")
	ErrInvalidCamera = errors.New("câmera sem id ou URI")
	ErrClosed        = errors.New("supervisor encerrado")
	ErrNoFrame       = errors.New("conexão abriu mas não entregou quadro")
	ErrStopTimeout   = errors.New("worker anterior da câmera ainda não terminou")
)

// FrameHandler recebe cada quadro lido, na ordem de captura, na goroutine da câmera.
type FrameHandler interface {
	HandleFrame(ctx context.Context, cam core.CameraConfig, frame core.Frame)
}

type FrameHandlerFunc func(ctx context.Context, cam core.CameraConfig, frame core.Frame)

func (f FrameHandlerFunc) HandleFrame(ctx context.Context, cam core.CameraConfig, frame core.Frame) {
	f(ctx, cam, frame)
}

type Config struct {
	MaxCameras           int
	ConnectWorkers       int
	FrameRate            int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxConsecutiveErrors int
	OnlineWindow         time.Duration
	ConnectTimeout       time.Duration
	StopTimeout          time.Duration
	StatusInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCameras:           16,
		ConnectWorkers:       4,
		FrameRate:            5,
		ReconnectBase:        5 * time.Second,
		ReconnectCap:         60 * time.Second,
		MaxConsecutiveErrors: 10,
		OnlineWindow:         30 * time.Second,
		ConnectTimeout:       15 * time.Second,
		StopTimeout:          15 * time.Second,
		StatusInterval:       30 * time.Second,
	}
}

// CameraStatus é a visão pública do estado observado de uma câmera.
type CameraStatus struct {
	ID                string
	Name              string
	Status            Status
	Connected         bool
	LastFrameAt       time.Time
	FramesRead        uint64
	Retries           int
	NextRetryIn       time.Duration
	ConsecutiveErrors int
	LastError         string
	Modules           []string
	Since             time.Time
}

type Supervisor struct {
	cfg     Config
	opener  capture.Opener
	handler FrameHandler
	log     zerolog.Logger
	pool    *semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	workers    map[string]*cameraWorker
	stopping   map[string]*cameraWorker // removidos que estouraram StopTimeout
	statusHook func(CameraStatus)
	closed     bool
}

type cameraWorker struct {
	cfg    core.CameraConfig
	cancel context.CancelFunc
	done   chan struct{}

	connected         bool
	lastFrame         *core.Frame
	lastFrameAt       time.Time
	framesRead        uint64
	consecutiveErrors int
	retries           int
	nextDelay         time.Duration
	lastError         string
	reported          Status
	since             time.Time
}

type Option func(*Supervisor)

// WithClock troca o relógio usado no cálculo de status.
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// WithSleep troca a espera entre tentativas de conexão.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

func New(cfg Config, opener capture.Opener, handler FrameHandler, log zerolog.Logger, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.MaxCameras <= 0 {
		cfg.MaxCameras = def.MaxCameras
	}
	if cfg.ConnectWorkers <= 0 {
		cfg.ConnectWorkers = def.ConnectWorkers
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		cfg.ReconnectCap = cfg.ReconnectBase
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = def.OnlineWindow
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if handler == nil {
		handler = FrameHandlerFunc(func(context.Context, core.CameraConfig, core.Frame) {})
	}

	root, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		opener:   opener,
		handler:  handler,
		log:      log,
		pool:     semaphore.NewWeighted(int64(cfg.ConnectWorkers)),
		now:      time.Now,
		sleep:    sleepCtx,
		root:     root,
		cancel:   cancel,
		workers:  make(map[string]*cameraWorker),
		stopping: make(map[string]*cameraWorker),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetStatusHook registra quem recebe o status periódico das câmeras (ex.: MQTT).
func (s *Supervisor) SetStatusHook(fn func(CameraStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHook = fn
}

// SetCapacity ajusta o limite (ex.: max_cameras da licença). Câmeras já
// monitoradas não são derrubadas.
func (s *Supervisor) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxCameras = n
}

// Add começa a monitorar a câmera numa goroutine dedicada.
func (s *Supervisor) Add(cam core.CameraConfig) error {
	cam.ID = strings.TrimSpace(cam.ID)
	cam.SourceURI = strings.TrimSpace(cam.SourceURI)
	if cam.ID == "" || cam.SourceURI == "" {
		return ErrInvalidCamera
	}
	cam.Modules = append([]string(nil), cam.Modules...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.workers[cam.ID]; ok {
		return fmt.Errorf("%w: %s", ErrCameraExists, cam.ID)
	}
	if old, ok := s.stopping[cam.ID]; ok {
		select {
		case <-old.done:
			delete(s.stopping, cam.ID)
		default:
			return fmt.Errorf("%w: %s", ErrStopTimeout, cam.ID)
		}
	}
	if len(s.workers) >= s.cfg.MaxCameras {
		return fmt.Errorf("%w (%d)", ErrCapacity, s.cfg.MaxCameras)
	}

	ctx, cancel := context.WithCancel(s.root)
	w := &cameraWorker{
		cfg:      cam,
		cancel:   cancel,
		done:     make(chan struct{}),
		reported: StatusOffline,
		since:    s.now().UTC(),
	}
	s.workers[cam.ID] = w

	s.log.Info().
		Str("camera_id", cam.ID).
		Str("name", cam.Name).
		Str("uri", capture.Redact(cam.SourceURI)).
		Strs("modules", cam.Modules).
		Msg("iniciando worker da câmera")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(w.done)
		s.run(ctx, w)
	}()
	return nil
}

// Remove para a goroutine da câmera e espera ela liberar a conexão.
func (s *Supervisor) Remove(id string) bool {
	found, _ := s.stop(id)
	return found
}

// stop devolve ErrStopTimeout se o worker não saiu em StopTimeout. Até ele sair,
// Add recusa o mesmo id.
func (s *Supervisor) stop(id string) (bool, error) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	s.log.Info().Str("camera_id", id).Msg("parando worker da câmera")
	w.cancel()
	select {
	case <-w.done:
		return true, nil
	case <-time.After(s.cfg.StopTimeout):
	}

	s.log.Warn().Str("camera_id", id).Dur("timeout", s.cfg.StopTimeout).Msg("worker não terminou a tempo")
	s.mu.Lock()
	s.stopping[id] = w
	s.mu.Unlock()
	go func() {
		<-w.done
		s.mu.Lock()
		if s.stopping[id] == w {
			delete(s.stopping, id)
		}
		s.mu.Unlock()
	}()
	return true, fmt.Errorf("%w: %s", ErrStopTimeout, id)
}

// Replace reinicia a câmera com a nova config (ex.: URI mudou). Se o worker
// antigo não parar a tempo, nada é recriado e o erro volta para quem chamou.
func (s *Supervisor) Replace(cam core.CameraConfig) error {
	if _, err := s.stop(cam.ID); err != nil {
		return err
	}
	return s.Add(cam)
}

// UpdateModules troca os módulos habilitados sem reconectar.
func (s *Supervisor) UpdateModules(id string, modules []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return false
	}
	w.cfg.Modules = append([]string(nil), modules...)
	return true
}

func (s *Supervisor) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[id]
	return ok
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Cameras devolve as configs monitoradas, ordenadas por id.
func (s *Supervisor) Cameras() []core.CameraConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.CameraConfig, 0, len(s.workers))
	for _, w := range s.workers {
		cfg := w.cfg
		cfg.Modules = append([]string(nil), w.cfg.Modules...)
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status deriva o estado só do que foi observado; câmera desconhecida é offline.
func (s *Supervisor) Status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return StatusOffline
	}
	return s.statusLocked(w, s.now())
}

func (s *Supervisor) statusLocked(w *cameraWorker, now time.Time) Status {
	if !w.connected {
		return StatusOffline
	}
	if !w.lastFrameAt.IsZero() && now.Sub(w.lastFrameAt) <= s.cfg.OnlineWindow {
		return StatusOnline
	}
	return StatusError
}

// Snapshot devolve uma cópia do último quadro.
func (s *Supervisor) Snapshot(id string) (core.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok || w.lastFrame == nil {
		return core.Frame{}, false
	}
	return w.lastFrame.Clone(), true
}

func (s *Supervisor) List() []CameraStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]CameraStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, s.snapshotLocked(w, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) snapshotLocked(w *cameraWorker, now time.Time) CameraStatus {
	return CameraStatus{
		ID:                w.cfg.ID,
		Name:              w.cfg.Name,
		Status:            s.statusLocked(w, now),
		Connected:         w.connected,
		LastFrameAt:       w.lastFrameAt,
		FramesRead:        w.framesRead,
		Retries:           w.retries,
		NextRetryIn:       w.nextDelay,
		ConsecutiveErrors: w.consecutiveErrors,
		LastError:         w.lastError,
		Modules:           append([]string(nil), w.cfg.Modules...),
		Since:             w.since,
	}
}

// Run publica o status periódico até ctx terminar e então derruba todas as câmeras.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.StatusInterval > 0 {
		ticker := time.NewTicker(s.cfg.StatusInterval)
		defer ticker.Stop()
		s.log.Info().Dur("interval", s.cfg.StatusInterval).Msg("status loop iniciado")
		for {
			select {
			case <-ctx.Done():
				s.Shutdown()
				return nil
			case <-ticker.C:
				s.publishStatuses()
			}
		}
	}
	<-ctx.Done()
	s.Shutdown()
	return nil
}

func (s *Supervisor) publishStatuses() {
	s.mu.Lock()
	hook := s.statusHook
	now := s.now()
	statuses := make([]CameraStatus, 0, len(s.workers))
	for _, w := range s.workers {
		snap := s.snapshotLocked(w, now)
		if snap.Status != w.reported {
			s.log.Info().
				Str("camera_id", w.cfg.ID).
				Str("from", string(w.reported)).
				Str("to", string(snap.Status)).
				Msg("status da câmera mudou")
			w.reported = snap.Status
			w.since = now.UTC()
			snap.Since = w.since
		}
		statuses = append(statuses, snap)
	}
	s.mu.Unlock()

	if hook == nil {
		return
	}
	for _, st := range statuses {
		hook(st)
	}
}

// Shutdown para todas as câmeras e espera as goroutines saírem.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.workers = make(map[string]*cameraWorker)
	s.mu.Unlock()

	s.log.Info().Msg("encerrando todas as câmeras")
	s.cancel()
	s.wg.Wait()
}

// run é o ciclo de vida completo de uma câmera: connect -> read -> reconnect.
func (s *Supervisor) run(ctx context.Context, w *cameraWorker) {
	log := s.log.With().Str("camera_id", w.cfg.ID).Logger()
	retries := 0

	for ctx.Err() == nil {
		cam := s.cameraConfig(w)
		src, first, err := s.connect(ctx, cam)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retries++
			delay := Backoff(retries, s.cfg.ReconnectBase, s.cfg.ReconnectCap)
			s.markConnectFailure(w, retries, delay, err)
			log.Warn().Err(err).Int("retry", retries).Dur("next_retry_in", delay).Msg("falha ao conectar na câmera")
			if err := s.sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		retries = 0
		s.markConnected(w, first)
		log.Info().Msg("câmera conectada")
		s.dispatch(ctx, w, first)

		reason := s.readLoop(ctx, w, src)
		if err := src.Close(); err != nil {
			log.Debug().Err(err).Msg("erro ao fechar fonte")
		}
		s.markDisconnected(w, reason)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("reason", reason).Msg("conexão derrubada, reconectando")
	}
}

func (s *Supervisor) cameraConfig(w *cameraWorker) core.CameraConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := w.cfg
	cfg.Modules = append([]string(nil), w.cfg.Modules...)
	return cfg
}

// connect abre a fonte e exige um quadro como prova de vida. Roda no pool limitado
// para que uma câmera travada no open não segure as outras.
func (s *Supervisor) connect(ctx context.Context, cam core.CameraConfig) (capture.Source, core.Frame, error) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, core.Frame{}, err
	}
	defer s.pool.Release(1)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	src, err := s.opener.Open(cctx, cam)
	if err != nil {
		return nil, core.Frame{}, capture.RedactError(err, cam.SourceURI)
	}
	frame, err := src.ReadFrame(cctx)
	if err != nil {
		_ = src.Close()
		return nil, core.Frame{}, capture.RedactError(fmt.Errorf("%w: %v", ErrNoFrame, err), cam.SourceURI)
	}
	return src, frame, nil
}

func (s *Supervisor) readLoop(ctx context.Context, w *cameraWorker, src capture.Source) string {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "cancelado"
		case <-ticker.C:
		}

		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "cancelado"
			}
			err = capture.RedactError(err, s.cameraConfig(w).SourceURI)
			if errors.Is(err, capture.ErrClosed) {
				return err.Error()
			}
			if n := s.markReadError(w, err); n > s.cfg.MaxConsecutiveErrors {
				return fmt.Sprintf("%d erros de leitura consecutivos: %v", n, err)
			}
			continue
		}
		s.markFrame(w, frame)
		s.dispatch(ctx, w, frame)
	}
}

// dispatch isola o handler: um panic vira log e o loop segue.
func (s *Supervisor) dispatch(ctx context.Context, w *cameraWorker, frame core.Frame) {
	cam := s.cameraConfig(w)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("camera_id", cam.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("panic no processamento do quadro")
		}
	}()
	s.handler.HandleFrame(ctx, cam, frame.Clone())
}

func (s *Supervisor) markConnectFailure(w *cameraWorker, retries int, delay time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.connected = false
	w.retries = retries
	w.nextDelay = delay
	w.lastError = err.Error()
}

func (s *Supervisor) markConnected(w *cameraWorker, first core.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.connected = true
	w.retries = 0
	w.nextDelay = 0
	w.consecutiveErrors = 0
	w.lastError = ""
	s.storeFrameLocked(w, first)
}

func (s *Supervisor) markFrame(w *cameraWorker, f core.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.consecutiveErrors = 0
	s.storeFrameLocked(w, f)
}

func (s *Supervisor) storeFrameLocked(w *cameraWorker, f core.Frame) {
	w.lastFrame = &f
	w.lastFrameAt = s.now()
	w.framesRead++
}

func (s *Supervisor) markReadError(w *cameraWorker, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.consecutiveErrors++
	w.lastError = err.Error()
	return w.consecutiveErrors
}

func (s *Supervisor) markDisconnected(w *cameraWorker, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.connected = false
	w.consecutiveErrors = 0
	w.lastError = reason
}
