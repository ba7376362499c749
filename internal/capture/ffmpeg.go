// internal/capture/ffmpeg.go
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/core"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxJPEGSize = 16 << 20

// FFmpegOpener lança um processo ffmpeg por câmera, que decodifica o stream
// e escreve MJPEG no stdout.
type FFmpegOpener struct {
	Path        string
	FrameRate   int
	ReadTimeout time.Duration
	Log         zerolog.Logger
}

// DefaultSchemes são os esquemas que o ffmpeg atende aqui.
var DefaultSchemes = []string{"rtsp", "rtsps", "rtmp", "http", "https", "file"}

// NewDefaultRegistry registra o FFmpegOpener para DefaultSchemes.
func NewDefaultRegistry(o *FFmpegOpener) *Registry {
	r := NewRegistry()
	for _, s := range DefaultSchemes {
		r.Register(s, o)
	}
	return r
}

func (o *FFmpegOpener) args(uri string) []string {
	fps := o.FrameRate
	if fps <= 0 {
		fps = 5
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch {
	case strings.HasPrefix(strings.ToLower(uri), "rtsp"):
		args = append(args, "-rtsp_transport", "tcp")
	case strings.HasPrefix(strings.ToLower(uri), "file:"):
		args = append(args, "-re")
	}
	return append(args,
		"-i", uri,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-r", strconv.Itoa(fps),
		"pipe:1",
	)
}

func (o *FFmpegOpener) Open(ctx context.Context, cam core.CameraConfig) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := o.Path
	if path == "" {
		path = "ffmpeg"
	}

	// o processo vive até Close, não até o ctx do connect
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, o.args(cam.SourceURI)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	tail := &tailBuffer{max: 2048}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("iniciar %s: %w", path, err)
	}

	src := newStreamSource(cam.ID, stdout, o.ReadTimeout, cancel)
	go func() {
		err := cmd.Wait()
		if msg := tail.String(); msg != "" && err != nil {
			err = RedactError(fmt.Errorf("%w: %s", err, msg), cam.SourceURI)
		}
		o.Log.Debug().Str("camera_id", cam.ID).Err(err).Msg("processo ffmpeg terminou")
		src.finish(err)
	}()
	return src, nil
}

// streamSource lê JPEGs concatenados de um io.Reader.
type streamSource struct {
	cameraID    string
	readTimeout time.Duration
	stop        context.CancelFunc

	frames  chan core.Frame
	done    chan struct{}
	errMu   sync.Mutex
	err     error
	once    sync.Once
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func newStreamSource(cameraID string, r io.Reader, readTimeout time.Duration, stop context.CancelFunc) *streamSource {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	s := &streamSource{
		cameraID:    cameraID,
		readTimeout: readTimeout,
		stop:        stop,
		frames:      make(chan core.Frame, 2),
		done:        make(chan struct{}),
	}
	go s.pump(r)
	return s
}

func (s *streamSource) pump(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxJPEGSize)
	sc.Split(splitJPEG)

	for sc.Scan() {
		data := make([]byte, len(sc.Bytes()))
		copy(data, sc.Bytes())
		f := core.Frame{
			CameraID:    s.cameraID,
			Seq:         s.seq.Add(1),
			CapturedAt:  time.Now().UTC(),
			Data:        data,
			ContentType: "image/jpeg",
		}
		s.push(f)
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.finish(err)
}

// push descarta o quadro mais antigo quando o leitor está atrasado; a ordem é mantida.
func (s *streamSource) push(f core.Frame) {
	for {
		select {
		case <-s.done:
			return
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *streamSource) finish(err error) {
	s.once.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *streamSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	t := time.NewTimer(s.readTimeout)
	defer t.Stop()

	select {
	case f := <-s.frames:
		return f, nil
	default:
	}

	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		// ainda pode haver quadro bufferizado
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.errMu.Lock()
		err := s.err
		s.errMu.Unlock()
		if errors.Is(err, io.EOF) {
			return core.Frame{}, fmt.Errorf("%w: fim do stream", ErrClosed)
		}
		return core.Frame{}, err
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	case <-t.C:
		return core.Frame{}, ErrReadTimeout
	}
}

func (s *streamSource) Dropped() uint64 { return s.dropped.Load() }

func (s *streamSource) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.finish(ErrClosed)
	return nil
}

// splitJPEG é um bufio.SplitFunc que recorta imagens entre SOI e EOI.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// guarda o último byte, pode ser metade de um marcador
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end = start + len(jpegSOI) + end + len(jpegEOI)
	return end, data[start:end], nil
}

// tailBuffer guarda só os últimos bytes do stderr do ffmpeg.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
