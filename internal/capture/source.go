// internal/capture/source.go
// Package capture abre fontes de vídeo e entrega quadros JPEG ao supervisor.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/sua-org/edge-agent/internal/core"
)

var (
	ErrInvalidURI        = errors.New("URI de câmera inválida")
	ErrUnsupportedScheme = errors.New("esquema de URI não suportado")
	ErrReadTimeout       = errors.New("timeout lendo quadro")
	ErrClosed            = errors.New("fonte encerrada")
)

// Source é uma conexão aberta com uma câmera.
type Source interface {
	// ReadFrame bloqueia até o próximo quadro, ctx cancelado ou timeout de leitura.
	ReadFrame(ctx context.Context) (core.Frame, error)
	Close() error
}

// Opener abre uma Source para a câmera.
type Opener interface {
	Open(ctx context.Context, cam core.CameraConfig) (Source, error)
}

type OpenerFunc func(ctx context.Context, cam core.CameraConfig) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, cam core.CameraConfig) (Source, error) {
	return f(ctx, cam)
}

// Registry: esquema -> Opener.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = o
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.openers))
	for s := range r.openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Validate confere se a URI é bem formada e tem Opener registrado.
func (r *Registry) Validate(uri string) (*url.URL, Opener, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	o, ok := r.openers[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return u, o, nil
}

func (r *Registry) Open(ctx context.Context, cam core.CameraConfig) (Source, error) {
	_, o, err := r.Validate(cam.SourceURI)
	if err != nil {
		return nil, err
	}
	return o.Open(ctx, cam)
}

// ParseURI normaliza o esquema para minúsculo e exige host (ou path, para file://).
func ParseURI(uri string) (*url.URL, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: vazia", ErrInvalidURI)
	}
	u, err := url.Parse(uri)
	if err != nil {
		// url.Error repete a URI inteira, com senha
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: sem esquema", ErrInvalidURI)
	}
	if u.Scheme == "file" {
		if u.Path == "" {
			return nil, fmt.Errorf("%w: file sem caminho", ErrInvalidURI)
		}
		return u, nil
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: sem host", ErrInvalidURI)
	}
	return u, nil
}

// Redact remove a senha da URI para logs.
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// RedactError troca credenciais da URI que aparecem no texto do erro
// (o ffmpeg repete a URI no stderr). errors.Is continua enxergando a causa.
func RedactError(err error, uri string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := redactText(msg, uri)
	if clean == msg {
		return err
	}
	return &redactedError{err: err, msg: clean}
}

func redactText(msg, uri string) string {
	u, perr := url.Parse(uri)
	if perr != nil || u.User == nil {
		return msg
	}
	pw, has := u.User.Password()
	if !has || pw == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, uri, Redact(uri))
	masked := u.User.Username() + ":xxxxx@"
	msg = strings.ReplaceAll(msg, u.User.String()+"@", masked)
	return strings.ReplaceAll(msg, u.User.Username()+":"+pw+"@", masked)
}

type redactedError struct {
	err error
	msg string
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
