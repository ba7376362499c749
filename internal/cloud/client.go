// internal/cloud/client.go
// Package cloud é o único ponto de saída HTTP para o control plane.
package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/credentials"
	"github.com/sua-org/edge-agent/internal/payload"
	"github.com/sua-org/edge-agent/internal/security"
)

// EdgePrefix identifica as rotas assinadas por HMAC.
const EdgePrefix = "/api/v1/edges/"

const (
	defaultAttempts   = 3
	defaultRetryDelay = 2 * time.Second
	maxResponseBody   = 8 << 20
)

var ErrNoBaseURL = errors.New("cloud base url não configurada")

// CredentialSource é o que o client precisa do credentials.Store.
type CredentialSource interface {
	Current() (credentials.Credential, bool)
	SaveIfChanged(key, secret, baseURL string) (bool, error)
}

type Client struct {
	baseURL    string
	token      string
	userAgent  string
	http       *http.Client
	creds      CredentialSource
	log        zerolog.Logger
	attempts   int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithRetry define tentativas e o passo do atraso linear (passo*tentativa).
func WithRetry(attempts int, step time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if step >= 0 {
			c.retryDelay = step
		}
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New cria o client. baseURL vazio faz o client usar o cloud_base_url da credencial.
func New(baseURL string, creds CredentialSource, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "edge-agent",
		http:       &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
		log:        log,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) BaseURL() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if c.creds != nil {
		if cred, ok := c.creds.Current(); ok {
			return strings.TrimRight(cred.CloudBaseURL, "/")
		}
	}
	return ""
}

// Configured indica se existe para onde mandar requisições.
func (c *Client) Configured() bool { return c.BaseURL() != "" }

// Request envia method/path com body opcional. Com retry=true repete até c.attempts
// vezes em falhas de conectividade/5xx, com atraso linear entre tentativas.
func (c *Client) Request(ctx context.Context, method, path string, body *payload.Value, retry bool) (payload.Value, error) {
	base := c.BaseURL()
	if base == "" {
		return payload.Null(), ErrNoBaseURL
	}

	var raw []byte
	if body != nil {
		b, err := body.MarshalJSON()
		if err != nil {
			return payload.Null(), fmt.Errorf("serializar corpo: %w", err)
		}
		raw = b
	}

	attempts := 1
	if retry {
		attempts = c.attempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.do(ctx, base, method, path, raw)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == attempts {
			break
		}
		delay := c.retryDelay * time.Duration(attempt)
		c.log.Warn().
			Err(err).
			Str("path", path).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("requisição ao cloud falhou, tentando de novo")
		if err := c.sleep(ctx, delay); err != nil {
			return payload.Null(), err
		}
	}

	if IsAuth(lastErr) {
		c.log.Error().Err(lastErr).Str("path", path).Msg("cloud recusou a autenticação")
	} else if IsValidation(lastErr) {
		c.log.Error().Err(lastErr).Str("path", path).Msg("cloud rejeitou o payload")
	}
	return payload.Null(), lastErr
}

func (c *Client) do(ctx context.Context, base, method, path string, raw []byte) (payload.Value, error) {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return payload.Null(), &APIError{Method: method, Path: path, Kind: KindClient, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, method, path, raw)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return payload.Null(), ctx.Err()
		}
		return payload.Null(), &APIError{Method: method, Path: path, Kind: KindConnectivity, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return payload.Null(), &APIError{Method: method, Path: path, Kind: KindConnectivity, Err: err}
	}

	if resp.StatusCode >= 400 {
		return payload.Null(), &APIError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Kind:    classifyStatus(resp.StatusCode),
			Message: errorMessage(data),
		}
	}

	result := payload.Null()
	if len(bytes.TrimSpace(data)) > 0 {
		result, err = payload.FromJSON(data)
		if err != nil {
			return payload.Null(), &APIError{Method: method, Path: path, Status: resp.StatusCode, Kind: KindDecode, Err: err}
		}
	}

	c.captureCredentials(base, result)
	return result, nil
}

// authorize assina rotas de edge quando há credencial; sem ela vão sem assinatura
// (registro inicial). As demais usam o bearer token estático.
func (c *Client) authorize(req *http.Request, method, path string, raw []byte) {
	if strings.HasPrefix(path, EdgePrefix) {
		if c.creds != nil {
			if cred, ok := c.creds.Current(); ok {
				body := raw
				if body == nil {
					body = []byte{}
				}
				security.NewSigner(cred.EdgeKey, cred.EdgeSecret).Sign(method, path, body).Apply(req.Header)
				return
			}
		}
		c.log.Debug().Str("path", path).Msg("sem credencial de edge, enviando sem assinatura")
		return
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// captureCredentials persiste edge_key/edge_secret recebidos numa resposta.
func (c *Client) captureCredentials(base string, res payload.Value) {
	if c.creds == nil || res.Kind() != payload.KindMap {
		return
	}
	src := res
	if nested := res.Get("credentials"); nested.Kind() == payload.KindMap {
		src = nested
	}
	key := src.Str("edge_key")
	secret := src.Str("edge_secret")
	if key == "" || secret == "" {
		return
	}
	changed, err := c.creds.SaveIfChanged(key, secret, base)
	if err != nil {
		c.log.Error().Err(err).Msg("falha ao salvar credenciais recebidas do cloud")
		return
	}
	if changed {
		c.log.Info().Str("edge_key", key).Msg("credenciais de edge emitidas/rotacionadas pelo cloud")
	}
}

func errorMessage(data []byte) string {
	v, err := payload.FromJSON(data)
	if err == nil {
		for _, k := range []string{"message", "error", "detail"} {
			if s := v.Str(k); s != "" {
				return s
			}
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
