// internal/security/verify.go
package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ReplayWindow é a tolerância máxima entre o timestamp assinado e o relógio local.
const ReplayWindow = 300 * time.Second

const maxSignedBody = 4 << 20

var (
	ErrMissingHeaders = errors.New("cabeçalhos de assinatura ausentes")
	ErrKeyMismatch    = errors.New("edge key não confere")
	ErrBadTimestamp   = errors.New("timestamp inválido")
	ErrExpired        = errors.New("timestamp fora da janela de replay")
	ErrInsecure       = errors.New("transporte sem TLS")
	ErrBadSignature   = errors.New("assinatura inválida")
	ErrReplayedNonce  = errors.New("nonce já utilizado")
)

type Verifier struct {
	credMu     sync.RWMutex
	key        string
	secret     []byte
	window     time.Duration
	now        func() time.Time
	allowPlain bool

	mu   sync.Mutex
	seen map[string]time.Time
}

type VerifierOption func(*Verifier)

// WithClock troca o relógio usado na janela de replay.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// AllowPlainHTTP desliga a exigência de TLS (apenas para desenvolvimento local).
func AllowPlainHTTP() VerifierOption {
	return func(v *Verifier) { v.allowPlain = true }
}

// WithoutNonceMemory desliga a rejeição de nonces repetidos.
func WithoutNonceMemory() VerifierOption {
	return func(v *Verifier) { v.seen = nil }
}

func NewVerifier(key, secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		key:    key,
		secret: []byte(secret),
		window: ReplayWindow,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Rotate troca o par key/secret (ex.: o cloud reemitiu credenciais no heartbeat).
func (v *Verifier) Rotate(key, secret string) {
	v.credMu.Lock()
	defer v.credMu.Unlock()
	v.key = key
	v.secret = []byte(secret)
}

// Verify valida os cabeçalhos de r contra body.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	v.credMu.RLock()
	wantKey, secret := v.key, v.secret
	v.credMu.RUnlock()
	if wantKey == "" || len(secret) == 0 {
		return ErrKeyMismatch
	}

	key := r.Header.Get(HeaderKey)
	tsRaw := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	nonce := r.Header.Get(HeaderNonce)
	if key == "" || tsRaw == "" || sig == "" || nonce == "" {
		return ErrMissingHeaders
	}

	if subtle.ConstantTimeCompare([]byte(key), []byte(wantKey)) != 1 {
		return ErrKeyMismatch
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	now := v.now()
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > v.window {
		return ErrExpired
	}

	if !v.allowPlain && !isSecure(r) {
		return ErrInsecure
	}

	expected := ComputeSignature(secret, r.Method, r.URL.Path, ts, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrBadSignature
	}

	if v.seen != nil && !v.remember(nonce, now) {
		return ErrReplayedNonce
	}
	return nil
}

func (v *Verifier) remember(nonce string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for n, at := range v.seen {
		if now.Sub(at) > 2*v.window {
			delete(v.seen, n)
		}
	}
	if _, dup := v.seen[nonce]; dup {
		return false
	}
	v.seen[nonce] = now
	return true
}

func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// Middleware protege next com a verificação; o body é relido e devolvido intacto.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			b, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			_ = r.Body.Close()
			if err != nil {
				writeReject(w, http.StatusBadRequest, "corpo ilegível")
				return
			}
			body = b
		}
		if err := v.Verify(r, body); err != nil {
			writeReject(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func writeReject(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
