// internal/security/signer.go
// Package security implementa a assinatura HMAC das chamadas edge <-> cloud,
// a derivação da chave da máquina e a cifra do blob de credenciais.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderKey       = "X-EDGE-KEY"
	HeaderTimestamp = "X-EDGE-TIMESTAMP"
	HeaderSignature = "X-EDGE-SIGNATURE"
	HeaderNonce     = "X-EDGE-NONCE"
)

// Headers são os quatro cabeçalhos de uma requisição assinada.
type Headers struct {
	Key       string
	Timestamp string
	Signature string
	Nonce     string
}

func (h Headers) Apply(hdr http.Header) {
	hdr.Set(HeaderKey, h.Key)
	hdr.Set(HeaderTimestamp, h.Timestamp)
	hdr.Set(HeaderSignature, h.Signature)
	hdr.Set(HeaderNonce, h.Nonce)
}

// NonceSource gera nonces únicos no processo: relógio monotônico em ns,
// contador protegido por mutex e um trecho aleatório.
type NonceSource struct {
	mu      sync.Mutex
	counter uint64
	start   time.Time
}

func NewNonceSource() *NonceSource {
	return &NonceSource{start: time.Now()}
}

// processNonces é compartilhado por todos os Signers do processo.
var processNonces = NewNonceSource()

func (n *NonceSource) Next() string {
	// time.Since usa a leitura monotônica de start
	ns := n.start.UnixNano() + time.Since(n.start).Nanoseconds()

	n.mu.Lock()
	n.counter++
	c := n.counter
	n.mu.Unlock()

	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%d-%d-%s", ns, c, random)
}

type Signer struct {
	key    string
	secret []byte
	now    func() time.Time
	nonces *NonceSource
}

func NewSigner(key, secret string) *Signer {
	return &Signer{
		key:    key,
		secret: []byte(secret),
		now:    time.Now,
		nonces: processNonces,
	}
}

func (s *Signer) Key() string { return s.key }

// Sign gera os cabeçalhos para method/path/body no instante atual.
func (s *Signer) Sign(method, path string, body []byte) Headers {
	ts := s.now().Unix()
	return Headers{
		Key:       s.key,
		Timestamp: strconv.FormatInt(ts, 10),
		Signature: ComputeSignature(s.secret, method, path, ts, body),
		Nonce:     s.nonces.Next(),
	}
}

// CanonicalPath remove query string e barra inicial.
func CanonicalPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.TrimLeft(path, "/")
}

// BaseString monta "METHOD|PATH|TS|SHA256(body)".
func BaseString(method, path string, ts int64, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		CanonicalPath(path),
		strconv.FormatInt(ts, 10),
		hex.EncodeToString(sum[:]),
	}, "|")
}

func ComputeSignature(secret []byte, method, path string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(BaseString(method, path, ts, body)))
	return hex.EncodeToString(mac.Sum(nil))
}
