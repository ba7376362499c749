// internal/credentials/store.go
// Package credentials guarda a identidade do edge (edge_key/edge_secret) cifrada em disco.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/config"
	"github.com/sua-org/edge-agent/internal/security"
)

var (
	ErrNoCredentials = errors.New("nenhuma credencial emitida")
	// ErrUndecryptable indica que a identidade da máquina mudou ou o blob corrompeu;
	// o edge precisa ser registrado de novo.
	ErrUndecryptable = errors.New("credenciais ilegíveis nesta máquina")
	ErrIncomplete    = errors.New("edge_key e edge_secret são obrigatórios")
)

type Credential struct {
	EdgeKey      string `json:"edge_key"`
	EdgeSecret   string `json:"edge_secret"`
	CloudBaseURL string `json:"cloud_base_url"`
}

func (c Credential) Valid() bool {
	return c.EdgeKey != "" && c.EdgeSecret != ""
}

// Store mantém o blob cifrado e um cache em memória.
type Store struct {
	path   string
	cipher *security.Cipher
	record *config.RecordStore
	log    zerolog.Logger

	mu      sync.RWMutex
	current *Credential
	loaded  bool
}

// NewStore usa a chave fornecida; em produção ela vem de security.DeriveMachineKey.
// record pode ser nil.
func NewStore(path string, key []byte, record *config.RecordStore, log zerolog.Logger) (*Store, error) {
	c, err := security.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cipher: c, record: record, log: log}, nil
}

// NewMachineStore deriva a chave a partir da identidade da máquina.
func NewMachineStore(path string, record *config.RecordStore, log zerolog.Logger) (*Store, error) {
	key, err := security.DeriveMachineKey()
	if err != nil {
		return nil, fmt.Errorf("derivar chave da máquina: %w", err)
	}
	return NewStore(path, key, record, log)
}

func (s *Store) Path() string { return s.path }

// Save cifra e grava a credencial (0600) e atualiza o registro em texto claro sem o segredo.
func (s *Store) Save(key, secret, baseURL string) error {
	cred := Credential{
		EdgeKey:      strings.TrimSpace(key),
		EdgeSecret:   strings.TrimSpace(secret),
		CloudBaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	if !cred.Valid() {
		return ErrIncomplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cred)
}

// SaveIfChanged só grava quando key/secret/baseURL diferem do atual.
func (s *Store) SaveIfChanged(key, secret, baseURL string) (bool, error) {
	cred := Credential{
		EdgeKey:      strings.TrimSpace(key),
		EdgeSecret:   strings.TrimSpace(secret),
		CloudBaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	if !cred.Valid() {
		return false, ErrIncomplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if cur, err := s.readLocked(); err == nil {
			s.current = &cur
		}
		s.loaded = true
	}
	if s.current != nil && *s.current == cred {
		return false, nil
	}
	if err := s.saveLocked(cred); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) saveLocked(cred Credential) error {
	plain, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credencial: %w", err)
	}
	blob, err := s.cipher.Encrypt(plain)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("criar diretório: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(blob), 0o600); err != nil {
		return fmt.Errorf("gravar credenciais: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renomear credenciais: %w", err)
	}
	// WriteFile não altera o modo de arquivos que já existiam
	_ = os.Chmod(s.path, 0o600)

	s.current = &cred
	s.loaded = true

	if s.record != nil {
		if err := s.record.Update(func(r *config.Record) {
			r.EdgeKey = cred.EdgeKey
			r.CloudBaseURL = cred.CloudBaseURL
			r.SetupComplete = true
		}); err != nil {
			s.log.Warn().Err(err).Msg("falha ao atualizar registro de configuração")
		}
	}

	s.log.Info().Str("edge_key", cred.EdgeKey).Msg("credenciais salvas")
	return nil
}

// Load devolve a credencial persistida (ErrNoCredentials se não houver).
func (s *Store) Load() (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.readLocked()
	s.loaded = true
	if err != nil {
		s.current = nil
		return Credential{}, err
	}
	s.current = &cred
	return cred, nil
}

func (s *Store) readLocked() (Credential, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, ErrNoCredentials
		}
		return Credential{}, fmt.Errorf("ler credenciais: %w", err)
	}
	plain, err := s.cipher.Decrypt(strings.TrimSpace(string(b)))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if !cred.Valid() {
		return Credential{}, ErrNoCredentials
	}
	return cred, nil
}

// Current devolve a credencial em memória, carregando do disco na primeira chamada.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		if s.current == nil {
			return Credential{}, false
		}
		return *s.current, true
	}
	s.mu.RUnlock()

	cred, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			s.log.Warn().Err(err).Msg("credenciais indisponíveis")
		}
		return Credential{}, false
	}
	return cred, true
}

// Delete remove o blob e limpa o cache. Arquivo inexistente não é erro.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remover credenciais: %w", err)
	}
	s.current = nil
	s.loaded = true

	if s.record != nil {
		if err := s.record.Update(func(r *config.Record) {
			r.EdgeKey = ""
			r.SetupComplete = false
		}); err != nil {
			s.log.Warn().Err(err).Msg("falha ao atualizar registro de configuração")
		}
	}
	s.log.Info().Msg("credenciais removidas")
	return nil
}
