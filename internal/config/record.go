// internal/config/record.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Record é o arquivo de configuração em texto claro. O edge_secret nunca vai aqui;
// ele só existe no blob cifrado do credentials.Store.
type Record struct {
	EdgeID        string         `yaml:"edge_id,omitempty"`
	EdgeKey       string         `yaml:"edge_key,omitempty"`
	CloudBaseURL  string         `yaml:"cloud_base_url,omitempty"`
	SetupComplete bool           `yaml:"setup_complete"`
	License       *LicenseRecord `yaml:"license,omitempty"`
	UpdatedAt     time.Time      `yaml:"updated_at,omitempty"`
}

// LicenseRecord é o cache da última licença validada online.
type LicenseRecord struct {
	LicenseKey     string    `yaml:"license_key"`
	OrganizationID string    `yaml:"organization_id"`
	LicenseID      string    `yaml:"license_id,omitempty"`
	Plan           string    `yaml:"plan,omitempty"`
	MaxCameras     int       `yaml:"max_cameras,omitempty"`
	Modules        []string  `yaml:"modules,omitempty"`
	ExpiresAt      time.Time `yaml:"expires_at,omitempty"`
	GraceDays      int       `yaml:"grace_days"`
	ValidatedAt    time.Time `yaml:"validated_at"`
}

// RecordStore serializa leituras/escritas do Record em disco.
type RecordStore struct {
	mu   sync.Mutex
	path string
}

func NewRecordStore(path string) *RecordStore {
	return &RecordStore{path: path}
}

func (s *RecordStore) Path() string { return s.path }

// Load devolve um Record vazio quando o arquivo ainda não existe.
func (s *RecordStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *RecordStore) loadLocked() (Record, error) {
	var rec Record
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rec, nil
		}
		return rec, fmt.Errorf("ler %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("yaml inválido em %s: %w", s.path, err)
	}
	return rec, nil
}

// Update aplica fn sobre o Record atual e grava de forma atômica (tmp + rename).
func (s *RecordStore) Update(fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()

	b, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("criar diretório: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("gravar %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renomear %s: %w", tmp, err)
	}
	return nil
}
