// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config reúne tudo que o edge-agent lê do ambiente (prefixo EDGE_).
type Config struct {
	EdgeID       string
	Version      string
	DataDir      string
	CloudBaseURL string
	CloudToken   string
	LicenseKey   string
	HTTPTimeout  time.Duration

	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	ScenarioTTL       time.Duration
	ScenarioModules   []string

	MaxCameras           int
	ConnectWorkers       int
	FrameRate            int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxConsecutiveErrors int
	OnlineWindow         time.Duration
	ReadTimeout          time.Duration
	FFmpegPath           string

	Modules         []string
	DispatchTimeout time.Duration
	InferenceURL    string

	MQTTEnabled   bool
	MQTTBaseTopic string
	MinIOEnabled  bool
}

var ErrInvalid = errors.New("configuração inválida")

// Defaults registra os valores padrão no viper informado.
func Defaults(v *viper.Viper) {
	v.SetDefault("edge_id", "")
	v.SetDefault("version", "dev")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("cloud_base_url", "")
	v.SetDefault("cloud_token", "")
	v.SetDefault("license_key", "")
	v.SetDefault("http_timeout", 30*time.Second)

	v.SetDefault("sync_interval", 10*time.Second)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("scenario_ttl", 300*time.Second)
	v.SetDefault("scenario_modules", "")

	v.SetDefault("max_cameras", 16)
	v.SetDefault("connect_workers", 4)
	v.SetDefault("frame_rate", 5)
	v.SetDefault("reconnect_base", 5*time.Second)
	v.SetDefault("reconnect_cap", 60*time.Second)
	v.SetDefault("max_consecutive_errors", 10)
	v.SetDefault("online_window", 30*time.Second)
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("ffmpeg_path", "ffmpeg")

	v.SetDefault("modules", "")
	v.SetDefault("dispatch_timeout", 10*time.Second)
	v.SetDefault("inference_url", "")

	v.SetDefault("mqtt_enabled", false)
	v.SetDefault("mqtt_base_topic", "edge-agent")
	v.SetDefault("minio_enabled", false)
}

// NewViper devolve um viper com defaults e binding de ambiente EDGE_*.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	Defaults(v)
	return v
}

// LoadDotEnv carrega .env se existir. Arquivo ausente não é erro.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("carregar %s: %w", strings.Join(existing, ","), err)
	}
	return nil
}

// Load materializa a Config a partir do viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		EdgeID:       strings.TrimSpace(v.GetString("edge_id")),
		Version:      v.GetString("version"),
		DataDir:      strings.TrimSpace(v.GetString("data_dir")),
		CloudBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("cloud_base_url")), "/"),
		CloudToken:   strings.TrimSpace(v.GetString("cloud_token")),
		LicenseKey:   strings.TrimSpace(v.GetString("license_key")),
		HTTPTimeout:  v.GetDuration("http_timeout"),

		SyncInterval:      v.GetDuration("sync_interval"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		ScenarioTTL:       v.GetDuration("scenario_ttl"),
		ScenarioModules:   ParseCSV(v.GetString("scenario_modules")),

		MaxCameras:           v.GetInt("max_cameras"),
		ConnectWorkers:       v.GetInt("connect_workers"),
		FrameRate:            v.GetInt("frame_rate"),
		ReconnectBase:        v.GetDuration("reconnect_base"),
		ReconnectCap:         v.GetDuration("reconnect_cap"),
		MaxConsecutiveErrors: v.GetInt("max_consecutive_errors"),
		OnlineWindow:         v.GetDuration("online_window"),
		ReadTimeout:          v.GetDuration("read_timeout"),
		FFmpegPath:           v.GetString("ffmpeg_path"),

		Modules:         ParseCSV(v.GetString("modules")),
		DispatchTimeout: v.GetDuration("dispatch_timeout"),
		InferenceURL:    strings.TrimRight(strings.TrimSpace(v.GetString("inference_url")), "/"),

		MQTTEnabled:   v.GetBool("mqtt_enabled"),
		MQTTBaseTopic: strings.TrimSuffix(v.GetString("mqtt_base_topic"), "/"),
		MinIOEnabled:  v.GetBool("minio_enabled"),
	}

	if cfg.EdgeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.EdgeID = "edge-" + strings.ToLower(host)
		}
	}
	if cfg.DataDir != "" {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir vazio")
	}
	if c.SyncInterval <= 0 {
		problems = append(problems, "sync_interval deve ser > 0")
	}
	if c.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeat_interval deve ser > 0")
	}
	if c.MaxCameras <= 0 {
		problems = append(problems, "max_cameras deve ser > 0")
	}
	if c.ConnectWorkers <= 0 {
		problems = append(problems, "connect_workers deve ser > 0")
	}
	if c.FrameRate <= 0 {
		problems = append(problems, "frame_rate deve ser > 0")
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		problems = append(problems, "reconnect_base/reconnect_cap inválidos")
	}
	if c.MaxConsecutiveErrors <= 0 {
		problems = append(problems, "max_consecutive_errors deve ser > 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// QueuePath, CredentialsPath e RecordPath ficam todos sob DataDir.
func (c Config) QueuePath() string       { return filepath.Join(c.DataDir, "offline_queue.db") }
func (c Config) CredentialsPath() string { return filepath.Join(c.DataDir, ".edge_credentials") }
func (c Config) RecordPath() string      { return filepath.Join(c.DataDir, "edge_config.yaml") }

// ParseCSV separa por vírgula, remove vazios e duplicados, preservando a ordem.
func ParseCSV(s string) []string {
	parts := strings.Split(s, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
