// internal/mqttclient/mqttclient.go
package mqttclient

import (
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/payload"
)

// Publisher é o que o resto do agente precisa do MQTT.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type Client struct {
	client mqtt.Client
	log    zerolog.Logger
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// ConfigFromEnv lê MQTT_HOST, MQTT_PORT, MQTT_USERNAME, MQTT_PASSWORD e MQTT_CLIENT_ID.
func ConfigFromEnv(defaultClientID string) Config {
	return Config{
		Host:     getenv("MQTT_HOST", "localhost"),
		Port:     getenvInt("MQTT_PORT", 1883),
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
		ClientID: getenv("MQTT_CLIENT_ID", defaultClientID),
	}
}

func NewClientFromEnv(defaultClientID string, log zerolog.Logger) (*Client, error) {
	return NewClient(ConfigFromEnv(defaultClientID), log)
}

func (cfg Config) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker())
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("conexão MQTT perdida")
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}
	log.Info().Str("broker", cfg.Broker()).Str("client_id", cfg.ClientID).Msg("conectado ao MQTT")

	return &Client{client: cli, log: log}, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish timeout em %s", topic)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// PublishValue serializa v e publica com QoS 1.
func PublishValue(p Publisher, topic string, retained bool, v payload.Value) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return p.Publish(topic, 1, retained, raw)
}

// Topics monta os tópicos do agente: <base>/<edge_id>/...
type Topics struct {
	Base   string
	EdgeID string
}

func (t Topics) root() string {
	base := strings.Trim(t.Base, "/")
	if base == "" {
		base = "edge"
	}
	return base + "/" + t.EdgeID
}

func (t Topics) Event(cameraID, itemType string) string {
	return fmt.Sprintf("%s/cameras/%s/%s", t.root(), cameraID, itemType)
}

func (t Topics) CameraStatus(cameraID string) string {
	return fmt.Sprintf("%s/cameras/%s/status", t.root(), cameraID)
}

func (t Topics) AgentStatus() string {
	return t.root() + "/status"
}

// Wildcard assina tudo de um edge (ou de todos, com edgeID "+").
func (t Topics) Wildcard() string {
	return t.root() + "/#"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var x int
		fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			return x
		}
	}
	return def
}
