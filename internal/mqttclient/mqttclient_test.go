package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/edge-agent/internal/payload"
)

type recorder struct {
	topic    string
	qos      byte
	retained bool
	body     []byte
}

func (r *recorder) Publish(topic string, qos byte, retained bool, body []byte) error {
	r.topic, r.qos, r.retained, r.body = topic, qos, retained, body
	return nil
}

func TestTopics(t *testing.T) {
	tp := Topics{Base: "/site-a/", EdgeID: "edge-1"}
	assert.Equal(t, "site-a/edge-1/cameras/cam-1/alert", tp.Event("cam-1", "alert"))
	assert.Equal(t, "site-a/edge-1/cameras/cam-1/status", tp.CameraStatus("cam-1"))
	assert.Equal(t, "site-a/edge-1/status", tp.AgentStatus())
	assert.Equal(t, "site-a/edge-1/#", tp.Wildcard())

	assert.Equal(t, "edge/+/#", Topics{EdgeID: "+"}.Wildcard())
}

func TestPublishValue(t *testing.T) {
	r := &recorder{}
	v := payload.Object(payload.F("b", payload.Int(2)), payload.F("a", payload.String("x")))
	require.NoError(t, PublishValue(r, "t/1", true, v))
	assert.Equal(t, "t/1", r.topic)
	assert.Equal(t, byte(1), r.qos)
	assert.True(t, r.retained)
	assert.JSONEq(t, `{"a":"x","b":2}`, string(r.body))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_CLIENT_ID", "")
	cfg := ConfigFromEnv("edge-agent")
	assert.Equal(t, "tcp://broker.local:8883", cfg.Broker())
	assert.Equal(t, "edge-agent", cfg.ClientID)
}
