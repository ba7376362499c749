package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sua-org/edge-agent/internal/logger"
	"github.com/sua-org/edge-agent/internal/mqttclient"
	"github.com/sua-org/edge-agent/internal/payload"
)

func main() {
	log, err := logger.New(logger.DefaultConfig())
	if err != nil {
		panic(err)
	}

	// Todos os edges por padrão:
	// base/<edge>/cameras/<camera>/<tipo> e base/<edge>/status
	topics := mqttclient.Topics{Base: getenv("MQTT_BASE_TOPIC", "edge"), EdgeID: getenv("MQTT_DEBUG_EDGE", "+")}
	subscribeTopic := getenv("MQTT_DEBUG_TOPIC", topics.Wildcard())

	cli, err := mqttclient.NewClientFromEnv("edge-debug-subscriber", logger.Component(log, "mqtt"))
	if err != nil {
		log.Fatal().Err(err).Msg("erro ao conectar no MQTT")
	}
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Subscribe(subscribeTopic, 1, func(topic string, raw []byte) {
		handleMessage(log, topic, raw)
	}); err != nil {
		log.Fatal().Err(err).Str("topic", subscribeTopic).Msg("erro ao assinar tópico")
	}
	log.Info().Str("topic", subscribeTopic).Msg("assinado")

	<-ctx.Done()
	log.Info().Msg("sinal recebido, encerrando subscriber")
}

func handleMessage(log zerolog.Logger, topic string, raw []byte) {
	v, err := payload.FromJSON(raw)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("raw", string(raw)).Msg("payload não é JSON")
		return
	}

	ev := log.Info().Str("topic", topic).Int("bytes", len(raw))
	switch {
	case strings.HasSuffix(topic, "/status"):
		ev = ev.Str("status", v.Str("status")).Str("camera_id", v.Str("camera_id"))
	default:
		ev = ev.
			Str("event_type", v.Str("event_type")).
			Str("camera_id", v.Str("camera_id")).
			Str("severity", v.Str("severity")).
			Str("snapshot_url", v.Get("meta").Str("snapshot_url"))
	}
	ev.Msg("mensagem recebida")

	if log.GetLevel() <= zerolog.DebugLevel {
		var pretty map[string]any
		if json.Unmarshal(raw, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			log.Debug().Msg(string(out))
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
