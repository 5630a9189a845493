package ingest

import (
	"context"
	"encoding/json"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// MQTTSubscriber parses §6's wire shape off the configured topic pattern
// and feeds it into the pipeline, adapted from the teacher's
// engine/internal/transport MQTT handler shape (subscribe-once,
// callback-per-message, metrics on parse failure).
type MQTTSubscriber struct {
	client   mqtt.Client
	topic    string
	pipeline *Pipeline
	log      logging.Logger

	rejectedCounter metrics.Counter
}

// NewMQTTSubscriber wires an already-constructed paho client to a topic
// pattern (e.g. "farmtel/+/metrics") and a Pipeline.
func NewMQTTSubscriber(client mqtt.Client, topic string, pipeline *Pipeline, log logging.Logger, mp metrics.Provider) *MQTTSubscriber {
	return &MQTTSubscriber{
		client:   client,
		topic:    topic,
		pipeline: pipeline,
		log:      log,
		rejectedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ingest", Name: "mqtt_rejected_total", Help: "MQTT payloads dropped for parse/queue failure",
		}}),
	}
}

// Start connects (if not already connected) and subscribes at QoS 1, so the
// broker redelivers on a dropped connection rather than silently losing
// unacknowledged messages.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	if !s.client.IsConnected() {
		tok := s.client.Connect()
		if tok.Wait() && tok.Error() != nil {
			return tok.Error()
		}
	}
	tok := s.client.Subscribe(s.topic, 1, s.handle)
	tok.Wait()
	return tok.Error()
}

// Stop unsubscribes; the underlying client's disconnect is owned by the
// Runtime that created it.
func (s *MQTTSubscriber) Stop() {
	s.client.Unsubscribe(s.topic)
}

func (s *MQTTSubscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	var m models.IncomingMetric
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		s.rejectedCounter.Inc(1)
		s.log.WarnCtx(ctx, "dropping unparseable mqtt payload", "topic", msg.Topic(), "error", err.Error())
		return
	}
	if m.Source == "" {
		m.Source = nodeIDFromTopic(msg.Topic())
	}
	if err := s.pipeline.Enqueue(m); err != nil {
		s.rejectedCounter.Inc(1)
		s.log.WarnCtx(ctx, "dropping metric, queue full", "sensor_id", m.SensorID)
	}
}

// nodeIDFromTopic extracts the wildcard segment from a "farmtel/<node>/metrics"
// style topic as a best-effort source identifier when the payload omits one.
func nodeIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
