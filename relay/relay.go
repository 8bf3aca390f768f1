// Package relay forwards bus events to Kafka so that consumers outside the
// publishing process can observe them. Delivery failures surface as handler
// errors, which puts relayed events under the same retry and dead-letter
// policy as any other subscriber.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"isp-ops-event-bus/eventbus"
	"isp-ops-event-bus/shared/config"
	"isp-ops-event-bus/shared/logx"
	"isp-ops-event-bus/shared/metricsx"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

func (p *Producer) Publish(ctx context.Context, msg kafka.Message) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("relay").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
	)
	defer span.End()
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Forwarder subscribes to the in-process bus and republishes each delivered
// event to a Kafka topic derived from the event type's namespace.
type Forwarder struct {
	producer    *Producer
	topicPrefix string
	log         logx.Logger
}

func NewForwarder(producer *Producer, topicPrefix string, log logx.Logger) *Forwarder {
	return &Forwarder{
		producer:    producer,
		topicPrefix: topicPrefix,
		log:         log.WithComponent("relay"),
	}
}

// Handler returns the bus handler that performs the forwarding.
func (f *Forwarder) Handler() eventbus.Handler {
	return eventbus.HandlerFunc(func(ctx context.Context, rec *eventbus.EventRecord) error {
		topic := TopicFor(f.topicPrefix, rec.EventType)
		msg, err := BuildMessage(topic, rec)
		if err != nil {
			return err
		}
		if err := f.producer.Publish(ctx, msg); err != nil {
			metricsx.IncRelayFailure(topic)
			f.log.Warn(ctx, "relay_publish_failed", "kafka relay publish failed",
				slog.String("event_id", rec.EventID),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	})
}

// TopicFor maps an event type to its Kafka topic: the configured prefix plus
// the type's namespace ("ticket.created" -> "<prefix>.ticket").
func TopicFor(prefix string, eventType string) string {
	namespace := eventType
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		namespace = eventType[:i]
	}
	if prefix == "" {
		return namespace
	}
	return prefix + "." + namespace
}

// BuildMessage serializes a record into the wire envelope. The event id keys
// the message so per-event ordering survives partitioning.
func BuildMessage(topic string, rec *eventbus.EventRecord) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(rec.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rec.EventID)},
			{Key: "event_type", Value: []byte(rec.EventType)},
		},
	}
	if rec.Metadata.TenantID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "tenant_id", Value: []byte(rec.Metadata.TenantID)})
	}
	if rec.Metadata.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(rec.Metadata.CorrelationID)})
	}
	return msg, nil
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
