// Package messaging publishes search events to Kafka.
// Pass and solution events are protobuf Struct payloads keyed by device.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gompow/pkg/circuit"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/retry"
)

// MessageWriter is the subset of *kafka.Writer the client uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go with protobuf support and writer pooling
type KafkaClient struct {
	brokers        []string
	logger         *slog.Logger
	writers        map[string]MessageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) MessageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *slog.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers:     brokers,
		logger:      logger,
		writers:     make(map[string]MessageWriter),
		retryConfig: retry.TelemetryConfig(),
	}
	k.newWriter = k.kafkaWriter

	// Configure circuit breaker for Kafka operations
	k.circuitBreaker = circuit.New(&circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Compression:  kafka.Snappy,
	}
}

// GetProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (k *KafkaClient) GetProducer(topic string) MessageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeEncoding, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishPass publishes a pass event keyed by device
func (k *KafkaClient) PublishPass(ctx context.Context, event PassEvent) error {
	msg, err := event.ToProto()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeEncoding, "pass_event", "failed to build pass event")
	}
	return k.PublishProto(ctx, TopicPasses, event.Device, msg)
}

// PublishSolution publishes a solution event keyed by device
func (k *KafkaClient) PublishSolution(ctx context.Context, event SolutionEvent) error {
	msg, err := event.ToProto()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeEncoding, "solution_event", "failed to build solution event")
	}
	return k.PublishProto(ctx, TopicSolutions, event.Device, msg)
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]MessageWriter)
	return lastErr
}
