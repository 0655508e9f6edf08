/*Package events publishes resource write events to a Kafka topic.

Publishing is a fire-and-forget side effect after a successful write; a
failed publish is logged and dropped, it never fails the operation that
triggered it.
*/
package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/logger"
)

// KafkaNotifier implements core.Notifier on a Kafka topic. Messages are
// keyed by resource name so that events for one resource stay ordered.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier publishing to the given topic on the
// given brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// Notify publishes the payload. It returns immediately; the write happens in
// the background and a failure is only logged.
func (n *KafkaNotifier) Notify(resource string, operation core.Operation, payload []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := n.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(resource),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "operation", Value: []byte(operation)},
			},
		})
		if err != nil {
			logger.Default().WithError(err).Errorf("cannot publish %s event for %s", operation, resource)
		}
	}()
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
