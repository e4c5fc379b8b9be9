package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// TransactionPaid is emitted exactly once per order id when a transaction
// reaches PAID. External collaborators (inventory decrement, receipt
// generation) consume it from the broker.
type TransactionPaid struct {
	OrderID    string    `json:"order_id"`
	GatewayRef string    `json:"gateway_ref"`
	Amount     int64     `json:"amount"`
	PaidAt     time.Time `json:"paid_at"`
}

type Publisher interface {
	PublishTransactionPaid(ctx context.Context, evt TransactionPaid) error
}

type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a SyncProducer that waits for full acks, so a
// published paid event is durable before the webhook response goes out.
func NewKafkaPublisher(broker, topic string) (Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer([]string{broker}, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return &kafkaPublisher{producer: producer, topic: topic}, nil
}

func (p *kafkaPublisher) PublishTransactionPaid(_ context.Context, evt TransactionPaid) error {
	payload, err := json.Marshal(map[string]any{
		"event_type": "transaction_paid",
		"data":       evt,
	})
	if err != nil {
		return fmt.Errorf("marshal paid event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.OrderID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send paid event: %w", err)
	}
	return nil
}

type logPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher keeps paid events visible when no broker is configured.
func NewLogPublisher(logger *slog.Logger) Publisher {
	return &logPublisher{logger: logger}
}

func (p *logPublisher) PublishTransactionPaid(_ context.Context, evt TransactionPaid) error {
	p.logger.Info("transaction paid",
		"order_id", evt.OrderID,
		"gateway_ref", evt.GatewayRef,
		"amount", evt.Amount,
		"paid_at", evt.PaidAt,
	)
	return nil
}
