package publisher

import (
	"context"
	"time"

	"gateway/internal/order"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Publisher sends order events to kafka, keyed by order id so the events of
// one order stay in one partition.
type Publisher struct {
	writer Writer
}

func NewKafkaWriter(cfg Config) *kafka.Writer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

func New(writer Writer) *Publisher {
	return &Publisher{writer: writer}
}

func (p *Publisher) Record(ctx context.Context, e order.Event) error {
	value, err := sonic.Marshal(e.Message())
	if err != nil {
		return errors.Wrap(err, "marshal order event")
	}

	msg := kafka.Message{
		Key:   []byte(e.Order.ID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Kind.String())},
			{Key: "instrument", Value: []byte(e.Order.Instrument)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish order event %s of %s", e.Kind, e.Order.ID)
	}
	return nil
}

func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return errors.Wrap(err, "close kafka writer")
	}
	logs.Info("order event publisher closed")
	return nil
}
