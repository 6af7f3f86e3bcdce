package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// KafkaChannel publishes notifications to a topic keyed by participant so one
// user's notifications stay ordered within a partition.
type KafkaChannel struct {
	writer *kafkago.Writer
}

func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaChannel{writer: w}
}

func (k *KafkaChannel) Send(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(n.ParticipantID.String()),
		Value: b,
		Time:  time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (k *KafkaChannel) Close() error {
	return k.writer.Close()
}

type BreakerSettings struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// BreakerChannel stops calling the wrapped channel after repeated failures
// and lets a single trial request through once the timeout passes.
type BreakerChannel struct {
	next Channel
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerChannel(name string, next Channel, s BreakerSettings, log *zap.Logger) *BreakerChannel {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerChannel{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerChannel) Send(ctx context.Context, n Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, n)
	})
	return err
}

func (b *BreakerChannel) State() gobreaker.State {
	return b.cb.State()
}

// LogChannel records notifications in the log. It stands in when no broker
// is configured.
type LogChannel struct {
	log *zap.Logger
}

func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log.Named("notify")}
}

func (l *LogChannel) Send(_ context.Context, n Notification) error {
	l.log.Info("notification",
		zap.Stringer("participant_id", n.ParticipantID),
		zap.Stringer("conversation_id", n.ConversationID),
		zap.String("sender", n.SenderName),
		zap.String("preview", n.Preview))
	return nil
}
