// Package notify delivers one-time codes and other customer messages out of band.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"harborbank.org/internal/obs"
	"harborbank.org/internal/otp"
)

var _ otp.Notifier = (*Dispatcher)(nil)

// Message is one outbound notification.
type Message struct {
	Destination string    `json:"destination"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sender hands a message to a delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log. Intended for development setups
// without a broker; it logs the body, which carries the code.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	l := s.Logger
	if l == nil {
		l = obs.Logger()
	}
	l.Info("notification",
		zap.String("destination", msg.Destination),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// KafkaSender publishes messages as JSON keyed by destination, so one recipient's
// messages stay ordered within a partition.
type KafkaSender struct {
	w *kafka.Writer
}

func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return &KafkaSender{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			obs.Logger().Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			obs.Logger().Warn(fmt.Sprintf(msg, args...))
		}),
	}}
}

func (s *KafkaSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Destination),
		Value: payload,
		Time:  msg.CreatedAt,
	})
}

func (s *KafkaSender) Close() error { return s.w.Close() }

// Dispatcher implements otp.Notifier on top of a Sender. Delivery runs in the
// background and never fails the caller; failures are logged and counted.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{sender: sender, timeout: timeout, now: func() time.Time { return time.Now().UTC() }}
}

func (d *Dispatcher) Notify(ctx context.Context, destination, subject, body string) {
	msg := Message{Destination: destination, Subject: subject, Body: body, CreatedAt: d.now()}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.sender.Send(sendCtx, msg); err != nil {
			obs.Notification(false)
			obs.Logger().Warn("notification delivery failed",
				zap.String("destination", destination),
				zap.String("subject", subject),
				zap.Error(err),
			)
			return
		}
		obs.Notification(true)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
