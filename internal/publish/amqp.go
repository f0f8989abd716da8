package publish

import (
	"context"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"otcmarket/internal/bus"
)

// AMQPConfig configures the rabbitmq publisher.
type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	// ConfirmTimeoutMs bounds the wait for a broker confirm.
	ConfirmTimeoutMs int `json:"confirmTimeoutMs"`
}

const defaultExchange = "otc.events"

// AMQP publishes events to a durable topic exchange with publisher confirms.
// The routing key is the event topic.
type AMQP struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
}

func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.ConfirmTimeoutMs <= 0 {
		cfg.ConfirmTimeoutMs = 5000
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "enable amqp confirms")
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "declare amqp exchange").With("exchange", cfg.Exchange)
	}

	logs.Infof("amqp publisher ready on exchange %s", cfg.Exchange)
	return &AMQP{
		conn:     conn,
		ch:       ch,
		exchange: cfg.Exchange,
		timeout:  time.Duration(cfg.ConfirmTimeoutMs) * time.Millisecond,
	}, nil
}

func (a *AMQP) Publish(ctx context.Context, e bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	confirm, err := a.ch.PublishWithDeferredConfirmWithContext(ctx,
		a.exchange,
		e.Topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    strconv.FormatUint(e.ID, 10),
			Timestamp:    time.Now(),
			Headers:      amqp.Table{"key": e.Key},
			Body:         e.Payload,
		},
	)
	if err != nil {
		return errors.Wrap(err, "amqp publish").With("topic", e.Topic)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "amqp confirm").With("topic", e.Topic)
	}
	if !ok {
		return errors.New("amqp publish nacked").With("topic", e.Topic)
	}
	return nil
}

func (a *AMQP) Close() error {
	if err := a.ch.Close(); err != nil {
		logs.Warnf("amqp: close channel: %+v", err)
	}
	return a.conn.Close()
}
