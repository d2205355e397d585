package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher forwards events to an external broker.
type Publisher interface {
	Publish(e Event) error
	Ping() error
	Close() error
}

// AMQPPublisher publishes events to a durable fanout exchange and
// reconnects when the connection drops.
type AMQPPublisher struct {
	url          string
	exchangeName string
	maxRetries   int
	retryDelay   time.Duration

	mux     sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(url, exchangeName string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		url:          url,
		exchangeName: exchangeName,
		maxRetries:   5,
		retryDelay:   2 * time.Second,
	}

	p.mux.Lock()
	defer p.mux.Unlock()
	if err := p.connectWithRetry(); err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.exchangeName, // name
		"fanout",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchangeName, err)
	}

	p.conn = conn
	p.channel = ch
	logrus.WithField("exchange", p.exchangeName).Info("amqp publisher connected")
	return nil
}

func (p *AMQPPublisher) connectWithRetry() error {
	var err error
	for i := 0; i < p.maxRetries; i++ {
		err = p.connect()
		if err == nil {
			return nil
		}
		logrus.WithError(err).WithField("attempt", i+1).Warn("amqp connect failed, retrying")
		time.Sleep(p.retryDelay)
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.maxRetries, err)
}

func (p *AMQPPublisher) Publish(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mux.Lock()
	defer p.mux.Unlock()

	for i := 0; i < p.maxRetries; i++ {
		if p.conn == nil || p.conn.IsClosed() {
			if err := p.connectWithRetry(); err != nil {
				logrus.WithError(err).Warn("amqp reconnect failed")
				time.Sleep(p.retryDelay)
				continue
			}
		}

		err = p.channel.Publish(
			p.exchangeName,
			e.Type,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    e.At,
				Type:         e.Type,
			},
		)
		if err == nil {
			return nil
		}

		logrus.WithError(err).WithField("attempt", i+1).Warn("amqp publish failed, retrying")
		if p.conn != nil {
			p.conn.Close()
		}
		time.Sleep(p.retryDelay)
	}
	return fmt.Errorf("publish %s: giving up after %d attempts", e.Type, p.maxRetries)
}

// Ping checks the connection without reconnecting.
func (p *AMQPPublisher) Ping() error {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection is not active")
	}
	if p.channel == nil {
		return errors.New("amqp channel is not active")
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.conn = nil
	}
	return nil
}
