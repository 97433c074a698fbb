package queue

import (
	"github.com/streadway/amqp"
)

// AMQPDialer abstracts connection establishment for dependency injection in
// tests.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// AMQPConnection abstracts the AMQP connection.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the subset of channel operations the queue uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

// RealAMQPDialer dials an actual RabbitMQ server.
type RealAMQPDialer struct{}

// Dial connects to the broker.
func (d *RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

type realConnection struct {
	conn *amqp.Connection
}

func (c *realConnection) Channel() (AMQPChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}

func (c *realConnection) Close() error { return c.conn.Close() }

type realChannel struct {
	ch *amqp.Channel
}

func (c *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (c *realChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return c.ch.Get(queue, autoAck)
}

func (c *realChannel) Ack(tag uint64, multiple bool) error { return c.ch.Ack(tag, multiple) }

func (c *realChannel) Nack(tag uint64, multiple, requeue bool) error {
	return c.ch.Nack(tag, multiple, requeue)
}

func (c *realChannel) QueueInspect(name string) (amqp.Queue, error) {
	return c.ch.QueueInspect(name)
}

func (c *realChannel) Close() error { return c.ch.Close() }
