package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPDialer hands out a shared in-memory connection for tests.
type MockAMQPDialer struct {
	Conn    *MockAMQPConnection
	DialErr error
}

// NewMockAMQPDialer creates a dialer backed by one in-memory broker.
func NewMockAMQPDialer() *MockAMQPDialer {
	return &MockAMQPDialer{Conn: &MockAMQPConnection{
		channel: &MockAMQPChannel{queues: map[string][]amqp.Publishing{}},
	}}
}

// Dial returns the shared mock connection.
func (d *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	d.Conn.DialedURL = url
	return d.Conn, nil
}

// MockAMQPConnection is an in-memory connection.
type MockAMQPConnection struct {
	DialedURL string
	Closed    bool
	channel   *MockAMQPChannel
}

func (c *MockAMQPConnection) Channel() (AMQPChannel, error) { return c.channel, nil }

func (c *MockAMQPConnection) Close() error {
	c.Closed = true
	return nil
}

// MockAMQPChannel simulates durable queues with in-memory slices.
type MockAMQPChannel struct {
	mu       sync.Mutex
	queues   map[string][]amqp.Publishing
	nextTag  uint64
	unacked  map[uint64]struct {
		queue string
		msg   amqp.Publishing
	}
	Closed bool
}

func (c *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[name]; !ok {
		c.queues[name] = nil
	}
	return amqp.Queue{Name: name}, nil
}

func (c *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[key] = append(c.queues[key], msg)
	return nil
}

func (c *MockAMQPChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.queues[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := pending[0]
	c.queues[queue] = pending[1:]
	c.nextTag++
	if !autoAck {
		if c.unacked == nil {
			c.unacked = map[uint64]struct {
				queue string
				msg   amqp.Publishing
			}{}
		}
		c.unacked[c.nextTag] = struct {
			queue string
			msg   amqp.Publishing
		}{queue: queue, msg: msg}
	}
	return amqp.Delivery{DeliveryTag: c.nextTag, Body: msg.Body}, true, nil
}

func (c *MockAMQPChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unacked, tag)
	return nil
}

func (c *MockAMQPChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.unacked[tag]
	delete(c.unacked, tag)
	if ok && requeue {
		c.queues[entry.queue] = append([]amqp.Publishing{entry.msg}, c.queues[entry.queue]...)
	}
	return nil
}

func (c *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(c.queues[name])}, nil
}

func (c *MockAMQPChannel) Close() error {
	c.Closed = true
	return nil
}
