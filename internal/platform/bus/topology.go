// Package bus contains the RabbitMQ adapter that provisions per-connection delivery paths.
package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueuePolicy selects how a connection's queue is declared.
type QueuePolicy string

const (
	// QueueDurable declares one named queue per user device, so messages
	// published while the device is away are delivered on reconnect.
	QueueDurable QueuePolicy = "durable"
	// QueueExclusive declares a server-named queue that dies with the channel.
	QueueExclusive QueuePolicy = "exclusive"
)

// ForwardMode selects how deliveries are turned into client events.
type ForwardMode string

const (
	// ForwardByCategory maps the category header to an ibc event.
	ForwardByCategory ForwardMode = "category"
	// ForwardByExchange emits broadcast or personal events by source exchange.
	ForwardByExchange ForwardMode = "exchange"
)

// ParseQueuePolicy validates a configured queue policy.
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch p := QueuePolicy(s); p {
	case QueueDurable, QueueExclusive:
		return p, nil
	}
	return "", fmt.Errorf("unknown queue policy %q", s)
}

// ParseForwardMode validates a configured forward mode.
func ParseForwardMode(s string) (ForwardMode, error) {
	switch m := ForwardMode(s); m {
	case ForwardByCategory, ForwardByExchange:
		return m, nil
	}
	return "", fmt.Errorf("unknown forward mode %q", s)
}

// topology names the exchanges, routing keys and queues of one namespace.
type topology struct {
	ns string
}

func (t topology) broadcastExchange() string { return t.ns + ".ibc.broadcast" }
func (t topology) personalExchange() string  { return t.ns + ".ibc.personal" }

func (t topology) personalKey(userID string) string {
	return t.ns + ".ibc.personal." + userID
}

func (t topology) durableQueue(userID, deviceID string) string {
	return t.ns + ".ibc." + userID + "." + deviceID
}

// declareExchanges makes sure both exchanges exist on ch.
func (t topology) declareExchanges(ch Channel) error {
	if err := ch.ExchangeDeclare(t.broadcastExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.broadcastExchange(), err)
	}
	if err := ch.ExchangeDeclare(t.personalExchange(), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.personalExchange(), err)
	}
	return nil
}
