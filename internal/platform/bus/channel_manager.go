/*
File: internal/platform/bus/channel_manager.go
Description: Opens one AMQP channel per authorized connection, binds its
queue to the broadcast and personal exchanges and forwards deliveries to
the client. Release undoes all of it, also after a partial setup.
*/
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// Channel defines the subset of *amqp.Channel the manager uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection opens channels on the broker.
type Connection interface {
	Channel() (Channel, error)
}

type amqpConnection struct {
	conn *amqp.Connection
}

// WrapConnection adapts a live *amqp.Connection to Connection.
func WrapConnection(conn *amqp.Connection) Connection {
	return amqpConnection{conn: conn}
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Config holds the bus topology and delivery policy.
type Config struct {
	Namespace           string
	QueuePolicy         QueuePolicy
	ForwardMode         ForwardMode
	RetainDurableQueues bool
}

// ChannelManager implements edge.ChannelManager on RabbitMQ.
type ChannelManager struct {
	conn   Connection
	topo   topology
	cfg    Config
	logger *slog.Logger
}

// NewChannelManager is the constructor for the ChannelManager.
func NewChannelManager(conn Connection, cfg Config, logger *slog.Logger) (*ChannelManager, error) {
	if conn == nil {
		return nil, fmt.Errorf("amqp connection cannot be nil")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("bus namespace cannot be empty")
	}
	if _, err := ParseQueuePolicy(string(cfg.QueuePolicy)); err != nil {
		return nil, err
	}
	if _, err := ParseForwardMode(string(cfg.ForwardMode)); err != nil {
		return nil, err
	}
	return &ChannelManager{
		conn:   conn,
		topo:   topology{ns: cfg.Namespace},
		cfg:    cfg,
		logger: logger.With("component", "ChannelManager"),
	}, nil
}

// SetupConnection provisions the delivery path of an authorized connection
// and starts forwarding to sender. On error the connection may hold a
// partially provisioned set; ReleaseConnection frees it.
func (m *ChannelManager) SetupConnection(_ context.Context, conn *edge.Connection, sender edge.EventSender) error {
	if conn.State() != edge.AuthAuthorized {
		return edge.ErrNotAuthorized
	}
	user, _ := conn.User()
	log := m.logger.With("conn_id", conn.ID, "user", user.ID)

	ch, err := m.conn.Channel()
	if err != nil {
		log.Error("Failed to open amqp channel", "err", err)
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}
	set := &channelSet{
		ch:     ch,
		retain: m.cfg.QueuePolicy == QueueDurable && m.cfg.RetainDurableQueues,
		logger: log,
	}
	if err := conn.AttachChannels(set); err != nil {
		_ = ch.Close()
		return err
	}

	if err := m.topo.declareExchanges(ch); err != nil {
		log.Error("Failed to declare exchanges", "err", err)
		return err
	}

	queue, err := m.declareQueue(ch, user)
	if err != nil {
		log.Error("Failed to declare queue", "err", err)
		return err
	}
	set.setQueue(queue)
	log = log.With("queue", queue)

	bindings := []binding{
		{exchange: m.topo.broadcastExchange(), key: ""},
		{exchange: m.topo.personalExchange(), key: m.topo.personalKey(user.ID)},
	}
	for _, b := range bindings {
		if err := ch.QueueBind(queue, b.key, b.exchange, false, nil); err != nil {
			log.Error("Failed to bind queue", "exchange", b.exchange, "err", err)
			return fmt.Errorf("failed to bind queue %s to %s: %w", queue, b.exchange, err)
		}
		set.addBinding(b)
	}

	deliveries, err := ch.Consume(queue, conn.ID, true, false, false, false, nil)
	if err != nil {
		log.Error("Failed to consume queue", "err", err)
		return fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	go m.forward(conn.ID, deliveries, sender, log)
	log.Debug("Bus channels set up")
	return nil
}

// ReleaseConnection frees whatever SetupConnection provisioned for conn.
func (m *ChannelManager) ReleaseConnection(_ context.Context, conn *edge.Connection) error {
	set := conn.Channels()
	if set == nil {
		return nil
	}
	if err := set.Release(); err != nil {
		m.logger.Warn("Bus channels released with errors", "conn_id", conn.ID, "err", err)
		return err
	}
	m.logger.Debug("Bus channels released", "conn_id", conn.ID)
	return nil
}

func (m *ChannelManager) declareQueue(ch Channel, user edge.User) (string, error) {
	var (
		q   amqp.Queue
		err error
	)
	switch m.cfg.QueuePolicy {
	case QueueExclusive:
		q, err = ch.QueueDeclare("", false, true, true, false, nil)
	default:
		q, err = ch.QueueDeclare(m.topo.durableQueue(user.ID, user.DeviceID), true, false, false, false, nil)
	}
	if err != nil {
		return "", fmt.Errorf("failed to declare queue: %w", err)
	}
	return q.Name, nil
}

// forward relays deliveries until the channel closes. A failed send means
// the client is gone, and the message is dropped.
func (m *ChannelManager) forward(connID string, deliveries <-chan amqp.Delivery, sender edge.EventSender, log *slog.Logger) {
	for d := range deliveries {
		event, ok := m.eventFor(d)
		if !ok {
			log.Warn("Dropping delivery with unknown category", "category", d.Headers[edge.CategoryHeader])
			continue
		}
		if err := sender.Send(event, string(d.Body)); err != nil {
			log.Debug("Dropping delivery for unreachable client", "event", event, "err", err)
		}
	}
	log.Debug("Delivery stream closed", "conn_id", connID)
}

func (m *ChannelManager) eventFor(d amqp.Delivery) (string, bool) {
	if m.cfg.ForwardMode == ForwardByExchange {
		if d.Exchange == m.topo.personalExchange() {
			return edge.EventIBCPersonal, true
		}
		return edge.EventIBCBroadcast, true
	}

	var category string
	switch v := d.Headers[edge.CategoryHeader].(type) {
	case nil:
	case string:
		category = v
	case []byte:
		category = string(v)
	default:
		category = fmt.Sprint(v)
	}
	return edge.EventForCategory(category)
}

// --- Channel set ---

type binding struct {
	exchange string
	key      string
}

// channelSet implements edge.ChannelSet for one connection.
type channelSet struct {
	ch     Channel
	retain bool
	logger *slog.Logger

	mu       sync.Mutex
	queue    string
	bindings []binding

	once sync.Once
	err  error
}

func (s *channelSet) setQueue(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = name
}

func (s *channelSet) addBinding(b binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, b)
}

// Release unbinds, deletes the queue unless it is retained, and closes the channel.
// Every step runs even if an earlier one failed.
func (s *channelSet) Release() error {
	s.once.Do(func() {
		s.mu.Lock()
		queue, bindings := s.queue, s.bindings
		s.mu.Unlock()

		var errs []error
		for _, b := range bindings {
			if err := s.ch.QueueUnbind(queue, b.key, b.exchange, nil); err != nil {
				errs = append(errs, fmt.Errorf("failed to unbind %s from %s: %w", queue, b.exchange, err))
			}
		}
		if queue != "" && !s.retain {
			if _, err := s.ch.QueueDelete(queue, false, false, false); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete queue %s: %w", queue, err))
			}
		}
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
