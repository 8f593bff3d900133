// Package session manages live push subscriptions keyed by agent name.
//
// Each name owns one channel with any number of attached subscribers. Every
// subscriber receives every event published after it attached, buffered up to
// 100 events; when a slow subscriber's buffer fills, its oldest events are
// dropped so that publishing never blocks.
package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/meddler/meddler/internal/broker/models"
	"github.com/meddler/meddler/internal/common/logger"
)

// subscriberBuffer is the per-subscriber event capacity. On overflow the
// subscriber's oldest events are dropped.
const subscriberBuffer = 100

// Event is a single item on a subscription stream. Exactly one field is set:
// Message for agent-to-agent traffic, JSONRPC for MCP protocol frames.
type Event struct {
	Message *models.Message
	JSONRPC json.RawMessage
}

// Subscription is one attached receiver on a named channel.
type Subscription struct {
	ch     *channel
	events chan Event
	closed bool
}

// Events returns the receive side of the subscription. The channel is closed
// when the subscription is closed or the whole name is removed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription from its channel. The channel itself is
// retained so a reconnect reuses it.
func (s *Subscription) Close() {
	s.ch.detach(s)
}

// channel is the fan-out point for one agent name.
type channel struct {
	mu   sync.Mutex
	subs []*Subscription
}

// publish copies the event into every attached subscriber's buffer, dropping
// the oldest buffered event when a buffer is full. Returns true if at least
// one subscriber was attached.
func (c *channel) publish(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		select {
		case sub.events <- evt:
		default:
			// Buffer full: drop the oldest event for this subscriber only.
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- evt:
			default:
			}
		}
	}
	return len(c.subs) > 0
}

func (c *channel) attach() *Subscription {
	sub := &Subscription{ch: c, events: make(chan Event, subscriberBuffer)}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

func (c *channel) detach(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.closed {
		return
	}
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.events)
}

// closeAll terminates every attached subscriber.
func (c *channel) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		sub.closed = true
		close(sub.events)
	}
	c.subs = nil
}

func (c *channel) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Manager maps agent names to their fan-out channels. Channel creation and
// removal take the write lock; everything else runs under the read lock, and
// publishing releases the map lock before filling receiver buffers.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*channel
	logger   *logger.Logger
}

// NewManager creates an empty session manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		channels: make(map[string]*channel),
		logger:   log,
	}
}

// Subscribe attaches a new independent receiver under the given name,
// creating the channel on first use. Events published before the subscription
// existed are never seen by it.
func (m *Manager) Subscribe(name string) *Subscription {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		ch, ok = m.channels[name]
		if !ok {
			ch = &channel{}
			m.channels[name] = ch
		}
		m.mu.Unlock()
	}

	m.logger.Debug("session subscribed", zap.String("name", name))
	return ch.attach()
}

// Notify publishes an agent message to the named channel. Returns true iff
// the channel exists and at least one receiver is currently attached.
func (m *Manager) Notify(name string, msg *models.Message) bool {
	return m.publish(name, Event{Message: msg})
}

// SendJSONRPC publishes a raw JSON-RPC payload to the named channel, with the
// same delivery contract as Notify.
func (m *Manager) SendJSONRPC(name string, payload json.RawMessage) bool {
	return m.publish(name, Event{JSONRPC: payload})
}

func (m *Manager) publish(name string, evt Event) bool {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return ch.publish(evt)
}

// IsConnected reports whether the name has a channel with at least one live
// receiver.
func (m *Manager) IsConnected(name string) bool {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()

	return ok && ch.subscriberCount() > 0
}

// Remove drops the channel for the name, terminating all of its subscribers.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	ch, ok := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	if ok {
		ch.closeAll()
		m.logger.Debug("session removed", zap.String("name", name))
	}
}
