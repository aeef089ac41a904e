package chatsync

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// TopicHandler receives the raw body of a push on a topic.
type TopicHandler func(body []byte)

type registryEntry struct {
	handler    TopicHandler
	generation uint64
	live       LiveSubscription
	attached   bool
}

// Registry maps topics to handlers independently of the connection state
// and re-attaches every topic after each (re)connect. A topic has at most
// one handler; subscribing again replaces it.
type Registry struct {
	conn   *Connection
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
	nextGen uint64
}

// NewRegistry creates a Registry bound to conn.
func NewRegistry(conn *Connection, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		conn:    conn,
		logger:  logger.With("component", "registry"),
		entries: make(map[string]*registryEntry),
	}
	conn.setReplay(r.replay)
	return r
}

// Subscribe stores h for topic and attaches it if the connection is up and
// the topic has no live subscription on it yet. The returned func removes
// the subscription unless it has since been replaced by a newer Subscribe on
// the same topic.
func (r *Registry) Subscribe(topic string, h TopicHandler) func() {
	epoch := r.conn.Epoch()
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	e, exists := r.entries[topic]
	if exists {
		e.handler = h
		e.generation = gen
	} else {
		r.entries[topic] = &registryEntry{handler: h, generation: gen}
	}
	live := exists && e.attached && e.live.Epoch == epoch
	r.mu.Unlock()

	if !live {
		r.attach(topic)
	}

	return func() {
		r.mu.Lock()
		e, ok := r.entries[topic]
		if !ok || e.generation != gen {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.Unsubscribe(topic)
	}
}

// Unsubscribe removes topic and detaches its live subscription. A push
// already being delivered may still reach the old handler once; later
// pushes for topic are dropped.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	e, ok := r.entries[topic]
	delete(r.entries, topic)
	r.mu.Unlock()

	if ok && e.attached {
		if err := r.conn.Unsubscribe(e.live.ID); err != nil {
			r.logger.Debug("unsubscribe", "topic", topic, "error", err)
		}
	}
}

// Clear removes every topic.
func (r *Registry) Clear() {
	for _, topic := range r.Topics() {
		r.Unsubscribe(topic)
	}
}

// Topics returns the stored topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Attached reports whether topic has a live subscription on the current
// connection.
func (r *Registry) Attached(topic string) bool {
	epoch := r.conn.Epoch()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[topic]
	return ok && e.attached && e.live.Epoch == epoch
}

func (r *Registry) replay(epoch uint64) {
	r.mu.Lock()
	var pending []string
	for topic, e := range r.entries {
		if e.attached && e.live.Epoch == epoch {
			continue
		}
		pending = append(pending, topic)
	}
	r.mu.Unlock()

	sort.Strings(pending)
	r.logger.Debug("replaying subscriptions", "epoch", epoch, "count", len(pending))
	for _, topic := range pending {
		r.attach(topic)
	}
}

func (r *Registry) attach(topic string) {
	live, err := r.conn.Subscribe(topic, func(_ string, body []byte) {
		r.deliver(topic, body)
	})
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			r.logger.Warn("attach failed", "topic", topic, "error", err)
		}
		return
	}

	r.mu.Lock()
	e, ok := r.entries[topic]
	duplicate := ok && e.attached && e.live.Epoch == live.Epoch
	if ok && !duplicate {
		e.live = live
		e.attached = true
	}
	r.mu.Unlock()

	if !ok || duplicate {
		_ = r.conn.Unsubscribe(live.ID)
	}
}

func (r *Registry) deliver(topic string, body []byte) {
	r.mu.Lock()
	e, ok := r.entries[topic]
	var h TopicHandler
	if ok {
		h = e.handler
	}
	r.mu.Unlock()
	if h != nil {
		h(body)
	}
}
