package broker

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/zaichik-broker/internal/protocol"
)

// subscriptionHandle pairs a connection's view of a topic (the
// Subscription itself) with the stop channel that tears down its
// forwarder goroutine on Unsubscribe or connection close.
type subscriptionHandle struct {
	sub  *Subscription
	stop chan struct{}
}

// SubscriptionManager is the per-connection cooperative task described
// in spec.md §4.3: it owns a command inbox and a dynamic set of
// per-topic forwarder goroutines that all feed one aggregation channel
// (deliveries), and it enforces the one-in-flight, commit-before-next
// flow-control contract before writing anything back to the client.
//
// Each SubscriptionManager is used for exactly one connection and is
// discarded when that connection closes.
type SubscriptionManager struct {
	registry *TopicRegistry
	metrics  *Metrics
	logger   zerolog.Logger
	limiter  *rate.Limiter
	mirror   *NATSMirror
	workers  *WorkerPool

	out io.Writer

	subscriptions map[string]subscriptionHandle
	waiting       bool
	deliveries    chan Delivery
}

// NewSubscriptionManager constructs a manager for one connection. out is
// the socket's write side; frames selected for delivery are encoded
// directly onto it.
func NewSubscriptionManager(registry *TopicRegistry, metrics *Metrics, logger zerolog.Logger, limiter *rate.Limiter, mirror *NATSMirror, workers *WorkerPool, out io.Writer) *SubscriptionManager {
	return &SubscriptionManager{
		registry:      registry,
		metrics:       metrics,
		logger:        logger,
		limiter:       limiter,
		mirror:        mirror,
		workers:       workers,
		out:           out,
		subscriptions: make(map[string]subscriptionHandle),
		deliveries:    make(chan Delivery, 64),
	}
}

// Run drives the selection loop until a CloseConnection frame (real or
// synthetic, injected by the reader on EOF/decode error) is processed,
// the commands channel is closed, or ctx is cancelled. It always tears
// down every live subscription before returning.
func (m *SubscriptionManager) Run(ctx context.Context, commands <-chan protocol.Frame) {
	defer m.closeAllSubscriptions()

	for {
		var active chan Delivery
		if m.waiting {
			active = m.deliveries
		}

		select {
		case <-ctx.Done():
			return

		case frame, ok := <-commands:
			if !ok {
				return
			}
			if !m.limiter.Allow() {
				if m.metrics != nil {
					m.metrics.CommandsRateLimited.Inc()
				}
				continue
			}
			if !m.handleCommand(frame) {
				return
			}

		case d := <-active:
			m.deliver(d)
		}
	}
}

// handleCommand applies one decoded frame per the table in spec.md
// §4.3. It returns false when the connection loop should exit.
func (m *SubscriptionManager) handleCommand(frame protocol.Frame) bool {
	switch frame.Kind {
	case protocol.KindCreateTopic:
		m.registry.CreateTopic(frame.Name, frame.RetentionTTLMillis, frame.CompactionWindowMillis)

	case protocol.KindSubscribe:
		m.subscribe(frame.Name)

	case protocol.KindUnsubscribe:
		m.unsubscribe(frame.Name)

	case protocol.KindPublish:
		topic := m.registry.GetOrCreateDefault(frame.Name)
		if topic.Publish(frame.Key, frame.Payload, time.Now()) {
			m.mirrorAsync(frame.Name, frame.Payload)
		}

	case protocol.KindCommit:
		m.waiting = true

	case protocol.KindCloseConnection:
		return false

	default:
		m.logger.Warn().Uint32("kind", uint32(frame.Kind)).Msg("dropping unrecognized frame kind")
	}
	return true
}

func (m *SubscriptionManager) subscribe(name string) {
	if _, exists := m.subscriptions[name]; exists {
		return
	}
	topic := m.registry.GetOrCreateDefault(name)
	sub := topic.Subscribe()
	stop := make(chan struct{})
	m.subscriptions[name] = subscriptionHandle{sub: sub, stop: stop}
	go sub.Forward(stop, m.deliveries)

	if len(m.subscriptions) == 1 {
		m.waiting = true
	}
}

func (m *SubscriptionManager) unsubscribe(name string) {
	h, ok := m.subscriptions[name]
	if !ok {
		return
	}
	close(h.stop)
	h.sub.Close()
	delete(m.subscriptions, name)

	if len(m.subscriptions) == 0 {
		m.waiting = false
	}
}

func (m *SubscriptionManager) closeAllSubscriptions() {
	for name, h := range m.subscriptions {
		close(h.stop)
		h.sub.Close()
		delete(m.subscriptions, name)
	}
}

// deliver handles one event picked from the active topic-message arm
// of the selection loop, per spec.md §4.3: an expired message is
// dropped silently and the flag stays true; otherwise the message is
// written out and, only on a successful write, the flag flips false so
// the next delivery must wait for a Commit.
func (m *SubscriptionManager) deliver(d Delivery) {
	now := time.Now()
	if d.Message.Expired(now) {
		if m.metrics != nil {
			m.metrics.MessagesDropped.WithLabelValues(d.Topic).Inc()
		}
		return
	}

	out := protocol.NewPublish(d.Topic, d.Message.Key, d.Message.Payload)
	if err := protocol.Encode(m.out, out); err != nil {
		m.logger.Info().Err(err).Str("topic", d.Topic).Msg("outbound write failed; awaiting disconnect")
		return
	}

	m.waiting = false
	if m.metrics != nil {
		m.metrics.MessagesDelivered.WithLabelValues(d.Topic).Inc()
	}
}

// mirrorAsync submits a best-effort NATS republish of a just-accepted
// publish to the worker pool, so the mirror's own I/O latency or
// failure never touches the client's command-processing path.
func (m *SubscriptionManager) mirrorAsync(topic string, payload []byte) {
	if m.mirror == nil || m.workers == nil {
		return
	}
	body := append([]byte(nil), payload...)
	m.workers.Submit(func() {
		m.mirror.Publish(topic, body)
	})
}
