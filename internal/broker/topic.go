package broker

import (
	"sync"
	"time"
)

// defaultBufferSize is the last-resort fallback for buffer_size left at
// zero, used only when a TopicController is built without going through
// a TopicRegistry (e.g. directly in tests). In normal operation the
// registry substitutes its configured BROKER_DEFAULT_BUFFER_SIZE before
// settings ever reach NewTopicController.
const defaultBufferSize = 1000

// TopicSettings are fixed at topic creation time; they never change for
// the lifetime of the topic.
type TopicSettings struct {
	RetentionTTL     time.Duration // zero means retention disabled
	CompactionWindow time.Duration // zero means compaction disabled
	BufferSize       int           // capacity of each subscriber's live channel
}

// NewTopicSettings builds settings from the wire representation (millisecond
// durations, zero meaning "disabled") used by CreateTopic/Subscribe/Publish
// frames.
func NewTopicSettings(retentionTTLMillis, compactionWindowMillis uint64, bufferSize int) TopicSettings {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return TopicSettings{
		RetentionTTL:     time.Duration(retentionTTLMillis) * time.Millisecond,
		CompactionWindow: time.Duration(compactionWindowMillis) * time.Millisecond,
		BufferSize:       bufferSize,
	}
}

// Delivery pairs a message with the name of the topic it came from, for
// a SubscriptionManager multiplexing several topics onto one connection.
type Delivery struct {
	Topic   string
	Message Message
}

// TopicController owns one topic's retained buffer, compaction table,
// and live subscriber fan-out, and serializes all of that behind a
// single mutex: publish and subscribe are the only two operations.
// Publish runs a small amount of O(n) housekeeping inline, exactly as
// spec.md §4.2 describes; subscribe only copies the retained buffer.
type TopicController struct {
	name     string
	settings TopicSettings
	metrics  *Metrics

	mu          sync.Mutex
	retained    []Message
	compaction  map[string]time.Time
	subscribers map[uint64]chan Message
	nextSubID   uint64
}

func NewTopicController(name string, settings TopicSettings, metrics *Metrics) *TopicController {
	return &TopicController{
		name:        name,
		settings:    settings,
		metrics:     metrics,
		compaction:  make(map[string]time.Time),
		subscribers: make(map[uint64]chan Message),
	}
}

func (t *TopicController) Name() string            { return t.name }
func (t *TopicController) Settings() TopicSettings { return t.settings }

// Publish applies compaction, fans the message out to every live
// subscriber, retains it for future late subscribers when retention or
// compaction is enabled, and then runs the two best-effort pruning
// passes. The whole call runs under t.mu and never suspends: sends to
// subscriber channels are non-blocking, so one slow subscriber cannot
// hold up a publish. It reports whether the message was actually
// forwarded (false for a compaction duplicate), so callers mirroring
// to an external bus know not to forward suppressed duplicates.
func (t *TopicController) Publish(key *string, payload []byte, receivedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expiresAt *time.Time
	if t.settings.RetentionTTL > 0 {
		e := receivedAt.Add(t.settings.RetentionTTL)
		expiresAt = &e
	}
	msg := Message{
		Key:        cloneKey(key),
		Payload:    payload,
		ReceivedAt: receivedAt,
		ExpiresAt:  expiresAt,
	}

	duplicate := false
	if t.settings.CompactionWindow > 0 && key != nil {
		duplicate = checkDuplicateAndUpdateCompactionMap(*key, t.compaction, t.settings.CompactionWindow, receivedAt)
	}

	if duplicate {
		if t.metrics != nil {
			t.metrics.CompactionDrops.WithLabelValues(t.name).Inc()
		}
		t.pruneRetained(receivedAt)
		t.pruneCompaction(receivedAt)
		return false
	}

	for _, ch := range t.subscribers {
		select {
		case ch <- msg:
		default:
			if t.metrics != nil {
				t.metrics.SubscriberLag.WithLabelValues(t.name).Inc()
			}
		}
	}
	if t.settings.RetentionTTL > 0 || t.settings.CompactionWindow > 0 {
		t.retain(msg)
	}
	if t.metrics != nil {
		t.metrics.MessagesPublished.WithLabelValues(t.name).Inc()
	}

	t.pruneRetained(receivedAt)
	t.pruneCompaction(receivedAt)
	return true
}

// retain appends msg to the retained buffer, or, for a compaction topic,
// replaces the buffer's existing entry for msg's key in place so the
// buffer always holds at most one (the latest) message per key. A
// late subscriber's snapshot then reflects the compacted set rather
// than the raw publish history, matching the compaction example's
// documented replay.
func (t *TopicController) retain(msg Message) {
	if t.settings.CompactionWindow > 0 && msg.Key != nil {
		for i := range t.retained {
			if t.retained[i].Key != nil && *t.retained[i].Key == *msg.Key {
				t.retained[i] = msg
				return
			}
		}
	}
	t.retained = append(t.retained, msg)
}

// checkDuplicateAndUpdateCompactionMap reports whether msg is a
// duplicate under the compaction window and mutates compactionMap per
// spec.md §4.2 step 2: a first sighting of a key, or one seen again
// after the window has elapsed, is recorded and treated as
// non-duplicate; a key seen again inside the window is a duplicate and
// the stored instant is left untouched.
func checkDuplicateAndUpdateCompactionMap(key string, compactionMap map[string]time.Time, window time.Duration, now time.Time) bool {
	last, seen := compactionMap[key]
	if !seen {
		compactionMap[key] = now
		return false
	}
	if now.Sub(last) < window {
		return true
	}
	compactionMap[key] = now
	return false
}

// pruneRetained drops every retained message whose expiry has passed.
// Deliberately O(n) per publish, matching spec.md §4.2 step 4.
func (t *TopicController) pruneRetained(now time.Time) {
	if t.settings.RetentionTTL == 0 || len(t.retained) == 0 {
		return
	}
	kept := t.retained[:0]
	evicted := 0
	for _, m := range t.retained {
		if m.ExpiresAt != nil && m.ExpiresAt.After(now) {
			kept = append(kept, m)
		} else {
			evicted++
		}
	}
	t.retained = kept
	if evicted > 0 && t.metrics != nil {
		t.metrics.RetentionEvictions.WithLabelValues(t.name).Add(float64(evicted))
	}
}

// pruneCompaction drops compaction keys whose last-publish instant has
// fallen outside the compaction window, matching spec.md §4.2 step 5.
func (t *TopicController) pruneCompaction(now time.Time) {
	if t.settings.CompactionWindow == 0 || len(t.compaction) == 0 {
		return
	}
	for key, last := range t.compaction {
		if now.Sub(last) >= t.settings.CompactionWindow {
			delete(t.compaction, key)
		}
	}
}

// Subscription is one subscriber's independent view of a topic: a
// cloned snapshot of the retained buffer at the moment of subscribe,
// followed by a live channel that only ever carries messages published
// after that moment. Nothing is shared with other subscribers.
type Subscription struct {
	topic  *TopicController
	id     uint64
	replay []Message
	live   chan Message
}

// Close detaches the subscription from its topic; no further live
// messages will be delivered to it.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subscribers, s.id)
	s.topic.mu.Unlock()
}

// Forward drains the subscription (replay snapshot, then the live
// channel) onto out, one message at a time, until stop is closed. It is
// meant to run in its own goroutine — one per subscription — acting as
// the "forwarder task" spec.md §9 describes for multiplexing a dynamic
// set of topic streams onto a single selection loop.
func (s *Subscription) Forward(stop <-chan struct{}, out chan<- Delivery) {
	topicName := s.topic.name
	for _, m := range s.replay {
		select {
		case out <- Delivery{Topic: topicName, Message: m}:
		case <-stop:
			return
		}
	}
	for {
		select {
		case m, ok := <-s.live:
			if !ok {
				return
			}
			select {
			case out <- Delivery{Topic: topicName, Message: m}:
			case <-stop:
				return
			}
		case <-stop:
			return
		}
	}
}

// Subscribe returns a fresh, independent stream combining a snapshot of
// the current retained buffer with every message published from this
// point forward. The snapshot is cloned and the live channel registered
// under the same lock that serializes Publish, so no message can be
// published in the gap between "read the retained buffer" and "start
// listening live" — the hardest correctness requirement in spec.md §4.2.
func (t *TopicController) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make([]Message, len(t.retained))
	copy(snapshot, t.retained)

	id := t.nextSubID
	t.nextSubID++
	ch := make(chan Message, t.settings.BufferSize)
	t.subscribers[id] = ch

	return &Subscription{topic: t, id: id, replay: snapshot, live: ch}
}
