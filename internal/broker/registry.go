package broker

import "sync"

// TopicRegistry maps topic names to their controllers for the lifetime
// of the broker process. Entries are append-only: once a name is
// created, it is never removed and its settings never change.
type TopicRegistry struct {
	metrics           *Metrics
	defaultBufferSize int

	mu     sync.RWMutex
	topics map[string]*TopicController
}

// NewTopicRegistry builds a registry whose auto-create and
// default-settings paths use bufferSizeDefault for any topic created
// without an explicit buffer size, per BROKER_DEFAULT_BUFFER_SIZE.
func NewTopicRegistry(metrics *Metrics, bufferSizeDefault int) *TopicRegistry {
	if bufferSizeDefault <= 0 {
		bufferSizeDefault = defaultBufferSize
	}
	return &TopicRegistry{
		metrics:           metrics,
		defaultBufferSize: bufferSizeDefault,
		topics:            make(map[string]*TopicController),
	}
}

// Get returns the controller for name, if it exists.
func (r *TopicRegistry) Get(name string) (*TopicController, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// CreateOrGet creates a controller with the given settings if name is
// absent, or returns the existing one untouched. Repeated creation
// attempts for an existing name are a no-op: the first creation wins,
// per spec.md §4.1.
func (r *TopicRegistry) CreateOrGet(name string, settings TopicSettings) *TopicController {
	r.mu.RLock()
	if t, ok := r.topics[name]; ok {
		r.mu.RUnlock()
		return t
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[name]; ok {
		return t
	}
	t := NewTopicController(name, settings, r.metrics)
	r.topics[name] = t
	return t
}

// GetOrCreateDefault is the auto-create path used by Publish/Subscribe
// commands against a topic nobody has explicitly created: both windows
// disabled, the registry's configured default buffer size.
func (r *TopicRegistry) GetOrCreateDefault(name string) *TopicController {
	return r.CreateOrGet(name, r.settingsFor(0, 0))
}

// CreateTopic is the explicit-creation path used by CreateTopic frames:
// the client supplies retention and compaction windows, the registry
// supplies the buffer size.
func (r *TopicRegistry) CreateTopic(name string, retentionTTLMillis, compactionWindowMillis uint64) *TopicController {
	return r.CreateOrGet(name, r.settingsFor(retentionTTLMillis, compactionWindowMillis))
}

func (r *TopicRegistry) settingsFor(retentionTTLMillis, compactionWindowMillis uint64) TopicSettings {
	return NewTopicSettings(retentionTTLMillis, compactionWindowMillis, r.defaultBufferSize)
}
