package broker

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSMirror republishes accepted Publish frames onto a NATS subject for
// external consumers (analytics, archival, a second broker instance)
// that want a read-only feed of everything moving through the broker.
// It is strictly best-effort: nothing here can block or fail a client's
// Publish command, and it is always driven through a WorkerPool so its
// own I/O latency stays off that path entirely.
type NATSMirror struct {
	conn          *nats.Conn
	subjectPrefix string
	metrics       *Metrics
	logger        zerolog.Logger
}

// NewNATSMirror connects to url and returns a mirror publishing under
// "<subjectPrefix>.<topic>". A non-nil error means the mirror could not
// be constructed at all; callers should treat that as fatal only if
// mirroring was explicitly requested (a non-empty URL in Config).
func NewNATSMirror(url, subjectPrefix string, metrics *Metrics, logger zerolog.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("zaichik-broker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats mirror disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats mirror: %w", err)
	}
	return &NATSMirror{conn: conn, subjectPrefix: subjectPrefix, metrics: metrics, logger: logger}, nil
}

// Publish republishes payload under the topic's mirror subject. Errors
// are logged and counted, never returned: the caller runs inside a
// worker pool task with nothing meaningful to do with a failure.
func (n *NATSMirror) Publish(topic string, payload []byte) {
	subject := n.subjectPrefix + "." + topic
	if err := n.conn.Publish(subject, payload); err != nil {
		n.logger.Warn().Err(err).Str("topic", topic).Msg("nats mirror publish failed")
		if n.metrics != nil {
			n.metrics.NATSMirrorErrors.Inc()
		}
	}
}

// Close closes the underlying NATS connection.
func (n *NATSMirror) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
