package broker

import "time"

// Message is an immutable record as it lives inside a topic: an
// optional dedup key, a payload, the instant the broker accepted it,
// and — for retention-enabled topics — the instant it stops being
// eligible for replay.
type Message struct {
	Key        *string
	Payload    []byte
	ReceivedAt time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the message is past its retention horizon as
// of now. A message with no ExpiresAt never expires.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

func cloneKey(k *string) *string {
	if k == nil {
		return nil
	}
	v := *k
	return &v
}
