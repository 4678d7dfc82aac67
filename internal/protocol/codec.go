package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFieldSize bounds any single string/bytes field we are willing to
// allocate for while decoding. It guards against a corrupt or hostile
// peer claiming an absurd length prefix; it is not part of the wire
// format itself.
const MaxFieldSize = 64 * 1024 * 1024 // 64MB

// Decode reads exactly one frame from r, blocking until the full frame
// has arrived or the connection errors out. Unlike a buffer-oriented
// decoder that reports "need more data" and waits for the caller to
// refill it, this decoder reads directly off the connection (typically
// a *bufio.Reader wrapping a net.Conn) with io.ReadFull per field, which
// has the same blocking-until-available effect without separate buffer
// bookkeeping.
//
// A structural decode failure (bad discriminant, field too large)
// returns a *DecodeError; callers should treat that as unrecoverable for
// the current stream, since the reader's position inside a frame is no
// longer known.
func Decode(r io.Reader) (Frame, error) {
	var f Frame

	kind, err := readU32(r)
	if err != nil {
		return f, err
	}
	f.Kind = Kind(kind)

	switch f.Kind {
	case KindCreateTopic:
		f.Name, err = readString(r)
		if err != nil {
			return f, err
		}
		f.RetentionTTLMillis, err = readU64(r)
		if err != nil {
			return f, err
		}
		f.CompactionWindowMillis, err = readU64(r)
		if err != nil {
			return f, err
		}

	case KindSubscribe, KindUnsubscribe:
		f.Name, err = readString(r)
		if err != nil {
			return f, err
		}

	case KindPublish:
		f.Name, err = readString(r)
		if err != nil {
			return f, err
		}
		f.Key, err = readOptionalString(r)
		if err != nil {
			return f, err
		}
		f.Payload, err = readBytes(r)
		if err != nil {
			return f, err
		}

	case KindCommit, KindCloseConnection:
		// no fields

	default:
		return f, &DecodeError{Reason: fmt.Sprintf("unknown frame discriminant %d", kind)}
	}

	return f, nil
}

// Encode writes f to w in wire format.
func Encode(w io.Writer, f Frame) error {
	if err := writeU32(w, uint32(f.Kind)); err != nil {
		return err
	}

	switch f.Kind {
	case KindCreateTopic:
		if err := writeString(w, f.Name); err != nil {
			return err
		}
		if err := writeU64(w, f.RetentionTTLMillis); err != nil {
			return err
		}
		return writeU64(w, f.CompactionWindowMillis)

	case KindSubscribe, KindUnsubscribe:
		return writeString(w, f.Name)

	case KindPublish:
		if err := writeString(w, f.Name); err != nil {
			return err
		}
		if err := writeOptionalString(w, f.Key); err != nil {
			return err
		}
		return writeBytes(w, f.Payload)

	case KindCommit, KindCloseConnection:
		return nil

	default:
		return &DecodeError{Reason: fmt.Sprintf("cannot encode unknown frame discriminant %d", f.Kind)}
	}
}

// DecodeError marks a structural failure to parse a frame (as opposed
// to a plain I/O error from the underlying connection).
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "protocol: decode error: " + e.Reason }

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFieldSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("field length %d exceeds max %d", n, MaxFieldSize)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readOptionalString(r io.Reader) (*string, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}
	switch tag[0] {
	case 0x00:
		return nil, nil
	case 0x01:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid optional tag %d", tag[0])}
	}
}

func writeOptionalString(w io.Writer, s *string) error {
	if s == nil {
		_, err := w.Write([]byte{0x00})
		return err
	}
	if _, err := w.Write([]byte{0x01}); err != nil {
		return err
	}
	return writeString(w, *s)
}
