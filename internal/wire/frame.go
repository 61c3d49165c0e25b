package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameLength bounds a single frame's payload size, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameLength = 16 * 1024 * 1024

// WriteMessage encodes m as MessagePack and writes it to w as a single
// len(u32 BE) ∥ payload frame.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrMalformedFrame, err)
	}
	return writeFrame(w, payload)
}

// WriteClose writes the orderly-close sentinel: a zero-length frame.
func WriteClose(w io.Writer) error {
	return writeFrame(w, nil)
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes its payload.
// ok is false and err is nil on an orderly close (zero-length frame).
func ReadMessage(r io.Reader) (m Message, ok bool, err error) {
	var header [4]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return Message{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return Message{}, false, nil
	}
	if length > MaxFrameLength {
		return Message{}, false, fmt.Errorf("%w: frame length %d exceeds max", ErrMalformedFrame, length)
	}
	payload := make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return Message{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err = msgpack.Unmarshal(payload, &m); err != nil {
		return Message{}, false, fmt.Errorf("%w: decode: %v", ErrMalformedFrame, err)
	}
	if !m.Kind.IsKnown() {
		return Message{}, false, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, m.Kind)
	}
	return m, true, nil
}
