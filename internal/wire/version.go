package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the current wire version. Both sides exchange it
// before any framed traffic; a mismatch aborts the session.
const ProtocolVersion uint32 = 1

// NegotiateVersion writes our version and reads the peer's concurrently,
// so it completes even over a synchronous transport (such as net.Pipe)
// where both ends write first. It never blocks longer than the underlying
// conn's deadlines allow.
func NegotiateVersion(rw io.ReadWriter) error {
	var out, in [4]byte
	binary.BigEndian.PutUint32(out[:], ProtocolVersion)
	writeErr := make(chan error, 1)
	go func() {
		_, err := rw.Write(out[:])
		writeErr <- err
	}()
	if _, err := io.ReadFull(rw, in[:]); err != nil {
		return fmt.Errorf("%w: version read: %v", ErrTransport, err)
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("%w: version write: %v", ErrTransport, err)
	}
	peer := binary.BigEndian.Uint32(in[:])
	if peer != ProtocolVersion {
		return fmt.Errorf("%w: local=%d peer=%d", ErrVersionMismatch, ProtocolVersion, peer)
	}
	return nil
}
