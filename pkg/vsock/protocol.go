// Package vsock is the host side of the host-guest RPC channel: framed JSON
// messages over the hypervisor's vsock unix socket, matched by request
// identifier so pipelined calls tolerate out-of-order responses.
package vsock

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize rejects absurd length prefixes before allocating for them.
const maxFrameSize = 16 * 1024 * 1024

// Request is the host-to-guest message. IDs increase monotonically per
// connection; the guest echoes the ID in its response.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the guest-to-host message. Exactly one of Result or Error is
// populated.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// writeFrame writes a length-prefixed message.
// Wire format: [4-byte big-endian length][JSON payload]
func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message from the connection's
// buffered reader. The reader must be the connection-scoped one: a fresh
// bufio.Reader here would drop whatever the previous read buffered past its
// message boundary and desynchronize every later call.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
