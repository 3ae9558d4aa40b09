package vsock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
)

// Conn is a persistent duplex channel to one guest. It owns exactly one
// buffered reader for its whole lifetime; every read goes through it.
// Requests may be pipelined from any number of goroutines and responses are
// matched by identifier, never by stream position.
type Conn struct {
	raw net.Conn

	// reader is constructed once at connect time. See readFrame for why it
	// must never be rebuilt per call.
	reader *bufio.Reader

	// writeMu serializes frame writes so concurrent calls cannot interleave
	// partial frames.
	writeMu sync.Mutex

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*Call
	failErr error
	done    chan struct{}

	closeOnce sync.Once
}

// Call is an in-flight request.
type Call struct {
	ID   uint64
	done chan struct{}
	resp *Response
	err  error
}

// Connect dials the guest over the hypervisor's vsock unix socket and
// performs the port handshake. The returned connection stays open until
// Close; one connection serves all tool calls into that VM.
func Connect(ctx context.Context, udsPath string, port uint32) (*Conn, error) {
	raw, err := fcvsock.DialContext(ctx, udsPath, port)
	if err != nil {
		return nil, fmt.Errorf("dial vsock %s port %d: %w", udsPath, port, err)
	}
	return NewConn(raw), nil
}

// NewConn wraps an established stream. Exposed so tests and alternative
// dialers (guest side, unix socketpairs) can reuse the framing and matching
// logic.
func NewConn(raw net.Conn) *Conn {
	c := &Conn{
		raw:     raw,
		reader:  bufio.NewReader(raw),
		pending: make(map[uint64]*Call),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Go sends a request without waiting for its response, enabling
// back-to-back pipelined sends. The returned Call resolves when the guest's
// response with the matching identifier arrives.
func (c *Conn) Go(method string, params any) (*Call, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	call := &Call{ID: c.nextID.Add(1), done: make(chan struct{})}

	c.mu.Lock()
	if c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[call.ID] = call
	c.mu.Unlock()

	payload, err := json.Marshal(Request{ID: call.ID, Method: method, Params: raw})
	if err != nil {
		c.forget(call.ID)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = writeFrame(c.raw, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(call.ID)
		return nil, fmt.Errorf("send request %d: %w", call.ID, err)
	}

	return call, nil
}

// Wait blocks until the matching response arrives, the connection fails, or
// ctx is done.
func (call *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		if call.resp.Error != "" {
			return nil, fmt.Errorf("guest error for request %d: %s", call.ID, call.resp.Error)
		}
		return call.resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call sends a request and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := c.Go(method, params)
	if err != nil {
		return nil, err
	}
	// On ctx cancellation the pending entry stays registered: the guest's
	// late response must still be matched and absorbed, not mistaken for a
	// protocol violation.
	return call.Wait(ctx)
}

// Close shuts the connection down. Idempotent; in-flight calls fail with
// ErrClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		_ = c.raw.Close()
	})
	return nil
}

// readLoop is the only reader of the connection. It delivers responses to
// their pending calls by identifier; arrival order is irrelevant.
func (c *Conn) readLoop() {
	for {
		payload, err := readFrame(c.reader)
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.fail(fmt.Errorf("%w: malformed response: %v", ErrProtocol, err))
			_ = c.raw.Close()
			return
		}

		c.mu.Lock()
		call, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			// A response nothing asked for means the streams are out of
			// sync; the connection cannot be trusted past this point.
			c.fail(fmt.Errorf("%w: response for unknown request id %d", ErrProtocol, resp.ID))
			_ = c.raw.Close()
			return
		}

		call.resp = &resp
		close(call.done)
	}
}

// fail marks the connection dead and resolves every pending call with err.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return
	}
	c.failErr = err
	close(c.done)
	for id, call := range c.pending {
		call.err = err
		close(call.done)
		delete(c.pending, id)
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
