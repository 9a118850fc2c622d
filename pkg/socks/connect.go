package socks

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"socksgate/pkg/wire"
)

// connectHandler owns the one outbound TCP connection behind a CONNECT
// request. Nothing else reads or writes that socket. It dials
// asynchronously, emits the reply once the attempt resolves, serializes
// forward writes, and exposes a pull-based read so the embedder's spare
// output capacity gates how far ahead of the client the upstream is read.
type connectHandler struct {
	conn   *Conn
	target string

	// ready is closed once the dial resolved, after the reply was
	// queued. dialCode is set before ready is closed.
	ready    chan struct{}
	dialCode byte

	mu       sync.Mutex
	upstream net.Conn
	done     bool

	closeOnce sync.Once
}

// newConnectHandler prepares the outbound dial for a CONNECT request. The
// caller stores the handler on the connection and then runs dial in its
// own goroutine; the CONNECT reply is emitted once the attempt resolves.
func newConnectHandler(c *Conn, target string) *connectHandler {
	return &connectHandler{
		conn:   c,
		target: target,
		ready:  make(chan struct{}),
	}
}

func (h *connectHandler) dial() {
	ctx := context.Background()
	if t := h.conn.cfg.ConnectTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	nc, err := h.conn.cfg.Dialer.DialContext(ctx, "tcp", h.target)
	if err != nil {
		h.dialCode = dialErrorCode(err)
		h.conn.log.Warn().Str("target", h.target).Err(err).Msg("outbound connect failed")
		// A failed dial still replies with a success code and a zeroed
		// address; the close code carries the real reason.
		h.conn.emit(wire.ZeroReply(wire.RepSucceeded))
		close(h.ready)
		h.conn.close(h.dialCode)
		return
	}

	h.mu.Lock()
	select {
	case <-h.conn.closed:
		h.done = true
	default:
	}
	if h.done {
		// Connection closed while the dial was in flight.
		h.mu.Unlock()
		nc.Close()
		return
	}
	h.upstream = nc
	h.mu.Unlock()

	local := nc.LocalAddr().(*net.TCPAddr)
	h.conn.log.Debug().Str("target", h.target).Stringer("bound", local).Msg("outbound connected")
	h.conn.emit(wire.Reply(wire.RepSucceeded, local.IP, uint16(local.Port)))
	close(h.ready)
}

// process forwards one client chunk to the upstream socket. It returns
// only once the write has settled, so at most one write is ever
// outstanding per connection. A write failure is fatal; there is no
// retry.
func (h *connectHandler) process(data []byte) byte {
	select {
	case <-h.ready:
	case <-h.conn.closed:
		return ErrConnectionClosed
	}
	if h.dialCode != ErrNone {
		return h.dialCode
	}

	if _, err := h.upstream.Write(data); err != nil {
		code := ErrHostUnreachable
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			code = ErrTTLExpired
		}
		h.conn.log.Warn().Err(err).Msg("upstream write failed")
		h.conn.close(code)
		return code
	}
	return ErrNone
}

// read pulls at most len(p) bytes from the upstream socket, blocking
// while no data is available. An I/O failure after establishment emits no
// reply; the connection is closed immediately with the reason.
func (h *connectHandler) read(p []byte) (int, byte) {
	select {
	case <-h.ready:
	case <-h.conn.closed:
		return 0, ErrConnectionClosed
	}
	if h.dialCode != ErrNone {
		return 0, h.dialCode
	}

	n, err := h.upstream.Read(p)
	if n > 0 {
		// Deliver what arrived; a pending error resurfaces on the next
		// call.
		return n, ErrNone
	}
	if err != nil {
		code := ErrConnectionClosed
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			code = ErrHostUnreachable
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				code = ErrTTLExpired
			}
			h.conn.log.Warn().Err(err).Msg("upstream read failed")
		}
		h.conn.close(code)
		return 0, code
	}
	return 0, ErrNone
}

// shutdown closes the upstream socket and returns once that close has
// settled, so the handler is only finished when no outbound socket can
// dangle. The socket is closed exactly once even when both sides close
// concurrently; a dial still in flight closes its own socket on
// completion.
func (h *connectHandler) shutdown() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.done = true
		nc := h.upstream
		h.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
	})
}

// dialErrorCode maps an outbound dial failure onto the engine code used
// for the close signal.
func dialErrorCode(err error) byte {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return ErrTTLExpired
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ErrNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ErrHostUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrHostUnreachable
	}
	return ErrGeneralFailure
}
