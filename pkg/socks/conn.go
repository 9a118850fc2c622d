// Package socks implements the server side of SOCKS5 negotiation as a
// transport-agnostic state machine. Raw bytes go in through Process, reply
// bytes come out on Output, and once a CONNECT succeeds the connection
// relays application data to a dynamically dialed upstream TCP socket
// under pull-based flow control. The package opens no listening sockets;
// delivering bytes to and from the client is the embedder's concern.
package socks

import (
	"context"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socksgate/pkg/wire"
)

// State identifies the negotiation phase of a connection.
type State int

const (
	// StateHandshake awaits the client greeting with its method list.
	StateHandshake State = iota

	// StateWaitCommand awaits a client request.
	StateWaitCommand

	// StateRelay forwards bytes opaquely to the command handler.
	StateRelay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateWaitCommand:
		return "wait-command"
	case StateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ContextDialer opens the outbound TCP connection for a CONNECT request.
// *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultConnectTimeout bounds the outbound dial when the Config does not
// say otherwise.
const DefaultConnectTimeout = 10 * time.Second

const defaultOutputDepth = 4

// Config carries a connection's collaborators and tuning. The zero value
// is usable.
type Config struct {
	// ID identifies the connection in logs and frames. Zero means a
	// random ID is generated.
	ID uuid.UUID

	// Dialer opens outbound connections. Defaults to a plain net.Dialer.
	Dialer ContextDialer

	// ConnectTimeout bounds the outbound dial. Zero selects
	// DefaultConnectTimeout; a negative value disables the bound
	// entirely, in which case a hung dial is only ever resolved by the
	// dialer's own failure.
	ConnectTimeout time.Duration

	// OutputDepth is the capacity of the reply channel. Defaults to a
	// small buffer; emission blocks once it is full.
	OutputDepth int

	// Logger receives engine events. Nil disables logging.
	Logger *zerolog.Logger
}

// Conn is the per-client-connection protocol state machine. It consumes
// one protocol message per Process call, advances state, and queues reply
// bytes on Output.
//
// The caller contract is strict: during StateHandshake and
// StateWaitCommand every Process call must carry exactly one complete
// SOCKS5 message. The engine performs no reassembly, so a transport that
// delivers partial messages will surface fatal decode errors. Once in
// StateRelay any chunking is permitted since bytes are forwarded
// opaquely.
//
// Process must not be called concurrently; each connection is a single
// sequential process. Output, Closed, and Read may be used from other
// goroutines.
type Conn struct {
	// ID uniquely identifies the connection.
	ID uuid.UUID

	cfg Config
	log zerolog.Logger

	state State
	cmd   commandHandler

	output chan []byte
	closed chan struct{}

	closeOnce sync.Once
	closeCode byte
}

// NewConn creates a connection in StateHandshake.
func NewConn(cfg Config) *Conn {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OutputDepth <= 0 {
		cfg.OutputDepth = defaultOutputDepth
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Stringer("conn", cfg.ID).Logger()
	}

	return &Conn{
		ID:     cfg.ID,
		cfg:    cfg,
		log:    log,
		state:  StateHandshake,
		output: make(chan []byte, cfg.OutputDepth),
		closed: make(chan struct{}),
	}
}

// State reports the current negotiation state.
func (c *Conn) State() State {
	return c.state
}

// Output delivers emitted reply bytes in emission order. Replies for
// StateHandshake and StateWaitCommand are queued within the Process call
// that produced them; the CONNECT reply is queued when the outbound dial
// resolves.
func (c *Conn) Output() <-chan []byte {
	return c.output
}

// Closed is closed exactly once when the connection terminates.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// CloseCode reports why the connection terminated. Valid only after
// Closed fires.
func (c *Conn) CloseCode() byte {
	return c.closeCode
}

// Process consumes one protocol message and returns an engine code.
// ErrNone covers both plain success and the protocol-defined
// retry-in-place replies (unsupported command, unsupported address type);
// any other code means the connection is closed.
func (c *Conn) Process(msg []byte) byte {
	switch c.state {
	case StateHandshake:
		return c.handleGreeting(msg)
	case StateWaitCommand:
		return c.handleRequest(msg)
	case StateRelay:
		return c.cmd.process(msg)
	default:
		return ErrInvalidState
	}
}

// Read pulls at most len(p) relay bytes from the upstream socket into p.
// It is the reverse-direction flow control point: the embedder calls it
// only when it has spare output capacity, sized by len(p), and the engine
// never reads ahead of that. Blocks while the upstream has no data.
func (c *Conn) Read(p []byte) (int, byte) {
	if c.state != StateRelay || c.cmd.connect == nil {
		return 0, ErrInvalidState
	}
	return c.cmd.connect.read(p)
}

// Close terminates the connection, shutting down the upstream socket (if
// any) before returning. Safe to call multiple times and from any
// goroutine.
func (c *Conn) Close() {
	c.close(ErrConnectionClosed)
}

// checkVersion validates the VER octet shared by the greeting and request
// messages. Any mismatch closes the connection with no reply.
func (c *Conn) checkVersion(r *wire.Reader) byte {
	ver, code := r.Uint8()
	if code != ErrNone {
		c.close(code)
		return code
	}
	if ver != wire.Version5 {
		c.log.Warn().Uint8("version", ver).Msg("unsupported SOCKS version")
		c.close(ErrInvalidSocksVersion)
		return ErrInvalidSocksVersion
	}
	return ErrNone
}

// handleGreeting processes [VER, NMETHODS, METHODS...] in StateHandshake.
func (c *Conn) handleGreeting(msg []byte) byte {
	r := wire.NewReader(msg)
	if code := c.checkVersion(r); code != ErrNone {
		return code
	}

	n, code := r.Uint8()
	if code != ErrNone {
		c.close(code)
		return code
	}
	methods, code := r.Bytes(int(n))
	if code != ErrNone {
		c.close(code)
		return code
	}

	if !slices.Contains(methods, wire.MethodNoAuth) {
		// RFC 1928 defines no further exchange after this reply. The
		// connection stays in StateHandshake; dropping it is up to the
		// caller.
		c.log.Debug().Msg("no acceptable authentication method")
		return c.emit([]byte{wire.Version5, wire.MethodNoAcceptable})
	}

	c.state = StateWaitCommand
	c.log.Debug().Msg("method negotiated")
	return c.emit([]byte{wire.Version5, wire.MethodNoAuth})
}

// handleRequest processes [VER, CMD, RSV, ATYP, DST.ADDR, DST.PORT] in
// StateWaitCommand.
func (c *Conn) handleRequest(msg []byte) byte {
	r := wire.NewReader(msg)
	if code := c.checkVersion(r); code != ErrNone {
		return code
	}

	cmd, code := r.Uint8()
	if code != ErrNone {
		c.close(code)
		return code
	}
	if _, code = r.Uint8(); code != ErrNone { // RSV
		c.close(code)
		return code
	}
	atyp, code := r.Uint8()
	if code != ErrNone {
		c.close(code)
		return code
	}

	host, code := wire.DecodeAddr(atyp, r)
	if code == ErrAddressNotSupported {
		// Protocol-defined retry in place: report the address type and
		// keep waiting for a corrected request.
		c.log.Debug().Uint8("atyp", atyp).Msg("address type not supported")
		return c.emit(wire.ZeroReply(wire.RepAddressNotSupported))
	}
	if code != ErrNone {
		c.close(code)
		return code
	}
	port, code := r.Uint16()
	if code != ErrNone {
		c.close(code)
		return code
	}

	switch cmd {
	case wire.CmdConnect:
		target := net.JoinHostPort(host, strconv.Itoa(int(port)))
		c.log.Debug().Str("target", target).Msg("connect requested")
		// The handler is wired in before the dial starts so a fast dial
		// failure closing the connection always finds it.
		h := newConnectHandler(c, target)
		c.cmd = commandHandler{cmd: cmd, connect: h}
		c.state = StateRelay
		go h.dial()
		return ErrNone

	default:
		// Unsupported commands keep the connection in StateWaitCommand
		// so the client may retry with a supported one.
		c.log.Debug().Uint8("cmd", cmd).Msg("command not supported")
		return c.emit(wire.ZeroReply(wire.RepCommandNotSupported))
	}
}

// emit queues reply bytes for the client-facing transport. Blocks once
// the output buffer is full so the engine can never run ahead of the
// embedder.
func (c *Conn) emit(msg []byte) byte {
	select {
	case c.output <- msg:
		return ErrNone
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// close records the reason, shuts down the command handler, and signals
// Closed. The upstream socket is closed exactly once no matter how many
// sides race here.
func (c *Conn) close(code byte) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		if h := c.cmd.connect; h != nil {
			h.shutdown()
		}
		close(c.closed)
		c.log.Debug().Uint8("code", code).Uint8("reply", ReplyCode(code)).Msg("connection closed")
	})
}
