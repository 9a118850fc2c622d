package mux

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socksgate/pkg/socks"
	"socksgate/pkg/transport"
)

const defaultChunkSize = 32 << 10

const maxConsecutiveErrors = 5

// Config tunes a Handler.
type Config struct {
	// Engine is the per-connection engine configuration template; the
	// connection ID is overridden with the one from the Open frame.
	Engine socks.Config

	// ChunkSize caps how many relay bytes one Data frame may carry, and
	// with it how far the upstream is read ahead of the transport.
	ChunkSize int

	// Logger receives handler events. Nil disables logging.
	Logger *zerolog.Logger
}

// Handler demultiplexes frames from one Transport onto engine
// connections. Negotiation replies are sent within the frame dispatch
// that produced them; relay data is pumped by one goroutine per
// connection.
type Handler struct {
	tr  transport.Transport
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessions sync.Map // uuid.UUID -> *session
}

// session pairs a connection ID with its engine state machine.
type session struct {
	id     uuid.UUID
	engine *socks.Conn

	// relaying flips once the relay pump has started. Only touched from
	// the receive loop.
	relaying bool
}

// NewHandler creates a handler over the given transport. Uses a
// background context if parent is nil.
func NewHandler(parent context.Context, tr transport.Transport, cfg Config) *Handler {
	if parent == nil {
		parent = context.Background()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(parent)
	return &Handler{
		tr:     tr,
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Done fires when the handler has stopped.
func (h *Handler) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Run receives frames until the transport closes or the context is
// canceled. Consecutive receive failures back off and eventually stop
// the handler.
func (h *Handler) Run() {
	consecutiveErrors := 0

	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		data, code := h.tr.Receive(h.ctx)
		if code != transport.ErrNone {
			if h.tr.IsClosed(code) {
				h.log.Info().Msg("transport closed")
				h.Stop()
				return
			}
			if h.ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			if consecutiveErrors == maxConsecutiveErrors {
				h.log.Error().Uint8("code", code).Msg("too many receive failures")
				h.Stop()
				return
			}
			time.Sleep(time.Duration(consecutiveErrors*50) * time.Millisecond)
			continue
		}
		consecutiveErrors = 0

		if len(data) == 0 {
			continue
		}
		frame := DecodeFrame(data)
		if frame == nil {
			h.log.Debug().Msg("discarding malformed frame")
			continue
		}

		h.handleFrame(frame)
	}
}

// Stop closes all sessions and cancels the handler context. Safe to call
// multiple times.
func (h *Handler) Stop() {
	h.sessions.Range(func(key, value any) bool {
		value.(*session).engine.Close()
		h.sessions.Delete(key)
		return true
	})
	h.cancel()
}

func (h *Handler) handleFrame(f *Frame) {
	switch f.Cmd {
	case FrameOpen:
		h.onOpen(f.ConnID)
	case FrameData:
		h.onData(f.ConnID, f.Payload)
	case FrameClose:
		h.onClose(f.ConnID)
	default:
		// FrameOpenAck: the server side never initiates connections.
		h.log.Debug().Uint8("cmd", f.Cmd).Msg("unexpected frame")
	}
}

// onOpen creates the engine connection for a new ID and acknowledges it.
func (h *Handler) onOpen(id uuid.UUID) {
	if _, ok := h.sessions.Load(id); ok {
		h.sendClose(id, socks.ErrConnectionExists)
		return
	}

	cfg := h.cfg.Engine
	cfg.ID = id
	if cfg.Logger == nil {
		cfg.Logger = &h.log
	}
	s := &session{id: id, engine: socks.NewConn(cfg)}
	h.sessions.Store(id, s)

	h.log.Debug().Stringer("conn", id).Msg("connection opened")
	h.send(&Frame{Cmd: FrameOpenAck, ConnID: id})
}

// onData feeds one frame payload to the connection's engine. Negotiation
// replies are flushed before returning; entering the relay state hands
// the reverse direction to a dedicated pump.
func (h *Handler) onData(id uuid.UUID, payload []byte) {
	value, ok := h.sessions.Load(id)
	if !ok {
		h.sendClose(id, socks.ErrConnectionNotFound)
		return
	}
	s := value.(*session)

	code := s.engine.Process(payload)
	if code != socks.ErrNone {
		if h.drop(id) {
			h.sendClose(id, code)
		}
		return
	}

	if s.engine.State() == socks.StateRelay && !s.relaying {
		s.relaying = true
		go h.pump(s)
		return
	}

	h.flush(s)
}

// onClose tears a connection down on the client's request. Safe when the
// ID is already gone.
func (h *Handler) onClose(id uuid.UUID) {
	value, ok := h.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	value.(*session).engine.Close()
	h.log.Debug().Stringer("conn", id).Msg("connection closed by peer")
}

// pump sends the CONNECT reply and then relays upstream bytes, one
// bounded pull per Data frame. Transport backpressure is what gates the
// pulls.
func (h *Handler) pump(s *session) {
	select {
	case msg := <-s.engine.Output():
		h.send(&Frame{Cmd: FrameData, ConnID: s.id, Payload: msg})
	case <-s.engine.Closed():
		// A failed dial queues its reply before signaling close.
		h.flush(s)
		if h.drop(s.id) {
			h.sendClose(s.id, s.engine.CloseCode())
		}
		return
	}

	buf := make([]byte, h.cfg.ChunkSize)
	for {
		n, code := s.engine.Read(buf)
		if code != socks.ErrNone {
			if h.drop(s.id) {
				h.sendClose(s.id, code)
			}
			return
		}
		h.send(&Frame{Cmd: FrameData, ConnID: s.id, Payload: buf[:n]})
	}
}

// flush forwards already-queued engine output as Data frames.
func (h *Handler) flush(s *session) {
	for {
		select {
		case msg := <-s.engine.Output():
			h.send(&Frame{Cmd: FrameData, ConnID: s.id, Payload: msg})
		default:
			return
		}
	}
}

// drop removes a session and closes its engine, reporting whether this
// call was the one that removed it.
func (h *Handler) drop(id uuid.UUID) bool {
	value, ok := h.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	value.(*session).engine.Close()
	return true
}

func (h *Handler) sendClose(id uuid.UUID, code byte) {
	h.send(&Frame{Cmd: FrameClose, ConnID: id, Payload: []byte{code}})
}

func (h *Handler) send(f *Frame) {
	if h.ctx.Err() != nil {
		return
	}
	if code := h.tr.Send(h.ctx, f.Encode()); code != transport.ErrNone {
		if h.tr.IsClosed(code) {
			h.Stop()
			return
		}
		h.log.Warn().Uint8("code", code).Msg("frame send failed")
	}
}
