package transport

import (
	"context"
	"sync"
)

// pipeDepth is the number of in-flight messages each direction buffers
// before Send blocks.
const pipeDepth = 16

// pipeCore is the state shared by both ends of an in-memory pair.
type pipeCore struct {
	ab   chan []byte
	ba   chan []byte
	done chan struct{}
	once sync.Once
}

// PipeTransport is one end of an in-memory transport pair. It preserves
// message boundaries and is used for tests and same-process embedding.
type PipeTransport struct {
	core *pipeCore
	send chan []byte
	recv chan []byte
}

// NewPipe creates a linked transport pair. Messages sent on one end are
// received on the other; closing either end closes both.
func NewPipe() (*PipeTransport, *PipeTransport) {
	core := &pipeCore{
		ab:   make(chan []byte, pipeDepth),
		ba:   make(chan []byte, pipeDepth),
		done: make(chan struct{}),
	}
	a := &PipeTransport{core: core, send: core.ab, recv: core.ba}
	b := &PipeTransport{core: core, send: core.ba, recv: core.ab}
	return a, b
}

// Send queues one message for the peer end. A closed pair refuses the
// send even while the peer's queue has room.
func (t *PipeTransport) Send(ctx context.Context, data []byte) byte {
	select {
	case <-t.core.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-t.core.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ErrContextCanceled
	case t.send <- msg:
		return ErrNone
	}
}

// Receive returns the next message from the peer end.
func (t *PipeTransport) Receive(ctx context.Context) ([]byte, byte) {
	// Drain queued messages even after close.
	select {
	case msg := <-t.recv:
		return msg, ErrNone
	default:
	}

	select {
	case <-t.core.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ErrContextCanceled
	case msg := <-t.recv:
		return msg, ErrNone
	}
}

// IsClosed reports whether the given code means the pair is closed.
func (t *PipeTransport) IsClosed(code byte) bool {
	return code == ErrTransportClosed
}

// Close shuts down both ends of the pair. Safe to call multiple times.
func (t *PipeTransport) Close() byte {
	t.core.once.Do(func() {
		close(t.core.done)
	})
	return ErrNone
}
