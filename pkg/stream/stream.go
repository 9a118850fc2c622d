// Package stream adapts the engine to embedders that hold a raw duplex
// byte stream such as a net.Conn. It is a thin layer over the core state
// machine: one read per negotiation message, then a flow-controlled relay
// where the upstream is never read more than one high-water-mark chunk
// ahead of what the client has consumed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"socksgate/pkg/socks"
	"socksgate/pkg/wire"
)

// DefaultHighWaterMark bounds relay read-ahead when the Config does not
// say otherwise.
const DefaultHighWaterMark = 128 << 10

const feedBufferSize = 32 << 10

// Config tunes the adapter.
type Config struct {
	// HighWaterMark caps how many relay bytes may be pulled from the
	// upstream ahead of the client-facing writes. Defaults to
	// DefaultHighWaterMark.
	HighWaterMark int
}

// Serve drives one engine connection over rw until either side closes,
// then tears both down. It returns once the upstream socket (if any) has
// been closed.
//
// During StateHandshake and StateWaitCommand each Read from rw must yield
// exactly one complete SOCKS5 message; the engine performs no reassembly.
// With TCP clients this holds in practice because greeting and request
// messages are small and written whole, but it is a caller-visible
// constraint of this adapter, not something it can recover from.
func Serve(ctx context.Context, rw io.ReadWriteCloser, conn *socks.Conn, cfg Config) error {
	hwm := cfg.HighWaterMark
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			rw.Close()
			conn.Close()
		})
	}
	defer closeBoth()

	if err := negotiate(rw, conn); err != nil {
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		select {
		case <-watchCtx.Done():
		case <-conn.Closed():
		}
		closeBoth()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return pump(rw, conn, hwm)
	})
	g.Go(func() error {
		defer closeBoth()
		return feed(rw, conn)
	})

	return g.Wait()
}

// negotiate runs the handshake and command phases: one message per
// transport read, replies written back synchronously.
func negotiate(rw io.ReadWriteCloser, conn *socks.Conn) error {
	buf := make([]byte, wire.MaxHeaderSize)
	for conn.State() != socks.StateRelay {
		n, err := rw.Read(buf)

		// A reader may deliver bytes together with an error; the message
		// still counts.
		if n > 0 {
			code := conn.Process(buf[:n])

			// Process queues any reply before returning; flush it.
			for {
				select {
				case msg := <-conn.Output():
					if _, werr := rw.Write(msg); werr != nil {
						conn.Close()
						return fmt.Errorf("write negotiation reply: %w", werr)
					}
					continue
				default:
				}
				break
			}

			if code != socks.ErrNone {
				return fmt.Errorf("negotiation failed: engine code %d", code)
			}
		}

		if err != nil {
			conn.Close()
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read negotiation message: %w", err)
		}
	}
	return nil
}

// pump runs the reverse direction: the CONNECT reply first, then repeated
// bounded pulls from the upstream. Writing to rw is what paces the pulls;
// no more than hwm bytes are ever in flight beyond the client.
func pump(rw io.ReadWriteCloser, conn *socks.Conn, hwm int) error {
	select {
	case msg := <-conn.Output():
		if _, err := rw.Write(msg); err != nil {
			return writeErr(err)
		}
	case <-conn.Closed():
		// A failed dial queues its reply before signaling close.
		select {
		case msg := <-conn.Output():
			_, _ = rw.Write(msg)
		default:
		}
		return nil
	}

	buf := make([]byte, hwm)
	for {
		n, code := conn.Read(buf)
		if code != socks.ErrNone {
			if code == socks.ErrConnectionClosed {
				return nil
			}
			return fmt.Errorf("upstream relay: engine code %d", code)
		}
		if _, err := rw.Write(buf[:n]); err != nil {
			return writeErr(err)
		}
	}
}

// feed runs the forward direction: client bytes into the engine, one
// settled upstream write per chunk.
func feed(rw io.ReadWriteCloser, conn *socks.Conn) error {
	buf := make([]byte, feedBufferSize)
	for {
		n, err := rw.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read client: %w", err)
		}
		if code := conn.Process(buf[:n]); code != socks.ErrNone {
			if code == socks.ErrConnectionClosed {
				return nil
			}
			return fmt.Errorf("forward relay: engine code %d", code)
		}
	}
}

func writeErr(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return fmt.Errorf("write client: %w", err)
}
