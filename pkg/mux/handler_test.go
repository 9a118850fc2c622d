package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"socksgate/internal/testutil"
	"socksgate/pkg/socks"
	"socksgate/pkg/transport"
	"socksgate/pkg/wire"
)

// startHandler runs a Handler over an in-memory pipe and returns the
// client end.
func startHandler(t *testing.T, ctx context.Context, cfg Config) *transport.PipeTransport {
	t.Helper()

	server, client := transport.NewPipe()
	h := NewHandler(ctx, server, cfg)
	go h.Run()
	t.Cleanup(h.Stop)
	return client
}

func sendFrame(t *testing.T, ctx context.Context, tr *transport.PipeTransport, f *Frame) {
	t.Helper()

	if code := tr.Send(ctx, f.Encode()); code != transport.ErrNone {
		t.Fatalf("send frame: code %d", code)
	}
}

func recvFrame(t *testing.T, ctx context.Context, tr *transport.PipeTransport) *Frame {
	t.Helper()

	data, code := tr.Receive(ctx)
	if code != transport.ErrNone {
		t.Fatalf("receive frame: code %d", code)
	}
	f := DecodeFrame(data)
	if f == nil {
		t.Fatalf("malformed frame: %v", data)
	}
	return f
}

// openConn performs the Open / OpenAck exchange for a fresh ID.
func openConn(t *testing.T, ctx context.Context, tr *transport.PipeTransport) uuid.UUID {
	t.Helper()

	id := uuid.New()
	sendFrame(t, ctx, tr, &Frame{Cmd: FrameOpen, ConnID: id})

	ack := recvFrame(t, ctx, tr)
	if ack.Cmd != FrameOpenAck || ack.ConnID != id {
		t.Fatalf("expected OpenAck for %s, got cmd %d conn %s", id, ack.Cmd, ack.ConnID)
	}
	return id
}

// negotiate runs the greeting and a CONNECT request to addr, returning
// after the success reply.
func negotiate(t *testing.T, ctx context.Context, tr *transport.PipeTransport, id uuid.UUID, addr string) {
	t.Helper()

	sendFrame(t, ctx, tr, &Frame{Cmd: FrameData, ConnID: id, Payload: []byte{wire.Version5, 1, wire.MethodNoAuth}})
	selection := recvFrame(t, ctx, tr)
	if selection.Cmd != FrameData || !bytes.Equal(selection.Payload, []byte{wire.Version5, wire.MethodNoAuth}) {
		t.Fatalf("unexpected method selection: cmd %d payload %v", selection.Cmd, selection.Payload)
	}

	sendFrame(t, ctx, tr, &Frame{Cmd: FrameData, ConnID: id, Payload: connectRequest(t, addr)})
	reply := recvFrame(t, ctx, tr)
	if reply.Cmd != FrameData || len(reply.Payload) < 2 {
		t.Fatalf("unexpected connect reply frame: cmd %d payload %v", reply.Cmd, reply.Payload)
	}
	if reply.Payload[0] != wire.Version5 || reply.Payload[1] != wire.RepSucceeded {
		t.Fatalf("connect reply %v", reply.Payload)
	}
}

// connectRequest builds a CONNECT request for an IPv4 host:port address.
func connectRequest(t *testing.T, addr string) []byte {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		t.Fatalf("not an IPv4 address: %s", host)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte{wire.Version5, wire.CmdConnect, 0, wire.AddrIPv4}
	msg = append(msg, ip...)
	return binary.BigEndian.AppendUint16(msg, uint16(port))
}

func TestHandlerConnectEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln := testutil.StartEchoTCPServer(t, ctx)
	client := startHandler(t, ctx, Config{})
	id := openConn(t, ctx, client)
	negotiate(t, ctx, client, id, ln.Addr().String())

	payload := []byte("through the frame layer and back")
	sendFrame(t, ctx, client, &Frame{Cmd: FrameData, ConnID: id, Payload: payload})

	var echoed []byte
	for len(echoed) < len(payload) {
		f := recvFrame(t, ctx, client)
		if f.Cmd != FrameData || f.ConnID != id {
			t.Fatalf("unexpected frame: cmd %d conn %s", f.Cmd, f.ConnID)
		}
		echoed = append(echoed, f.Payload...)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("echoed %q, want %q", echoed, payload)
	}

	sendFrame(t, ctx, client, &Frame{Cmd: FrameClose, ConnID: id})
}

func TestHandlerChunkSizeCapsDataFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const chunk = 1024

	ln := testutil.StartEchoTCPServer(t, ctx)
	client := startHandler(t, ctx, Config{ChunkSize: chunk})
	id := openConn(t, ctx, client)
	negotiate(t, ctx, client, id, ln.Addr().String())

	payload := bytes.Repeat([]byte("backpressure"), 1024)
	go func() {
		// Relay chunking is free-form, so the payload may go out in
		// several frames too.
		for off := 0; off < len(payload); off += chunk {
			end := min(off+chunk, len(payload))
			sendFrame(t, ctx, client, &Frame{Cmd: FrameData, ConnID: id, Payload: payload[off:end]})
		}
	}()

	var echoed []byte
	for len(echoed) < len(payload) {
		f := recvFrame(t, ctx, client)
		if f.Cmd != FrameData || f.ConnID != id {
			t.Fatalf("unexpected frame: cmd %d conn %s", f.Cmd, f.ConnID)
		}
		if len(f.Payload) > chunk {
			t.Fatalf("data frame carries %d bytes, cap is %d", len(f.Payload), chunk)
		}
		echoed = append(echoed, f.Payload...)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatal("echoed payload does not match")
	}
}

func TestHandlerDuplicateOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := startHandler(t, ctx, Config{})
	id := openConn(t, ctx, client)

	sendFrame(t, ctx, client, &Frame{Cmd: FrameOpen, ConnID: id})
	f := recvFrame(t, ctx, client)
	if f.Cmd != FrameClose || f.ConnID != id {
		t.Fatalf("expected Close for duplicate open, got cmd %d", f.Cmd)
	}
	if len(f.Payload) != 1 || f.Payload[0] != socks.ErrConnectionExists {
		t.Fatalf("close code %v, want %d", f.Payload, socks.ErrConnectionExists)
	}

	// The original session must survive the duplicate.
	sendFrame(t, ctx, client, &Frame{Cmd: FrameData, ConnID: id, Payload: []byte{wire.Version5, 1, wire.MethodNoAuth}})
	reply := recvFrame(t, ctx, client)
	if reply.Cmd != FrameData || !bytes.Equal(reply.Payload, []byte{wire.Version5, wire.MethodNoAuth}) {
		t.Fatalf("unexpected reply after duplicate open: cmd %d payload %v", reply.Cmd, reply.Payload)
	}
}

func TestHandlerDataForUnknownConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := startHandler(t, ctx, Config{})

	id := uuid.New()
	sendFrame(t, ctx, client, &Frame{Cmd: FrameData, ConnID: id, Payload: []byte{wire.Version5, 1, wire.MethodNoAuth}})

	f := recvFrame(t, ctx, client)
	if f.Cmd != FrameClose || f.ConnID != id {
		t.Fatalf("expected Close, got cmd %d conn %s", f.Cmd, f.ConnID)
	}
	if len(f.Payload) != 1 || f.Payload[0] != socks.ErrConnectionNotFound {
		t.Fatalf("close code %v, want %d", f.Payload, socks.ErrConnectionNotFound)
	}
}

func TestHandlerConnectRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := testutil.FreeLoopbackPort(t)
	client := startHandler(t, ctx, Config{})
	id := openConn(t, ctx, client)

	sendFrame(t, ctx, client, &Frame{Cmd: FrameData, ConnID: id, Payload: []byte{wire.Version5, 1, wire.MethodNoAuth}})
	recvFrame(t, ctx, client)

	sendFrame(t, ctx, client, &Frame{Cmd: FrameData, ConnID: id, Payload: connectRequest(t, addr)})

	// The refused dial still produces a success-coded reply with a zeroed
	// address; the Close frame that follows carries the real reason.
	reply := recvFrame(t, ctx, client)
	if reply.Cmd != FrameData || !bytes.Equal(reply.Payload, wire.ZeroReply(wire.RepSucceeded)) {
		t.Fatalf("unexpected reply: cmd %d payload %v", reply.Cmd, reply.Payload)
	}

	closeFrame := recvFrame(t, ctx, client)
	if closeFrame.Cmd != FrameClose || closeFrame.ConnID != id {
		t.Fatalf("expected Close, got cmd %d", closeFrame.Cmd)
	}
	if len(closeFrame.Payload) != 1 || closeFrame.Payload[0] != socks.ErrConnectionRefused {
		t.Fatalf("close code %v, want %d", closeFrame.Payload, socks.ErrConnectionRefused)
	}
}
