package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"go-bridge/frame"
)

func TestConnFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := NewConn(a)
	cb := NewConn(b)

	want := &frame.Request{
		Method:   "GET",
		Scheme:   "http",
		Path:     "/hello",
		Protocol: "HTTP/1.1",
		Headers:  []frame.Header{{Name: "Accept", Value: "*/*"}},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ca.WriteFrame(context.Background(), want); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	got, err := cb.ReadFrame(context.Background())
	<-done
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestConnReadsOneFrameAtATime(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := NewConn(b)

	// Two frames in one write: the first read must stop at the boundary.
	payload := append(frame.Encode(&frame.ResponseChunk{Data: []byte("one")}),
		frame.Encode(&frame.ResponseEnd{})...)
	go func() {
		_, _ = a.Write(payload)
	}()

	first, err := cb.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("first ReadFrame: %v", err)
	}
	if chunk, ok := first.(*frame.ResponseChunk); !ok || string(chunk.Data) != "one" {
		t.Fatalf("unexpected first frame: %#v", first)
	}

	second, err := cb.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("second ReadFrame: %v", err)
	}
	if _, ok := second.(*frame.ResponseEnd); !ok {
		t.Fatalf("unexpected second frame: %#v", second)
	}
}

func TestConnReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := NewConn(b, WithReadTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := cb.ReadFrame(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
	if !connErr.Timeout() {
		t.Fatalf("expected Timeout() to be true for %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read blocked for %v", elapsed)
	}
}

func TestConnReadCancelledByContext(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cb := NewConn(b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cb.ReadFrame(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ReadFrame did not return after cancel")
	}

	// The connection is discarded after a failed read.
	if _, err := cb.ReadFrame(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed on reuse, got %v", err)
	}
}

func TestConnPeerCloseBeforeFrame(t *testing.T) {
	a, b := net.Pipe()
	cb := NewConn(b)
	defer cb.Close()

	_ = a.Close()

	_, err := cb.ReadFrame(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestConnGarbledFrameIsDecodeError(t *testing.T) {
	a, b := net.Pipe()
	cb := NewConn(b)
	defer cb.Close()

	go func() {
		_, _ = a.Write([]byte{0x01, 0x02, 0x03})
		_ = a.Close()
	}()

	_, err := cb.ReadFrame(context.Background())
	if !IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestConnMaxFrameSize(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	cb := NewConn(b, WithMaxFrameSize(8))
	defer cb.Close()

	go func() {
		_ = frame.WriteTo(a, &frame.ResponseChunk{Data: make([]byte, 64)})
	}()

	_, err := cb.ReadFrame(context.Background())
	if !IsDecodeError(err) {
		t.Fatalf("expected DecodeError for oversized frame, got %v", err)
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	c := NewConn(b)
	first := c.Close()
	second := c.Close()
	if first != second {
		t.Fatalf("Close results differ: %v vs %v", first, second)
	}
	if err := c.WriteFrame(context.Background(), &frame.ResponseEnd{}); err == nil {
		t.Fatalf("expected write on closed conn to fail")
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Dial(context.Background(), "tcp", addr, WithConnectTimeout(time.Second))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "dial" {
		t.Fatalf("expected dial ConnectionError, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in, network, address string
	}{
		{"127.0.0.1:9000", "tcp", "127.0.0.1:9000"},
		{"tcp:localhost:9000", "tcp", "localhost:9000"},
		{"unix:/run/app.sock", "unix", "/run/app.sock"},
		{"/tmp/bridge.sock", "unix", "/tmp/bridge.sock"},
	}
	for _, tc := range cases {
		network, address := ParseAddress(tc.in)
		if network != tc.network || address != tc.address {
			t.Fatalf("ParseAddress(%q) = %q, %q", tc.in, network, address)
		}
	}
}

func TestTunnelRejectsNonTunnelFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	tun := NewTunnel(NewConn(b))
	defer tun.Close()

	go func() {
		_ = frame.WriteTo(a, &frame.ResponseEnd{})
	}()

	_, err := tun.Recv(context.Background())
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}
