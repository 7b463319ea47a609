package socks5

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/socksd-io/socksd/internal/dialer"
	"github.com/socksd-io/socksd/internal/frame"
	"github.com/socksd-io/socksd/internal/testutil"
)

// fakeConn is a net.Conn whose reads come from a fixed input and whose writes
// are captured, so state-machine runs are fully synchronous.
type fakeConn struct {
	in io.Reader

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func newFakeConn(input []byte) *fakeConn {
	return &fakeConn{in: bytes.NewReader(input)}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	return f.in.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, net.ErrClosed
	}
	return f.out.Write(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.out.Bytes())
}

func (f *fakeConn) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080} }
func (f *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4321} }

func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func TestHandshakeAcceptsNoAuth(t *testing.T) {
	// 05 02 00 01: version 5, two methods, no-auth and GSSAPI.
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	require.NoError(t, c.handleData([]byte{0x05}, frame.HandshakeVersion))
	assert.Equal(t, StateAwaitingMethodCount, c.State())

	require.NoError(t, c.handleData([]byte{0x02}, frame.HandshakeMethodCount))
	assert.Equal(t, StateAwaitingMethods, c.State())

	require.NoError(t, c.handleData([]byte{0x00, 0x01}, frame.HandshakeMethods))
	assert.Equal(t, StateHandshakeComplete, c.State())
	assert.Equal(t, []byte{0x05, 0x00}, fake.written())
}

func TestHandshakeRejectsWithoutNoAuth(t *testing.T) {
	// 05 01 02: only username/password offered.
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	require.NoError(t, c.handleData([]byte{0x05}, frame.HandshakeVersion))
	require.NoError(t, c.handleData([]byte{0x01}, frame.HandshakeMethodCount))

	err := c.handleData([]byte{0x02}, frame.HandshakeMethods)
	require.ErrorIs(t, err, ErrNoAcceptableMethod)
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), ErrNoAcceptableMethod)

	// The rejection reply goes out before the close.
	assert.Equal(t, []byte{0x05, 0xFF}, fake.written())
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	err := c.handleData([]byte{0x04}, frame.HandshakeVersion)
	require.ErrorIs(t, err, ErrInvalidProtocolVersion)
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, fake.written(), "no reply on version mismatch")
}

func TestHandshakeBadVersionStopsBeforeBufferedBytes(t *testing.T) {
	// 04 01 00 already buffered: the machine must fail after the first
	// byte and never read the rest.
	fake := newFakeConn([]byte{0x04, 0x01, 0x00})
	c := NewConn(fake, Config{})

	err := c.Serve(context.Background())
	require.ErrorIs(t, err, ErrInvalidProtocolVersion)
	assert.Equal(t, StateFailed, c.State())
	assert.Empty(t, fake.written())
}

func TestHandshakeMethodCountMismatch(t *testing.T) {
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	require.NoError(t, c.handleData([]byte{0x05}, frame.HandshakeVersion))
	require.NoError(t, c.handleData([]byte{0x02}, frame.HandshakeMethodCount))

	err := c.handleData([]byte{0x00}, frame.HandshakeMethods)
	require.ErrorIs(t, err, ErrMethodCountMismatch)
	assert.Equal(t, StateFailed, c.State())
}

func TestHandshakeMissingMethodCount(t *testing.T) {
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	require.NoError(t, c.handleData([]byte{0x05}, frame.HandshakeVersion))

	err := c.handleData(nil, frame.HandshakeMethodCount)
	require.ErrorIs(t, err, ErrMissingMethodCount)
	assert.Equal(t, StateFailed, c.State())
}

func TestHandshakeZeroMethodsDoesNotBlock(t *testing.T) {
	// 05 00: zero methods. The zero-length methods read must complete
	// immediately and the connection must fail, not hang.
	fake := newFakeConn([]byte{0x05, 0x00})
	c := NewConn(fake, Config{})

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoAcceptableMethod)
		assert.Equal(t, StateFailed, c.State())
		assert.Equal(t, []byte{0x05, 0xFF}, fake.written())
	case <-time.After(2 * time.Second):
		t.Fatal("state machine blocked on a zero-length read")
	}
}

func TestRequestRejectsUnsupportedCommand(t *testing.T) {
	// Handshake, then BIND.
	input := []byte{
		0x05, 0x01, 0x00, // handshake: one method, no-auth
		0x05, 0x02, 0x00, // request header: BIND
	}
	fake := newFakeConn(input)
	c := NewConn(fake, Config{})

	err := c.Serve(context.Background())
	require.ErrorIs(t, err, ErrCommandNotSupported)
	assert.Equal(t, StateFailed, c.State())

	want := append([]byte{0x05, 0x00},
		0x05, txsocks5.RepCommandNotSupported, 0x00, 0x01, 0, 0, 0, 0, 0, 0)
	assert.Equal(t, want, fake.written())
}

func TestRequestRejectsUnknownAddressType(t *testing.T) {
	input := []byte{
		0x05, 0x01, 0x00,
		0x05, 0x01, 0x00, // CONNECT
		0x02, // bogus address type
	}
	fake := newFakeConn(input)
	c := NewConn(fake, Config{})

	err := c.Serve(context.Background())
	require.ErrorIs(t, err, ErrAddressTypeNotSupported)
	assert.Equal(t, StateFailed, c.State())

	want := append([]byte{0x05, 0x00},
		0x05, txsocks5.RepAddressNotSupported, 0x00, 0x01, 0, 0, 0, 0, 0, 0)
	assert.Equal(t, want, fake.written())
}

func TestRequestRejectsSecondVersionMismatch(t *testing.T) {
	input := []byte{
		0x05, 0x01, 0x00,
		0x04, 0x01, 0x00, // request header with wrong version
	}
	fake := newFakeConn(input)
	c := NewConn(fake, Config{})

	err := c.Serve(context.Background())
	require.ErrorIs(t, err, ErrInvalidProtocolVersion)
	assert.Equal(t, StateFailed, c.State())
}

func TestUnknownTagIsIgnored(t *testing.T) {
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	require.NoError(t, c.handleData([]byte{0xAA}, frame.PhaseTag(99)))
	assert.Equal(t, StateAwaitingVersion, c.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	fake := newFakeConn(nil)
	c := NewConn(fake, Config{})

	c.Disconnect()
	c.Disconnect()
}

func TestDisconnectDuringOutstandingRead(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	c := NewConn(serverConn, Config{})

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	// Give the machine time to block on the version read, then tear the
	// connection down underneath it.
	time.Sleep(10 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-done:
		assert.NoError(t, err, "a read completing after disconnect is a no-op, not an error")
		assert.Equal(t, StateFailed, c.State())
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after disconnect")
	}

	c.Disconnect() // still safe
}

func TestConnectRelaysThroughEchoServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	c := NewConn(serverConn, Config{
		Dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
	})

	g := errgroup.Group{}
	g.Go(func() error { return c.Serve(ctx) })

	// Handshake.
	_, err := clientConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(clientConn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, reply)

	// CONNECT to the echo server by IPv4.
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, echoAddr.IP.To4()...)
	req = append(req, byte(echoAddr.Port>>8), byte(echoAddr.Port))
	_, err = clientConn.Write(req)
	require.NoError(t, err)

	// VER REP RSV ATYP=IPv4 BND.ADDR(4) BND.PORT(2)
	connectReply := make([]byte, 10)
	_, err = io.ReadFull(clientConn, connectReply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), connectReply[0])
	require.Equal(t, txsocks5.RepSuccess, connectReply[1])

	testutil.AssertEcho(t, clientConn, clientConn, []byte("hello"))

	_ = clientConn.Close()
	require.NoError(t, g.Wait())
}

func TestConnectRefusedReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A listener that is closed immediately: connecting to its port gets
	// refused.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	input := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01}
	input = append(input, deadAddr.IP.To4()...)
	input = append(input, byte(deadAddr.Port>>8), byte(deadAddr.Port))
	fake := newFakeConn(input)

	c := NewConn(fake, Config{
		Dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
	})

	err = c.Serve(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())

	out := fake.written()
	require.GreaterOrEqual(t, len(out), 4)
	assert.Equal(t, []byte{0x05, 0x00}, out[:2], "handshake reply")
	assert.Equal(t, txsocks5.RepConnectionRefused, out[3], "request reply status")
}

func TestConnectByDomainName(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	c := NewConn(serverConn, Config{
		Dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
	})

	g := errgroup.Group{}
	g.Go(func() error { return c.Serve(ctx) })

	_, err := clientConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(clientConn, reply)
	require.NoError(t, err)

	host := "localhost"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	req = append(req, byte(echoAddr.Port>>8), byte(echoAddr.Port))
	_, err = clientConn.Write(req)
	require.NoError(t, err)

	connectReply := make([]byte, 10)
	_, err = io.ReadFull(clientConn, connectReply)
	require.NoError(t, err)
	require.Equal(t, txsocks5.RepSuccess, connectReply[1])

	testutil.AssertEcho(t, clientConn, clientConn, []byte("via domain"))

	_ = clientConn.Close()
	require.NoError(t, g.Wait())
}
