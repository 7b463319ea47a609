package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/socksd-io/socksd/internal/conn"
	"github.com/socksd-io/socksd/internal/dialer"
	"github.com/socksd-io/socksd/internal/frame"
)

// State is the position of a connection in the SOCKS5 session.
type State uint8

const (
	StateAwaitingVersion State = iota
	StateAwaitingMethodCount
	StateAwaitingMethods
	StateHandshakeComplete
	StateAwaitingRequestHeader
	StateAwaitingAddressType
	StateAwaitingAddress
	StateAwaitingPort
	StateRelaying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingVersion:
		return "awaiting-version"
	case StateAwaitingMethodCount:
		return "awaiting-method-count"
	case StateAwaitingMethods:
		return "awaiting-methods"
	case StateHandshakeComplete:
		return "handshake-complete"
	case StateAwaitingRequestHeader:
		return "awaiting-request-header"
	case StateAwaitingAddressType:
		return "awaiting-address-type"
	case StateAwaitingAddress:
		return "awaiting-address"
	case StateAwaitingPort:
		return "awaiting-port"
	case StateRelaying:
		return "relaying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config carries the per-connection settings a Conn needs.
type Config struct {
	// Dialer establishes the outbound connection for CONNECT requests.
	Dialer dialer.Dialer

	// NegotiationTimeout bounds the handshake and request phases. Zero
	// disables the deadline.
	NegotiationTimeout time.Duration

	// IOTimeout bounds the relay phase. Zero disables the deadline.
	IOTimeout time.Duration

	// Logger for per-connection events. Nil uses slog.Default.
	Logger *slog.Logger
}

// Conn is the state machine for one accepted client connection. It owns the
// transport exclusively; all mutation happens on the connection's own
// goroutine, one phase read at a time.
type Conn struct {
	cfg       Config
	transport net.Conn
	log       *slog.Logger

	state State
	next  frame.PhaseTag
	err   error

	methodCount int
	domainLen   int
	cmd         byte
	atyp        byte
	dstHost     string
	dstPort     uint16

	closeOnce sync.Once
}

// NewConn wraps an accepted transport connection. The first read issued by
// Serve is for the protocol version byte.
func NewConn(transport net.Conn, cfg Config) *Conn {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		cfg:       cfg,
		transport: transport,
		log:       log.With("client", transport.RemoteAddr().String()),
		state:     StateAwaitingVersion,
		next:      frame.HandshakeVersion,
	}
}

// State returns the machine's current state.
func (c *Conn) State() State { return c.state }

// Err returns the protocol error that moved the machine to StateFailed, if
// any.
func (c *Conn) Err() error { return c.err }

// RemoteAddr returns the client's address.
func (c *Conn) RemoteAddr() net.Addr { return c.transport.RemoteAddr() }

// Disconnect closes the transport. Idempotent, and safe to call from another
// goroutine while a phase read is outstanding; the read surfaces as a closed
// error and the connection tears down through its normal path.
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() { _ = c.transport.Close() })
}

// Serve drives the session to completion: handshake, request, then relay.
// It returns nil on a clean relay shutdown or a disconnect, and the protocol
// or transport error otherwise.
func (c *Conn) Serve(ctx context.Context) error {
	if c.cfg.NegotiationTimeout > 0 {
		_ = c.transport.SetReadDeadline(time.Now().Add(c.cfg.NegotiationTimeout))
	}

	for c.state != StateRelaying && c.state != StateFailed {
		tag := c.next
		data, err := c.readPhase(tag)
		if err != nil {
			c.state = StateFailed
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				// Disconnected while the read was outstanding.
				return nil
			}
			return fmt.Errorf("read %s: %w", tag, err)
		}
		if err := c.handleData(data, tag); err != nil {
			return err
		}
		if c.state == StateHandshakeComplete {
			c.state = StateAwaitingRequestHeader
		}
	}

	if c.state == StateRelaying {
		_ = c.transport.SetReadDeadline(time.Time{})
		return c.relay(ctx)
	}
	return c.err
}

// readPhase reads exactly the number of bytes the phase occupies. A
// zero-length phase (method count 0, domain length 0) completes immediately
// with an empty buffer instead of blocking.
func (c *Conn) readPhase(tag frame.PhaseTag) ([]byte, error) {
	n := tag.Length()
	if tag.External() {
		switch tag {
		case frame.HandshakeMethods:
			n = c.methodCount
		case frame.RequestDomainName:
			n = c.domainLen
		}
	}

	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(c.transport, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handleData validates one completed phase read and advances the machine.
// Unknown tags are ignored.
func (c *Conn) handleData(data []byte, tag frame.PhaseTag) error {
	switch tag {
	case frame.HandshakeVersion:
		if len(data) != 1 || data[0] != Version {
			return c.fail(ErrInvalidProtocolVersion)
		}
		c.advance(StateAwaitingMethodCount, frame.HandshakeMethodCount)

	case frame.HandshakeMethodCount:
		if len(data) != 1 {
			return c.fail(ErrMissingMethodCount)
		}
		c.methodCount = int(data[0])
		c.advance(StateAwaitingMethods, frame.HandshakeMethods)

	case frame.HandshakeMethods:
		if len(data) != c.methodCount {
			return c.fail(ErrMethodCountMismatch)
		}
		if !containsMethod(data, txsocks5.MethodNone) {
			writeNoAcceptableMethods(c.transport)
			return c.fail(ErrNoAcceptableMethod)
		}
		if err := writeMethodReply(c.transport, txsocks5.MethodNone); err != nil {
			return c.fail(err)
		}
		c.advance(StateHandshakeComplete, frame.RequestHeader)

	case frame.RequestHeader:
		if len(data) != 3 || data[0] != Version {
			return c.fail(ErrInvalidProtocolVersion)
		}
		c.cmd = data[1]
		if c.cmd != txsocks5.CmdConnect {
			writeErrorReply(c.transport, txsocks5.RepCommandNotSupported, txsocks5.ATYPIPv4)
			return c.fail(ErrCommandNotSupported)
		}
		c.advance(StateAwaitingAddressType, frame.RequestAddressType)

	case frame.RequestAddressType:
		if len(data) != 1 {
			return c.fail(ErrAddressTypeNotSupported)
		}
		c.atyp = data[0]
		switch c.atyp {
		case txsocks5.ATYPIPv4:
			c.advance(StateAwaitingAddress, frame.RequestIPv4Address)
		case txsocks5.ATYPIPv6:
			c.advance(StateAwaitingAddress, frame.RequestIPv6Address)
		case txsocks5.ATYPDomain:
			c.advance(StateAwaitingAddress, frame.RequestDomainLength)
		default:
			writeErrorReply(c.transport, txsocks5.RepAddressNotSupported, txsocks5.ATYPIPv4)
			return c.fail(ErrAddressTypeNotSupported)
		}

	case frame.RequestIPv4Address, frame.RequestIPv6Address:
		c.dstHost = net.IP(data).String()
		c.advance(StateAwaitingPort, frame.RequestPort)

	case frame.RequestDomainLength:
		if len(data) != 1 {
			return c.fail(ErrAddressTypeNotSupported)
		}
		c.domainLen = int(data[0])
		c.advance(StateAwaitingAddress, frame.RequestDomainName)

	case frame.RequestDomainName:
		if len(data) != c.domainLen {
			return c.fail(ErrAddressTypeNotSupported)
		}
		c.dstHost = string(data)
		c.advance(StateAwaitingPort, frame.RequestPort)

	case frame.RequestPort:
		if len(data) != 2 {
			return c.fail(fmt.Errorf("request port: %w", io.ErrUnexpectedEOF))
		}
		c.dstPort = binary.BigEndian.Uint16(data)
		c.state = StateRelaying

	default:
		// Forward compatibility: tags this machine does not drive are
		// ignored.
	}
	return nil
}

func (c *Conn) advance(state State, next frame.PhaseTag) {
	c.state = state
	c.next = next
}

func (c *Conn) fail(err error) error {
	c.state = StateFailed
	c.err = err
	return err
}

// relay dials the requested destination, confirms it to the client, and pumps
// bytes in both directions until either side closes.
func (c *Conn) relay(ctx context.Context) error {
	dst := net.JoinHostPort(c.dstHost, strconv.Itoa(int(c.dstPort)))

	up, err := c.cfg.Dialer.DialContext(ctx, "tcp", dst)
	if err != nil {
		writeErrorReply(c.transport, txsocks5.RepConnectionRefused, c.atyp)
		return c.fail(fmt.Errorf("connect %s: %w", dst, err))
	}
	defer up.Close()

	if err := writeSuccessReply(c.transport, up.LocalAddr()); err != nil {
		return c.fail(err)
	}

	c.log.Debug("relaying", "dst", dst)
	return conn.CopyBidirectional(ctx, c.transport, up, c.cfg.IOTimeout)
}
