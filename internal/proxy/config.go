package proxy

import (
	"log/slog"
	"time"

	"github.com/socksd-io/socksd/internal/dialer"
)

type Config struct {
	// Dialer establishes outbound connections for CONNECT requests.
	Dialer dialer.Dialer

	// NegotiationTimeout bounds the handshake and request phases of each
	// connection. Zero disables it.
	NegotiationTimeout time.Duration

	// IOTimeout bounds the relay phase. Zero disables it.
	IOTimeout time.Duration

	// Verbose enables per-connection protocol failure logging at warn
	// level instead of debug.
	Verbose bool

	// Logger for server and connection events. Nil uses slog.Default.
	Logger *slog.Logger
}
