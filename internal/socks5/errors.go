package socks5

import "errors"

// Protocol failures are terminal for the connection they occur on and never
// affect other connections or the server.
var (
	// ErrInvalidProtocolVersion — the version byte was not 0x05.
	ErrInvalidProtocolVersion = errors.New("invalid protocol version")

	// ErrMissingMethodCount — the method-count byte was not delivered.
	ErrMissingMethodCount = errors.New("missing method count")

	// ErrMethodCountMismatch — the method list length did not match the
	// advertised count.
	ErrMethodCountMismatch = errors.New("method count mismatch")

	// ErrNoAcceptableMethod — the client offered no authentication method
	// this server supports.
	ErrNoAcceptableMethod = errors.New("no acceptable authentication method")

	// ErrCommandNotSupported — the request command was not CONNECT.
	ErrCommandNotSupported = errors.New("command not supported")

	// ErrAddressTypeNotSupported — the request address type was not
	// IPv4, IPv6, or domain.
	ErrAddressTypeNotSupported = errors.New("address type not supported")
)
