// Package frame defines the read phases of the SOCKS5 session and the number
// of bytes each phase occupies on the wire.
//
// Every read issued to the transport carries a PhaseTag, and the completion is
// dispatched on that tag. This keeps the length table in one place and lets
// the connection state machine request reads by intent ("give me the version
// byte") instead of by raw length.
package frame

// PhaseTag identifies what a pending read will contain.
type PhaseTag uint8

const (
	// HandshakeVersion is the client's protocol version byte.
	HandshakeVersion PhaseTag = iota
	// HandshakeMethodCount is the count of authentication methods offered.
	HandshakeMethodCount
	// HandshakeMethods is the list of offered method identifiers. Its
	// length is the previously read method count.
	HandshakeMethods
	// RequestHeader is the version/command/reserved byte triplet.
	RequestHeader
	// RequestAddressType is the address family selector.
	RequestAddressType
	// RequestIPv4Address is a 4-byte destination address.
	RequestIPv4Address
	// RequestIPv6Address is a 16-byte destination address.
	RequestIPv6Address
	// RequestDomainLength is the length prefix of a domain name address.
	RequestDomainLength
	// RequestDomainName is the domain name itself. Its length is the
	// previously read domain length.
	RequestDomainName
	// RequestPort is the 2-byte destination port.
	RequestPort
)

// Length returns the exact byte count that must be buffered before the phase
// is complete, or 0 for variable-length phases whose count is supplied by a
// previously read field (method count, domain length).
func (t PhaseTag) Length() int {
	switch t {
	case HandshakeVersion, HandshakeMethodCount:
		return 1
	case RequestHeader:
		return 3
	case RequestAddressType, RequestDomainLength:
		return 1
	case RequestIPv4Address:
		return 4
	case RequestIPv6Address:
		return 16
	case RequestPort:
		return 2
	default:
		return 0
	}
}

// External reports whether the phase's length comes from a previously read
// field rather than from the table.
func (t PhaseTag) External() bool {
	return t == HandshakeMethods || t == RequestDomainName
}

func (t PhaseTag) String() string {
	switch t {
	case HandshakeVersion:
		return "handshake-version"
	case HandshakeMethodCount:
		return "handshake-method-count"
	case HandshakeMethods:
		return "handshake-methods"
	case RequestHeader:
		return "request-header"
	case RequestAddressType:
		return "request-address-type"
	case RequestIPv4Address:
		return "request-ipv4-address"
	case RequestIPv6Address:
		return "request-ipv6-address"
	case RequestDomainLength:
		return "request-domain-length"
	case RequestDomainName:
		return "request-domain-name"
	case RequestPort:
		return "request-port"
	default:
		return "unknown"
	}
}
