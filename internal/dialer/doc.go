// Package dialer provides the outbound dialing implementations used by the
// relay phase.
//
// Dialers implement a small interface (DialContext) and establish destination
// connections either directly or through an upstream SOCKS5 proxy.
package dialer
