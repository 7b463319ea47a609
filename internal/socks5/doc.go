// Package socks5 implements the server side of the SOCKS5 protocol as a
// per-connection state machine.
//
// Each accepted connection gets its own Conn, which walks the handshake and
// request phases one framed read at a time: every read is tagged with the
// phase it satisfies (internal/frame), validated, and only then is the next
// read issued. Exactly one read is in flight per connection, so the machine
// needs no locking.
//
// Wire-level reply construction reuses the primitives in
// github.com/txthinking/socks5 rather than duplicating the byte layouts here.
package socks5
