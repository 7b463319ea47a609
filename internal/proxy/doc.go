// Package proxy implements the listener-side SOCKS5 server: the accept loop
// and the registry of live connections.
//
// Each accepted connection is wrapped in a socks5.Conn state machine and
// driven on its own goroutine, so phase transitions within a connection are
// strictly ordered while distinct connections proceed in parallel. The
// registry is the only structure touched from more than one goroutine and is
// guarded by a mutex.
package proxy
