package domain

import "net"

// AppCallbacks are the application-layer I/O callbacks invoked during
// the data phase. They must return promptly; they may latch FlError or
// re-raise a handshake kind, but must never free the connection.
type AppCallbacks struct {
	Recv func(*Connection)
	Send func(*Connection)
}

// Connection is the per-descriptor entity driven by the readiness
// handler. It is created by an acceptor or a connector and destroyed
// either by the session layer or, for embryonic sessions, by the
// completion shim.
type Connection struct {
	FD    int
	Flags Flags
	App   AppCallbacks

	// Src and Dst are the connection's transport addresses. On the
	// client leg an inbound PROXY header overrides what accept()
	// reported; the upstream leg carries only Dst.
	Src *net.TCPAddr
	Dst *net.TCPAddr

	// Owner is the upper-layer object (session) this connection
	// belongs to. Opaque to the connection core.
	Owner any
}

// Interest-request helpers. They adjust the desired-interest bits
// only; nothing reaches the event facility until the reconciler runs
// at the end of the readiness cycle.

func (c *Connection) SockWantRecv() { c.Flags |= FlSockRecvEna }
func (c *Connection) SockPollRecv() { c.Flags |= FlSockRecvEna | FlSockRecvPol }
func (c *Connection) SockStopRecv() { c.Flags &^= FlSockRecvEna | FlSockRecvPol }
func (c *Connection) SockWantSend() { c.Flags |= FlSockSendEna }
func (c *Connection) SockPollSend() { c.Flags |= FlSockSendEna | FlSockSendPol }
func (c *Connection) SockStopSend() { c.Flags &^= FlSockSendEna | FlSockSendPol }

// SockStopBoth drops all socket-layer polling. Called by the
// readiness handler once the handshake phase no longer needs the raw
// socket.
func (c *Connection) SockStopBoth() { c.Flags &^= FlSockMask }

func (c *Connection) DataWantRecv() { c.Flags |= FlDataRecvEna }
func (c *Connection) DataPollRecv() { c.Flags |= FlDataRecvEna | FlDataRecvPol }
func (c *Connection) DataStopRecv() { c.Flags &^= FlDataRecvEna | FlDataRecvPol }
func (c *Connection) DataWantSend() { c.Flags |= FlDataSendEna }
func (c *Connection) DataPollSend() { c.Flags |= FlDataSendEna | FlDataSendPol }
func (c *Connection) DataStopSend() { c.Flags &^= FlDataSendEna | FlDataSendPol }
func (c *Connection) DataStopBoth() { c.Flags &^= FlDataMask }
