package domain

// Flags is the per-connection state bitset. All bits are owned by the
// thread running the connection's readiness cycle; reads from other
// threads are diagnostic only and may observe torn state.
type Flags uint32

const (
	// Pending handshake kinds. The dispatcher runs them in handler
	// registration order, not bit order. New kinds are appended so
	// existing bit values are preserved.
	FlAcceptProxy Flags = 1 << iota // must parse an inbound PROXY header first
	FlSendProxy                     // must emit an outbound PROXY header

	// Phase / lifecycle.
	FlError      // terminal, latched, never cleared
	FlConnected  // set once, on the first cycle with no wait bit
	FlWaitL4Conn // TCP connect not yet confirmed
	FlWaitL6Conn // lower layer (e.g. TLS) connect not yet confirmed
	FlInitSess   // embryonic incoming session awaits completion
	FlNotifySI   // upstream stream interface is poked after I/O
	FlPollSock   // handshake layer still needs raw socket polling

	// Desired interest, socket layer. Used by handshake handlers and
	// the connect path; dropped once the connection is purely in the
	// data phase.
	FlSockRecvEna
	FlSockRecvPol
	FlSockSendEna
	FlSockSendPol

	// Desired interest, data layer. Used by the application callbacks.
	FlDataRecvEna
	FlDataRecvPol
	FlDataSendEna
	FlDataSendPol

	// Interest currently registered at the event facility. A
	// (Ena, Pol) pair encodes absent (00), want (10) or poll (11).
	// Committed only by the reconciler.
	FlCurrRecvEna
	FlCurrRecvPol
	FlCurrSendEna
	FlCurrSendPol
)

// FlHandshakeMask covers every pending handshake kind. The composite
// "handshake in progress" state is derived from it, never stored.
const FlHandshakeMask = FlAcceptProxy | FlSendProxy

const (
	FlSockMask = FlSockRecvEna | FlSockRecvPol | FlSockSendEna | FlSockSendPol
	FlDataMask = FlDataRecvEna | FlDataRecvPol | FlDataSendEna | FlDataSendPol
	FlCurrMask = FlCurrRecvEna | FlCurrRecvPol | FlCurrSendEna | FlCurrSendPol
)

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// HasAny reports whether at least one bit of mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Handshake reports whether at least one handshake kind is pending.
func (f Flags) Handshake() bool { return f&FlHandshakeMask != 0 }

// PollSock reports whether the socket layer still needs raw polling:
// while any handshake kind or connection wait is pending, or when a
// handshake engine explicitly latched FlPollSock.
func (f Flags) PollSock() bool {
	return f.Handshake() || f.HasAny(FlWaitL4Conn|FlWaitL6Conn|FlPollSock)
}

func (f *Flags) Set(mask Flags)   { *f |= mask }
func (f *Flags) Clear(mask Flags) { *f &^= mask }
