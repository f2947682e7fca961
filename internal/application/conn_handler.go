package application

import (
	"log/slog"

	"l4-relay/internal/domain"
)

// ProbeFunc checks whether an in-progress TCP connect has been
// confirmed established. It latches FlError on the connection when the
// probe discovers a dead socket.
type ProbeFunc func(*domain.Connection) bool

// Core drives a connection through one readiness cycle: handshake
// phase, data phase, post-I/O notification, and poll-intent
// reconciliation. One logical owner thread per connection at a time;
// the core never blocks and never panics.
type Core struct {
	log        *slog.Logger
	poller     domain.Poller
	sessions   SessionLayer
	probe      ProbeFunc
	handshakes []handshakeKind
}

func NewCore(log *slog.Logger, poller domain.Poller, sessions SessionLayer, probe ProbeFunc) *Core {
	return &Core{
		log:      log,
		poller:   poller,
		sessions: sessions,
		probe:    probe,
	}
}

// HandleEvent is the entry point called by the event loop with a
// descriptor whose event slot has been latched.
func (h *Core) HandleEvent(fd int) {
	conn := h.poller.Owner(fd)
	if conn == nil {
		// Closed between the kernel reporting the edge and user
		// space picking it up.
		return
	}

	if !h.process(conn, fd) {
		// Connection destroyed by the session shim.
		return
	}
	h.leave(conn, fd)
}

// process runs the handshake and data phases, re-entering the
// handshake stage when a data callback re-raises one (e.g. TLS
// renegotiation). It returns false when the connection has been
// destroyed and must not be touched again; true means control falls
// through to the leave path.
func (h *Core) process(conn *domain.Connection, fd int) bool {
	for {
		if conn.Flags.Handshake() {
			if !h.processHandshake(conn) {
				return true
			}
		}

		// Purely in the data phase now: handshake polling at the
		// socket layer is dropped unless something still needs it.
		if !conn.Flags.PollSock() {
			conn.SockStopBoth()
		}

		// An incoming session may still need to finish initializing.
		// Completion can fail and destroy the connection, in which
		// case it must not be used anymore.
		if conn.Flags.Has(domain.FlInitSess) &&
			!h.sessions.Complete(conn, domain.FlInitSess) {
			return false
		}

		ev := h.poller.Ev(fd)

		if ev&(domain.PollIn|domain.PollHup|domain.PollErr) != 0 {
			conn.App.Recv(conn)
		}
		if conn.Flags.Has(domain.FlError) {
			return true
		}
		if conn.Flags.Handshake() {
			continue
		}

		if ev&(domain.PollOut|domain.PollErr) != 0 {
			conn.App.Send(conn)
		}
		if conn.Flags.Has(domain.FlError) {
			return true
		}
		if conn.Flags.Handshake() {
			continue
		}

		if conn.Flags.Has(domain.FlWaitL4Conn) {
			// Still waiting for the connection to establish and no
			// data to send in order to probe it: retry the connect.
			if !h.probe(conn) {
				return true
			}
		}
		return true
	}
}

// leave finishes the cycle: embryonic abort, upstream notification,
// established-edge detection, consumed-edge clearing and poll
// reconciliation.
func (h *Core) leave(conn *domain.Connection, fd int) {
	// An errored connection whose session never finished initializing
	// is released here; the shim destroys it.
	if conn.Flags.Has(domain.FlError | domain.FlInitSess) {
		h.sessions.Complete(conn, domain.FlInitSess)
		return
	}

	if conn.Flags.Has(domain.FlNotifySI) {
		h.sessions.Notify(conn)
	}

	// Last check: did the connection just establish?
	if !conn.Flags.HasAny(domain.FlWaitL4Conn | domain.FlWaitL6Conn | domain.FlConnected) {
		conn.Flags.Set(domain.FlConnected)
	}

	h.poller.ClearEv(fd, domain.PollAllEdges)

	h.CondUpdatePolling(conn)
}
