package domain

// EventType carries the readiness bits latched in a descriptor's event
// slot by the event facility.
type EventType uint32

const (
	PollIn EventType = 1 << iota
	PollOut
	PollHup
	PollErr
)

// PollAllEdges is the set of edge bits a readiness cycle consumes.
const PollAllEdges = PollIn | PollOut | PollHup | PollErr

// Poller is the capability surface of the event facility consumed by
// the connection core, per descriptor. Implementations must tolerate
// calls on descriptors they no longer track: a connection may be
// destroyed mid-cycle and the tail of the cycle still runs.
type Poller interface {
	// Want/Stop switch level-triggered interest in a direction.
	// Poll additionally requests an explicit poll edge: a prompt
	// synthetic readiness pass even without a kernel edge.
	WantRecv(fd int)
	StopRecv(fd int)
	PollRecv(fd int)
	WantSend(fd int)
	StopSend(fd int)
	PollSend(fd int)

	// Ev reads the descriptor's latched event slot; ClearEv removes
	// consumed edge bits from it.
	Ev(fd int) EventType
	ClearEv(fd int, mask EventType)

	// Owner resolves the connection registered for fd, or nil when
	// the descriptor was closed between the kernel reporting an edge
	// and user space picking it up.
	Owner(fd int) *Connection
}

// EventHandler is invoked by the event loop once per descriptor edge,
// after the facility has latched the readiness bits into the event
// slot. Status is conveyed entirely through connection flags and side
// effects.
type EventHandler interface {
	HandleEvent(fd int)
}

// EventLoop is the full event facility: the per-descriptor Poller
// capabilities plus registration and the run loop.
type EventLoop interface {
	Poller

	// Add registers a connection's descriptor with an empty interest
	// set; Remove drops it. Watch registers a bare descriptor (no
	// owning connection) for read readiness, used for listeners and
	// the resolver socket.
	Add(fd int, owner *Connection) error
	Remove(fd int) error
	Watch(fd int) error

	// Wake queues a forced readiness pass for fd. Safe to call from
	// outside the loop thread.
	Wake(fd int)

	Run(handler EventHandler) error
	Stop()
}
