package application

import "l4-relay/internal/domain"

// HandshakeFunc advances one handshake kind. A handler returning true
// has cleared its kind bit and arranged any further polling itself; on
// false it has left exactly the interest bits it requires and the
// cycle is abandoned.
type HandshakeFunc func(*domain.Connection, domain.Flags) bool

type handshakeKind struct {
	bit  domain.Flags
	name string
	fn   HandshakeFunc
}

// RegisterHandshake appends a handshake kind to the dispatch registry.
// Registration order is dispatch order: the inbound PROXY parse must
// run before the outbound PROXY emit, and new kinds go last.
func (h *Core) RegisterHandshake(bit domain.Flags, name string, fn HandshakeFunc) {
	h.handshakes = append(h.handshakes, handshakeKind{bit: bit, name: name, fn: fn})
}

// processHandshake runs the pending handshake kinds in registry order
// until the composite handshake state clears, an error latches, or a
// handler reports it needs more I/O. It returns false when the cycle
// must be abandoned.
//
// Polling state is not guaranteed on entry, so a handler that does not
// complete its work must explicitly disable events it is not
// interested in.
func (h *Core) processHandshake(c *domain.Connection) bool {
	for c.Flags.Handshake() {
		if c.Flags.Has(domain.FlError) {
			return false
		}
		for _, k := range h.handshakes {
			if !c.Flags.Has(k.bit) {
				continue
			}
			if !k.fn(c, k.bit) {
				h.log.Debug("handshake suspended", "fd", c.FD, "kind", k.name)
				return false
			}
		}
	}
	return true
}
