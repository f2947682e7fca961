package application

import (
	uuid "github.com/satori/go.uuid"

	"l4-relay/internal/domain"
)

// SessionLayer is what the connection core needs from the layer above:
// finishing embryonic sessions and post-I/O notification.
type SessionLayer interface {
	// Complete clears bit from the connection and finishes creating
	// the incoming session. On failure it destroys the connection and
	// returns false; callers must not touch the connection after a
	// false return.
	Complete(c *domain.Connection, bit domain.Flags) bool

	// Notify pokes the stream interface above the connection after
	// I/O has run.
	Notify(c *domain.Connection)
}

// maxBuffered bounds the bytes parked per direction while the other
// leg is slow or not yet established.
const maxBuffered = 32 * 1024

// pipeBuf holds bytes read off one leg that have not yet been written
// to the other.
type pipeBuf struct {
	pending []byte
}

// Session pairs an accepted client leg with one upstream leg and owns
// both until teardown.
type Session struct {
	ID       uuid.UUID
	Client   *domain.Connection
	Upstream *domain.Connection

	toUpstream pipeBuf // client -> upstream
	toClient   pipeBuf // upstream -> client

	started bool // piping enabled once the upstream leg is up
	closed  bool
}

func newSession(client *domain.Connection) (*Session, error) {
	id := uuid.NewV4()
	return &Session{
		ID:     id,
		Client: client,
	}, nil
}

// route maps a leg to the buffer it fills and the leg that drains it.
func (s *Session) route(c *domain.Connection) (*pipeBuf, *domain.Connection) {
	if c == s.Client {
		return &s.toUpstream, s.Upstream
	}
	return &s.toClient, s.Client
}

// inbound is the buffer drained into c.
func (s *Session) inbound(c *domain.Connection) *pipeBuf {
	if c == s.Client {
		return &s.toClient
	}
	return &s.toUpstream
}

// peer returns the other leg, nil while the upstream is not dialed.
func (s *Session) peer(c *domain.Connection) *domain.Connection {
	if c == s.Client {
		return s.Upstream
	}
	return s.Client
}

// upstreamReady reports whether the upstream leg has fully established
// and finished its handshakes, i.e. whether piping may begin.
func (s *Session) upstreamReady() bool {
	u := s.Upstream
	if u == nil {
		return false
	}
	return !u.Flags.HasAny(domain.FlWaitL4Conn|domain.FlWaitL6Conn) &&
		!u.Flags.Handshake() && !u.Flags.Has(domain.FlError)
}
