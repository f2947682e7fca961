package application

import (
	"io"
	"log/slog"

	"l4-relay/internal/domain"
)

// fakePoller is an in-memory event facility double recording every
// call the reconciler and handler issue.
type fakePoller struct {
	calls  []string
	fds    []int
	ev     map[int]domain.EventType
	owners map[int]*domain.Connection
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		ev:     make(map[int]domain.EventType),
		owners: make(map[int]*domain.Connection),
	}
}

func (p *fakePoller) add(c *domain.Connection, ev domain.EventType) {
	p.owners[c.FD] = c
	p.ev[c.FD] = ev
}

func (p *fakePoller) record(op string, fd int) {
	p.calls = append(p.calls, op)
	p.fds = append(p.fds, fd)
}

func (p *fakePoller) WantRecv(fd int) { p.record("want_recv", fd) }
func (p *fakePoller) StopRecv(fd int) { p.record("stop_recv", fd) }
func (p *fakePoller) PollRecv(fd int) { p.record("poll_recv", fd) }
func (p *fakePoller) WantSend(fd int) { p.record("want_send", fd) }
func (p *fakePoller) StopSend(fd int) { p.record("stop_send", fd) }
func (p *fakePoller) PollSend(fd int) { p.record("poll_send", fd) }

func (p *fakePoller) Ev(fd int) domain.EventType { return p.ev[fd] }

func (p *fakePoller) ClearEv(fd int, mask domain.EventType) {
	p.ev[fd] &^= mask
}

func (p *fakePoller) Owner(fd int) *domain.Connection { return p.owners[fd] }

func (p *fakePoller) count(op string) int {
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *fakePoller) reset() {
	p.calls = nil
	p.fds = nil
}

// fakeSessions is a SessionLayer double. Complete destroys the
// connection (drops it from the poller) when the error flag is latched
// or when failInit is forced.
type fakeSessions struct {
	poller      *fakePoller
	failInit    bool
	completions int
	notifies    int
	destroyed   bool
}

func (s *fakeSessions) Complete(c *domain.Connection, bit domain.Flags) bool {
	s.completions++
	c.Flags.Clear(bit)
	if c.Flags.Has(domain.FlError) || s.failInit {
		s.destroyed = true
		delete(s.poller.owners, c.FD)
		return false
	}
	return true
}

func (s *fakeSessions) Notify(c *domain.Connection) { s.notifies++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCore wires a core around the fakes with a probe that always
// reports the connect established and touches no flags; individual
// tests override core.probe when the connect path matters.
func newTestCore() (*Core, *fakePoller, *fakeSessions) {
	p := newFakePoller()
	s := &fakeSessions{poller: p}
	core := NewCore(testLogger(), p, s, func(*domain.Connection) bool { return true })
	return core, p, s
}
