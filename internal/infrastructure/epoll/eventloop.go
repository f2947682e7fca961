package epoll

import (
	"encoding/binary"
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"l4-relay/internal/domain"
)

// LinuxEventLoop is the epoll-backed event facility. Per descriptor
// it tracks the owning connection, the latched event slot and the
// installed interest mask, and issues the minimal EpollCtl calls when
// interest changes.
//
// Poll* requests and Wake go through a wakeup queue drained at the top
// of every loop turn, so a forced poll produces a prompt synthetic
// readiness pass even when the kernel has no edge to report. An
// eventfd interrupts EpollWait when the queue is filled from another
// thread.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int

	mu    sync.Mutex
	tab   *fdTab
	wakeQ *queue.Queue

	running bool
}

func New() (*LinuxEventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add eventfd")
	}

	return &LinuxEventLoop{
		epollFD: epfd,
		wakeFD:  wfd,
		tab:     newFdTab(),
		wakeQ:   queue.New(),
		running: true,
	}, nil
}

// Add registers a connection's descriptor with an empty interest set;
// interest arrives later through the Want/Stop/Poll calls.
func (l *LinuxEventLoop) Add(fd int, owner *domain.Connection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tab.get(fd) != nil {
		return errors.Errorf("fd %d already registered", fd)
	}
	l.tab.add(fd, owner, false)
	return nil
}

// Watch registers a bare descriptor (listener, resolver socket) for
// read readiness.
func (l *LinuxEventLoop) Watch(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tab.get(fd) != nil {
		return errors.Errorf("fd %d already registered", fd)
	}
	e := l.tab.add(fd, nil, true)
	e.mask = unix.EPOLLIN
	return l.apply(e)
}

func (l *LinuxEventLoop) Remove(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.tab.remove(fd)
	if e == nil {
		return nil
	}
	if e.registered {
		return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return nil
}

func (l *LinuxEventLoop) WantRecv(fd int) { l.setMask(fd, unix.EPOLLIN, 0) }
func (l *LinuxEventLoop) StopRecv(fd int) { l.setMask(fd, 0, unix.EPOLLIN) }
func (l *LinuxEventLoop) WantSend(fd int) { l.setMask(fd, unix.EPOLLOUT, 0) }
func (l *LinuxEventLoop) StopSend(fd int) { l.setMask(fd, 0, unix.EPOLLOUT) }

// PollRecv enables read interest and forces a synthetic readiness
// pass, so data already sitting in socket buffers is picked up without
// waiting for a fresh kernel edge.
func (l *LinuxEventLoop) PollRecv(fd int) {
	l.setMask(fd, unix.EPOLLIN, 0)
	l.force(fd, domain.PollIn)
}

func (l *LinuxEventLoop) PollSend(fd int) {
	l.setMask(fd, unix.EPOLLOUT, 0)
	l.force(fd, domain.PollOut)
}

// Wake queues a readiness pass for fd with no synthetic bits. Safe
// from any thread.
func (l *LinuxEventLoop) Wake(fd int) {
	l.force(fd, 0)
}

func (l *LinuxEventLoop) Ev(fd int) domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.tab.get(fd); e != nil {
		return e.ev
	}
	return 0
}

func (l *LinuxEventLoop) ClearEv(fd int, mask domain.EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.tab.get(fd); e != nil {
		e.ev &^= mask
	}
}

func (l *LinuxEventLoop) Owner(fd int) *domain.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.tab.get(fd); e != nil {
		return e.owner
	}
	return nil
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		l.drainWakeups(handler)

		l.mu.Lock()
		running := l.running
		l.mu.Unlock()
		if !running {
			return nil
		}

		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll wait")
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainEventfd()
				continue
			}

			l.mu.Lock()
			e := l.tab.get(fd)
			if e != nil {
				e.ev |= mapEvents(events[i].Events)
			}
			l.mu.Unlock()
			if e == nil {
				continue
			}

			handler.HandleEvent(fd)
		}
	}
}

func (l *LinuxEventLoop) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.signal()
}

// Close releases the facility's own descriptors. Call after Run has
// returned.
func (l *LinuxEventLoop) Close() {
	unix.Close(l.wakeFD)
	unix.Close(l.epollFD)
}

// setMask updates a descriptor's kernel interest, issuing an EpollCtl
// only when the mask actually changes.
func (l *LinuxEventLoop) setMask(fd int, set, clear uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.tab.get(fd)
	if e == nil {
		return
	}
	mask := (e.mask | set) &^ clear
	if mask == e.mask {
		return
	}
	e.mask = mask
	l.apply(e)
}

func (l *LinuxEventLoop) apply(e *fdEntry) error {
	switch {
	case e.mask == 0 && e.registered:
		e.registered = false
		return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, e.fd, nil)
	case e.mask == 0:
		return nil
	default:
		evt := &unix.EpollEvent{Events: e.mask | unix.EPOLLRDHUP, Fd: int32(e.fd)}
		op := unix.EPOLL_CTL_MOD
		if !e.registered {
			op = unix.EPOLL_CTL_ADD
			e.registered = true
		}
		return unix.EpollCtl(l.epollFD, op, e.fd, evt)
	}
}

// force latches synthetic bits and queues fd for a readiness pass.
func (l *LinuxEventLoop) force(fd int, bits domain.EventType) {
	l.mu.Lock()
	e := l.tab.get(fd)
	if e == nil {
		l.mu.Unlock()
		return
	}
	e.forced |= bits
	if !e.queued {
		e.queued = true
		l.wakeQ.Add(fd)
	}
	l.mu.Unlock()
	l.signal()
}

func (l *LinuxEventLoop) drainWakeups(handler domain.EventHandler) {
	for {
		l.mu.Lock()
		if l.wakeQ.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fd := l.wakeQ.Remove().(int)
		e := l.tab.get(fd)
		if e != nil {
			e.queued = false
			e.ev |= e.forced
			e.forced = 0
		}
		l.mu.Unlock()

		if e != nil {
			handler.HandleEvent(fd)
		}
	}
}

// signal interrupts a blocking EpollWait.
func (l *LinuxEventLoop) signal() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	unix.Write(l.wakeFD, b[:])
}

func (l *LinuxEventLoop) drainEventfd() {
	var b [8]byte
	unix.Read(l.wakeFD, b[:])
}

func mapEvents(ev uint32) domain.EventType {
	var out domain.EventType
	if ev&unix.EPOLLIN != 0 {
		out |= domain.PollIn
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= domain.PollOut
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= domain.PollHup
	}
	if ev&unix.EPOLLERR != 0 {
		out |= domain.PollErr
	}
	return out
}
