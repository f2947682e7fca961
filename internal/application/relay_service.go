package application

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"

	"l4-relay/internal/domain"
	"l4-relay/internal/infrastructure/network"
	"l4-relay/internal/infrastructure/proxyproto"
)

// Config carries the relay's wiring options.
type Config struct {
	Port        int
	Upstream    string // host:port
	DNSServer   string // ip:port of the recursive resolver
	AcceptProxy bool   // expect a PROXY header on accepted connections
	SendProxy   bool   // emit a PROXY header on upstream connections
}

// RelayService accepts inbound TCP connections, dials one upstream per
// session and pipes bytes between the two legs. It is the event
// handler for the loop and the session layer above the connection
// core.
type RelayService struct {
	log  *slog.Logger
	loop domain.EventLoop
	core *Core
	cfg  Config

	listenerFD int
	resolver   *resolver

	upstreamHost string // non-empty when DNS resolution is needed
	upstreamIP   net.IP
	upstreamPort int

	sessions map[uuid.UUID]*Session
}

func NewRelayService(loop domain.EventLoop, log *slog.Logger, cfg Config) (*RelayService, error) {
	host, portStr, err := net.SplitHostPort(cfg.Upstream)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid upstream address [%v]", cfg.Upstream)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, errors.Errorf("invalid upstream port [%v]", portStr)
	}

	lfd, err := network.ListenTCP(cfg.Port)
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen tcp")
	}

	res, err := newResolver(log, cfg.DNSServer)
	if err != nil {
		network.Close(lfd)
		return nil, errors.Wrap(err, "failed to set up resolver")
	}

	r := &RelayService{
		log:          log,
		loop:         loop,
		cfg:          cfg,
		listenerFD:   lfd,
		resolver:     res,
		upstreamPort: port,
		sessions:     make(map[uuid.UUID]*Session),
	}
	if ip := net.ParseIP(host); ip != nil {
		r.upstreamIP = ip
	} else {
		r.upstreamHost = host
	}

	r.core = NewCore(log, loop, r, network.ConnectProbe)
	r.core.RegisterHandshake(domain.FlAcceptProxy, "accept-proxy", r.recvProxyHandshake)
	r.core.RegisterHandshake(domain.FlSendProxy, "send-proxy", r.sendProxyHandshake)
	return r, nil
}

func (r *RelayService) Start() error {
	r.log.Info("Registering server sockets in event loop",
		"listener_fd", r.listenerFD, "dns_fd", r.resolver.fd)

	if err := r.loop.Watch(r.listenerFD); err != nil {
		return err
	}
	if err := r.loop.Watch(r.resolver.fd); err != nil {
		return err
	}

	r.log.Info("Relay service is running loop...")
	return r.loop.Run(r)
}

func (r *RelayService) Stop() {
	for _, s := range r.sessions {
		r.teardown(s, "service stopping")
	}
	network.Close(r.listenerFD)
	network.Close(r.resolver.fd)
	r.loop.Stop()
}

// HandleEvent dispatches loop wakeups: server sockets are handled
// here, everything else is a connection and goes through the core.
func (r *RelayService) HandleEvent(fd int) {
	switch fd {
	case r.listenerFD:
		r.acceptClient()
	case r.resolver.fd:
		r.resolver.process()
	default:
		r.core.HandleEvent(fd)
	}
}

func (r *RelayService) acceptClient() {
	nfd, src, dst, err := network.Accept(r.listenerFD)
	if err != nil {
		r.log.Error("Accept failed", "error", err)
		return
	}

	conn := &domain.Connection{
		FD:    nfd,
		Flags: domain.FlInitSess | domain.FlNotifySI,
		Src:   src,
		Dst:   dst,
	}
	conn.App = domain.AppCallbacks{Recv: r.connRecv, Send: r.connSend}

	if r.cfg.AcceptProxy {
		conn.Flags.Set(domain.FlAcceptProxy)
		conn.SockWantRecv()
	} else {
		conn.DataWantRecv()
	}

	if err := r.loop.Add(nfd, conn); err != nil {
		r.log.Error("Failed to register client", "fd", nfd, "error", err)
		network.Close(nfd)
		return
	}
	r.core.CondUpdatePolling(conn)

	r.log.Info("New client accepted", "fd", nfd, "src", src.String())

	// Force a first cycle so that, when no PROXY header is expected, the
	// embryonic session completes (and the upstream dial starts) without
	// waiting for client bytes. With accept-proxy the header handshake
	// runs first and completion waits for it.
	r.loop.Wake(nfd)
}

// Complete finishes creating the incoming session carried by an
// embryonic connection. Part of the core's SessionLayer contract: a
// false return means the connection was destroyed.
func (r *RelayService) Complete(c *domain.Connection, bit domain.Flags) bool {
	c.Flags.Clear(bit)

	if c.Flags.Has(domain.FlError) {
		r.destroyConn(c, "embryonic session aborted")
		return false
	}

	s, err := newSession(c)
	if err != nil {
		r.log.Warn("Session construction failed", "fd", c.FD, "error", err)
		r.destroyConn(c, "session construction failed")
		return false
	}
	c.Owner = s
	r.sessions[s.ID] = s

	if err := r.startUpstream(s); err != nil {
		r.log.Warn("Upstream setup failed", "session", s.ID, "error", err)
		delete(r.sessions, s.ID)
		r.destroyConn(c, "upstream setup failed")
		return false
	}

	r.log.Debug("Session initialized", "session", s.ID, "client_fd", c.FD)
	return true
}

// Notify pokes the stream interface above c after I/O: tears the
// session down once a leg has errored, and starts piping on the cycle
// where the upstream leg establishes.
func (r *RelayService) Notify(c *domain.Connection) {
	s, ok := c.Owner.(*Session)
	if !ok || s == nil || s.closed {
		return
	}

	if c.Flags.Has(domain.FlError) {
		r.teardown(s, "connection error")
		return
	}

	if !s.started && s.upstreamReady() {
		r.startPiping(s)
	}
}

// startUpstream dials the upstream directly when configured by IP, or
// kicks off an async DNS lookup first.
func (r *RelayService) startUpstream(s *Session) error {
	if r.upstreamIP != nil {
		return r.dialUpstream(s, r.upstreamIP)
	}

	r.log.Debug("Resolving upstream", "host", r.upstreamHost, "session", s.ID)
	return r.resolver.lookup(r.upstreamHost, func(ip net.IP, err error) {
		if s.closed {
			return
		}
		if err != nil {
			r.log.Warn("Upstream resolution failed", "host", r.upstreamHost, "error", err)
			r.teardown(s, "dns resolution failed")
			return
		}
		if err := r.dialUpstream(s, ip); err != nil {
			r.log.Warn("Upstream dial failed", "ip", ip.String(), "error", err)
			r.teardown(s, "upstream dial failed")
		}
	})
}

func (r *RelayService) dialUpstream(s *Session, ip net.IP) error {
	fd, err := network.Dial(ip, r.upstreamPort)
	if err != nil {
		return err
	}

	conn := &domain.Connection{
		FD:    fd,
		Flags: domain.FlWaitL4Conn | domain.FlNotifySI,
		Dst:   &net.TCPAddr{IP: ip, Port: r.upstreamPort},
		Owner: s,
	}
	conn.App = domain.AppCallbacks{Recv: r.connRecv, Send: r.connSend}
	if r.cfg.SendProxy {
		conn.Flags.Set(domain.FlSendProxy)
	}

	// Connect completion is signalled by writability.
	conn.SockWantSend()

	s.Upstream = conn
	if err := r.loop.Add(fd, conn); err != nil {
		s.Upstream = nil
		network.Close(fd)
		return errors.Wrap(err, "failed to register upstream")
	}
	r.core.CondUpdatePolling(conn)

	r.log.Debug("Dialing upstream", "session", s.ID, "ip", ip.String(), "fd", fd)
	return nil
}

// startPiping enables data-phase interest on both legs and drains
// anything buffered while the upstream was connecting.
func (r *RelayService) startPiping(s *Session) {
	s.started = true
	r.log.Debug("Session established", "session", s.ID)

	r.flush(s, &s.toUpstream, s.Upstream)
	r.flush(s, &s.toClient, s.Client)

	s.Client.DataWantRecv()
	s.Upstream.DataWantRecv()
	r.core.CondUpdatePolling(s.Client)
	r.core.CondUpdatePolling(s.Upstream)
}

// connRecv is the data-phase recv callback: drain the socket into the
// direction buffer, then push toward the peer. Never blocks; on a
// full buffer it drops read interest until the peer catches up.
func (r *RelayService) connRecv(c *domain.Connection) {
	s, ok := c.Owner.(*Session)
	if !ok || s == nil || s.closed {
		return
	}
	buf, peer := s.route(c)

	for {
		if len(buf.pending) >= maxBuffered {
			c.DataStopRecv()
			break
		}
		chunk := make([]byte, 8192)
		n, err := unix.Read(c.FD, chunk)
		if n > 0 {
			buf.pending = append(buf.pending, chunk[:n]...)
			continue
		}
		if n == 0 && err == nil {
			// Peer closed.
			c.Flags.Set(domain.FlError)
			break
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			break
		}
		c.Flags.Set(domain.FlError)
		break
	}

	if s.started && peer != nil {
		r.flush(s, buf, peer)
	}
}

// connSend is the data-phase send callback: drain the buffer destined
// for this leg.
func (r *RelayService) connSend(c *domain.Connection) {
	s, ok := c.Owner.(*Session)
	if !ok || s == nil || s.closed {
		return
	}
	if !s.started {
		return
	}
	r.flush(s, s.inbound(c), c)
}

// flush writes buffered bytes into dst, adjusting interest bits on
// both legs: send interest on dst while bytes remain, read interest on
// the source leg once the backlog shrinks.
func (r *RelayService) flush(s *Session, buf *pipeBuf, dst *domain.Connection) {
	if dst == nil || dst.Flags.Has(domain.FlError) {
		return
	}

	for len(buf.pending) > 0 {
		n, err := unix.Write(dst.FD, buf.pending)
		if n > 0 {
			buf.pending = buf.pending[n:]
			continue
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			dst.DataWantSend()
			r.core.CondUpdatePolling(dst)
			return
		}
		dst.Flags.Set(domain.FlError)
		r.loop.Wake(dst.FD)
		return
	}

	dst.DataStopSend()
	r.core.CondUpdatePolling(dst)

	if src := s.peer(dst); src != nil && len(buf.pending) < maxBuffered {
		src.DataWantRecv()
		r.core.CondUpdatePolling(src)
	}
}

// teardown closes both legs and forgets the session. Safe to call
// more than once.
func (r *RelayService) teardown(s *Session, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	delete(r.sessions, s.ID)

	r.log.Info("Closing session", "session", s.ID, "reason", reason)

	if s.Client != nil {
		r.loop.Remove(s.Client.FD)
		network.Close(s.Client.FD)
	}
	if s.Upstream != nil {
		r.loop.Remove(s.Upstream.FD)
		network.Close(s.Upstream.FD)
	}
}

// destroyConn releases a connection that never became part of a
// session.
func (r *RelayService) destroyConn(c *domain.Connection, reason string) {
	r.log.Info("Destroying connection", "fd", c.FD, "reason", reason)
	r.loop.Remove(c.FD)
	network.Close(c.FD)
}

// recvProxyHandshake parses the inbound PROXY header. Incomplete
// input suspends the cycle with read interest at the socket layer;
// malformed input is fatal.
func (r *RelayService) recvProxyHandshake(c *domain.Connection, bit domain.Flags) bool {
	hdr, err := proxyproto.Recv(c.FD)
	if err == proxyproto.ErrNeedMore {
		c.SockStopSend()
		c.SockWantRecv()
		return false
	}
	if err != nil {
		r.log.Warn("PROXY header rejected", "fd", c.FD, "error", err)
		c.Flags.Set(domain.FlError)
		return false
	}

	if hdr.Src != nil {
		c.Src, c.Dst = hdr.Src, hdr.Dst
	}
	c.Flags.Clear(bit)
	c.SockStopRecv()
	return true
}

// sendProxyHandshake emits the outbound PROXY header toward the
// upstream. A successful send doubles as proof that the TCP connect
// finished.
func (r *RelayService) sendProxyHandshake(c *domain.Connection, bit domain.Flags) bool {
	var hdr *proxyproto.Header
	if s, ok := c.Owner.(*Session); ok && s.Client != nil && s.Client.Src != nil {
		hdr = &proxyproto.Header{Src: s.Client.Src, Dst: s.Client.Dst}
	}

	err := proxyproto.Send(c.FD, hdr)
	if err == proxyproto.ErrNeedMore {
		c.SockStopRecv()
		c.SockWantSend()
		return false
	}
	if err != nil {
		r.log.Warn("PROXY header send failed", "fd", c.FD, "error", err)
		c.Flags.Set(domain.FlError)
		return false
	}

	c.Flags.Clear(bit | domain.FlWaitL4Conn)
	c.SockStopSend()
	return true
}
