package application

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"l4-relay/internal/infrastructure/network"
)

// resolveCB receives the answer of an async lookup; exactly one of ip
// and err is meaningful.
type resolveCB func(ip net.IP, err error)

// resolver performs A lookups over a non-blocking UDP socket owned by
// the event loop, so hostname resolution never stalls a readiness
// cycle.
type resolver struct {
	log     *slog.Logger
	fd      int
	server  *unix.SockaddrInet4
	nextID  uint16
	pending map[uint16]resolveCB
}

func newResolver(log *slog.Logger, server string) (*resolver, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid dns server [%v]", server)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Errorf("invalid dns server port [%v]", portStr)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, errors.Errorf("dns server must be an IPv4 address [%v]", host)
	}

	fd, err := network.BindUDP()
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())

	return &resolver{
		log:     log,
		fd:      fd,
		server:  sa,
		nextID:  1,
		pending: make(map[uint16]resolveCB),
	}, nil
}

// lookup sends an A query for host; cb fires from the loop thread when
// the response event arrives.
func (r *resolver) lookup(host string, cb resolveCB) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	m.Id = r.nextID
	r.nextID++

	packed, err := m.Pack()
	if err != nil {
		return errors.Wrapf(err, "failed to pack query for [%v]", host)
	}

	if err := unix.Sendto(r.fd, packed, 0, r.server); err != nil {
		return errors.Wrap(err, "dns send failed")
	}

	r.pending[m.Id] = cb
	return nil
}

// process drains one response from the resolver socket and completes
// the matching lookup.
func (r *resolver) process() {
	buf := make([]byte, 512)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf[:n]); err != nil {
		r.log.Error("Failed to unpack DNS response", "error", err)
		return
	}

	cb, exists := r.pending[msg.Id]
	if !exists {
		return
	}
	delete(r.pending, msg.Id)

	for _, ans := range msg.Answer {
		if a, ok := ans.(*dns.A); ok {
			r.log.Debug("DNS resolved", "ip", a.A.String())
			cb(a.A, nil)
			return
		}
	}
	cb(nil, errors.New("resolution returned no A records"))
}
