package network

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"l4-relay/internal/domain"
)

// ListenTCP opens a non-blocking listening socket on port.
func ListenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "setsockopt")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "set nonblock")
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return 0, errors.Wrapf(err, "bind port %d", port)
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "listen")
	}

	return fd, nil
}

// BindUDP opens a non-blocking UDP socket, used by the resolver.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "set nonblock")
	}
	return fd, nil
}

// Accept takes one pending connection off a listening socket and
// returns its descriptor plus the peer and local addresses.
func Accept(lfd int) (int, *net.TCPAddr, *net.TCPAddr, error) {
	nfd, sa, err := unix.Accept(lfd)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "accept")
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return 0, nil, nil, errors.Wrap(err, "set nonblock")
	}

	src := sockaddrToTCP(sa)
	var dst *net.TCPAddr
	if local, err := unix.Getsockname(nfd); err == nil {
		dst = sockaddrToTCP(local)
	}
	return nfd, src, dst, nil
}

// Dial starts a non-blocking connect toward ip:port. The returned
// descriptor is typically still connecting (EINPROGRESS); callers
// confirm establishment through ConnectProbe.
func Dial(ip net.IP, port int) (int, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, errors.Errorf("not an IPv4 address [%v]", ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "set nonblock")
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], v4)

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, errors.Wrapf(err, "connect %v:%d", ip, port)
	}
	return fd, nil
}

// ConnectProbe checks whether an in-flight connect has completed. It
// latches the error flag itself when the socket is dead, clears the
// L4 wait state and drops the connect-completion write interest on
// success, and reports false while the connect is still pending.
func ConnectProbe(c *domain.Connection) bool {
	v, err := unix.GetsockoptInt(c.FD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || v != 0 {
		c.Flags.Set(domain.FlError)
		return false
	}

	if _, err := unix.Getpeername(c.FD); err != nil {
		if err == unix.ENOTCONN {
			return false // still in flight
		}
		c.Flags.Set(domain.FlError)
		return false
	}

	c.Flags.Clear(domain.FlWaitL4Conn)
	c.SockStopSend()
	return true
}

// Close releases a descriptor, ignoring errors: the caller is done
// with it either way.
func Close(fd int) {
	if fd > 0 {
		unix.Close(fd)
	}
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}
