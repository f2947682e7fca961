// Package proxyproto reads and writes version 1 of the PROXY protocol
// header. It sits below the handshake-handler callback boundary: the
// connection core never sees a header, only done / needs-more /
// failed.
package proxyproto

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxV1Len is the longest possible v1 header including CRLF.
const maxV1Len = 107

var crlf = []byte("\r\n")

// ErrNeedMore reports that the socket did not yet hold a complete
// header; the caller should keep read (or write) interest and retry on
// the next readiness edge.
var ErrNeedMore = errors.New("proxyproto: incomplete header")

// Header carries the original client addresses. Src and Dst are nil
// for a "PROXY UNKNOWN" header.
type Header struct {
	Src *net.TCPAddr
	Dst *net.TCPAddr
}

// Format renders the wire form of h. A nil header or one without
// addresses renders as UNKNOWN.
func Format(h *Header) []byte {
	if h == nil || h.Src == nil || h.Dst == nil {
		return []byte("PROXY UNKNOWN\r\n")
	}
	family := "TCP4"
	if h.Src.IP.To4() == nil {
		family = "TCP6"
	}
	return []byte(fmt.Sprintf("PROXY %s %s %s %d %d\r\n",
		family, h.Src.IP.String(), h.Dst.IP.String(), h.Src.Port, h.Dst.Port))
}

// Parse decodes one header line, without the trailing CRLF.
func Parse(line []byte) (*Header, error) {
	fields := bytes.Fields(line)
	if len(fields) < 2 || string(fields[0]) != "PROXY" {
		return nil, errors.Errorf("proxyproto: malformed header [%q]", line)
	}

	switch string(fields[1]) {
	case "UNKNOWN":
		// Valid, but carries no addresses.
		return &Header{}, nil
	case "TCP4", "TCP6":
	default:
		return nil, errors.Errorf("proxyproto: unsupported family [%q]", fields[1])
	}

	if len(fields) != 6 {
		return nil, errors.Errorf("proxyproto: malformed header [%q]", line)
	}

	srcIP := net.ParseIP(string(fields[2]))
	dstIP := net.ParseIP(string(fields[3]))
	if srcIP == nil || dstIP == nil {
		return nil, errors.Errorf("proxyproto: bad address in header [%q]", line)
	}
	v4 := string(fields[1]) == "TCP4"
	if v4 != (srcIP.To4() != nil) || v4 != (dstIP.To4() != nil) {
		return nil, errors.Errorf("proxyproto: family mismatch in header [%q]", line)
	}

	srcPort, err1 := strconv.Atoi(string(fields[4]))
	dstPort, err2 := strconv.Atoi(string(fields[5]))
	if err1 != nil || err2 != nil ||
		srcPort < 0 || srcPort > 65535 || dstPort < 0 || dstPort > 65535 {
		return nil, errors.Errorf("proxyproto: bad port in header [%q]", line)
	}

	return &Header{
		Src: &net.TCPAddr{IP: srcIP, Port: srcPort},
		Dst: &net.TCPAddr{IP: dstIP, Port: dstPort},
	}, nil
}

// Recv reads one complete header off fd without consuming past it: a
// peek first, then a drain of exactly the header bytes once a full
// line is present. ErrNeedMore means try again on the next edge; any
// other error is fatal for the connection.
func Recv(fd int) (*Header, error) {
	buf := make([]byte, maxV1Len)
	n, _, err := unix.Recvfrom(fd, buf, unix.MSG_PEEK)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, ErrNeedMore
	}
	if err != nil {
		return nil, errors.Wrap(err, "proxyproto: peek")
	}
	if n == 0 {
		return nil, errors.New("proxyproto: connection closed before header")
	}

	idx := bytes.Index(buf[:n], crlf)
	if idx < 0 {
		if n >= maxV1Len {
			return nil, errors.New("proxyproto: header too long")
		}
		return nil, ErrNeedMore
	}

	h, err := Parse(buf[:idx])
	if err != nil {
		return nil, err
	}

	// The peeked bytes are known to be present, so this consumes the
	// header in one read.
	if _, err := unix.Read(fd, buf[:idx+len(crlf)]); err != nil {
		return nil, errors.Wrap(err, "proxyproto: drain")
	}
	return h, nil
}

// Send writes the header for h to fd in one shot. ErrNeedMore covers
// both a full socket buffer and a connect still in flight; the header
// always fits a socket buffer, so a short write is an error.
func Send(fd int, h *Header) error {
	b := Format(h)
	n, err := unix.Write(fd, b)
	if err == unix.EAGAIN || err == unix.ENOTCONN || err == unix.EINTR {
		return ErrNeedMore
	}
	if err != nil {
		return errors.Wrap(err, "proxyproto: send")
	}
	if n < len(b) {
		return errors.Errorf("proxyproto: short header write (%d of %d)", n, len(b))
	}
	return nil
}
