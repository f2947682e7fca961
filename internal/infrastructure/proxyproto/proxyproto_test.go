package proxyproto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestParseValidHeaders(t *testing.T) {
	tests := []struct {
		line    string
		src     string
		srcPort int
	}{
		{"PROXY TCP4 192.168.0.1 10.0.0.2 56324 443", "192.168.0.1", 56324},
		{"PROXY TCP6 2001:db8::1 2001:db8::2 4242 80", "2001:db8::1", 4242},
	}
	for _, tc := range tests {
		h, err := Parse([]byte(tc.line))
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.src, h.Src.IP.String())
		assert.Equal(t, tc.srcPort, h.Src.Port)
	}
}

func TestParseUnknownCarriesNoAddresses(t *testing.T) {
	h, err := Parse([]byte("PROXY UNKNOWN"))
	require.NoError(t, err)
	assert.Nil(t, h.Src)
	assert.Nil(t, h.Dst)
}

func TestParseRejectsMalformed(t *testing.T) {
	lines := []string{
		"",
		"GET / HTTP/1.0",
		"PROXY",
		"PROXY TCP4 192.168.0.1 10.0.0.2 56324",
		"PROXY TCP4 not-an-ip 10.0.0.2 1 2",
		"PROXY TCP4 2001:db8::1 10.0.0.2 1 2",
		"PROXY TCP9 192.168.0.1 10.0.0.2 1 2",
		"PROXY TCP4 192.168.0.1 10.0.0.2 99999 2",
	}
	for _, line := range lines {
		_, err := Parse([]byte(line))
		assert.Error(t, err, "%q must be rejected", line)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	h := &Header{
		Src: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 1234},
		Dst: &net.TCPAddr{IP: net.ParseIP("10.4.5.6"), Port: 443},
	}
	got, err := Parse([]byte("PROXY TCP4 10.1.2.3 10.4.5.6 1234 443"))
	require.NoError(t, err)
	assert.Equal(t, string(Format(h)), string(Format(got)))
}

func TestFormatNilIsUnknown(t *testing.T) {
	assert.Equal(t, "PROXY UNKNOWN\r\n", string(Format(nil)))
}

func TestRecvNeedsMoreOnEmptySocket(t *testing.T) {
	a, _ := socketPair(t)
	_, err := Recv(a)
	assert.Equal(t, ErrNeedMore, err)
}

func TestRecvNeedsMoreOnPartialHeader(t *testing.T) {
	a, b := socketPair(t)
	_, err := unix.Write(b, []byte("PROXY TCP4 192.168."))
	require.NoError(t, err)

	_, err = Recv(a)
	assert.Equal(t, ErrNeedMore, err)
}

func TestRecvConsumesHeaderOnly(t *testing.T) {
	a, b := socketPair(t)
	_, err := unix.Write(b, []byte("PROXY TCP4 192.168.0.1 10.0.0.2 56324 443\r\npayload"))
	require.NoError(t, err)

	h, err := Recv(a)
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", h.Src.IP.String())
	assert.Equal(t, 443, h.Dst.Port)

	buf := make([]byte, 64)
	n, err := unix.Read(a, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]), "payload after the header must be untouched")
}

func TestRecvRejectsGarbage(t *testing.T) {
	a, b := socketPair(t)
	_, err := unix.Write(b, []byte("GET / HTTP/1.0\r\n"))
	require.NoError(t, err)

	_, err = Recv(a)
	assert.Error(t, err)
	assert.NotEqual(t, ErrNeedMore, err)
}

func TestRecvRejectsOverlongHeader(t *testing.T) {
	a, b := socketPair(t)
	long := make([]byte, maxV1Len+8)
	for i := range long {
		long[i] = 'x'
	}
	_, err := unix.Write(b, long)
	require.NoError(t, err)

	_, err = Recv(a)
	assert.Error(t, err)
	assert.NotEqual(t, ErrNeedMore, err)
}

func TestSendDeliversHeader(t *testing.T) {
	a, b := socketPair(t)
	h := &Header{
		Src: &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 1234},
		Dst: &net.TCPAddr{IP: net.ParseIP("10.4.5.6"), Port: 443},
	}
	require.NoError(t, Send(a, h))

	buf := make([]byte, 128)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "PROXY TCP4 10.1.2.3 10.4.5.6 1234 443\r\n", string(buf[:n]))
}
