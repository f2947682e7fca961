package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandshakeIsDerivedFromKindBits(t *testing.T) {
	var f Flags
	assert.False(t, f.Handshake())

	f.Set(FlAcceptProxy)
	assert.True(t, f.Handshake())

	f.Set(FlSendProxy)
	f.Clear(FlAcceptProxy)
	assert.True(t, f.Handshake())

	f.Clear(FlSendProxy)
	assert.False(t, f.Handshake(), "no kind bit set implies no handshake")
}

func TestPollSockComposite(t *testing.T) {
	var f Flags
	assert.False(t, f.PollSock())

	f.Set(FlWaitL4Conn)
	assert.True(t, f.PollSock())
	f.Clear(FlWaitL4Conn)

	f.Set(FlAcceptProxy)
	assert.True(t, f.PollSock())
	f.Clear(FlAcceptProxy)

	f.Set(FlPollSock)
	assert.True(t, f.PollSock())
}

func TestFlagGroupsAreDisjoint(t *testing.T) {
	assert.Zero(t, FlHandshakeMask&FlSockMask)
	assert.Zero(t, FlHandshakeMask&FlDataMask)
	assert.Zero(t, FlHandshakeMask&FlCurrMask)
	assert.Zero(t, FlSockMask&FlDataMask)
	assert.Zero(t, FlSockMask&FlCurrMask)
	assert.Zero(t, FlDataMask&FlCurrMask)
}

func TestInterestHelpers(t *testing.T) {
	c := &Connection{}

	c.SockPollRecv()
	assert.True(t, c.Flags.Has(FlSockRecvEna|FlSockRecvPol))

	c.DataWantSend()
	c.SockStopBoth()
	assert.False(t, c.Flags.HasAny(FlSockMask))
	assert.True(t, c.Flags.Has(FlDataSendEna), "socket-layer stop leaves data layer alone")

	c.DataStopSend()
	assert.False(t, c.Flags.HasAny(FlDataMask))
}

func TestHasAndHasAny(t *testing.T) {
	f := FlError | FlConnected
	assert.True(t, f.Has(FlError))
	assert.True(t, f.Has(FlError|FlConnected))
	assert.False(t, f.Has(FlError|FlInitSess))
	assert.True(t, f.HasAny(FlError|FlInitSess))
	assert.False(t, f.HasAny(FlInitSess|FlNotifySI))
}
