package application

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"l4-relay/internal/domain"
)

func TestSetPollingNoChangeIssuesNothing(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 7, Flags: domain.FlCurrRecvEna | domain.FlCurrSendEna}

	core.SetPolling(c, c.Flags&domain.FlCurrMask)

	assert.Empty(t, p.calls)
}

func TestSetPollingIsIdempotent(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 7}
	next := domain.FlCurrRecvEna | domain.FlCurrSendEna

	core.SetPolling(c, next)
	first := len(p.calls)
	core.SetPolling(c, next)

	assert.Equal(t, []string{"want_recv", "want_send"}, p.calls[:first])
	assert.Len(t, p.calls, first, "second identical reconcile must be silent")
}

func TestSetPollingEnableDisable(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 3}

	core.SetPolling(c, domain.FlCurrRecvEna)
	assert.Equal(t, []string{"want_recv"}, p.calls)
	assert.True(t, c.Flags.Has(domain.FlCurrRecvEna))

	p.reset()
	core.SetPolling(c, 0)
	assert.Equal(t, []string{"stop_recv"}, p.calls)
	assert.False(t, c.Flags.HasAny(domain.FlCurrMask))
}

// Interest-edge minimality: upgrading an already enabled direction to
// the poll state must issue exactly one poll call and nothing on the
// other direction.
func TestSetPollingPollUpgrade(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 5, Flags: domain.FlCurrRecvEna}

	core.SetPolling(c, domain.FlCurrRecvEna|domain.FlCurrRecvPol)

	assert.Equal(t, []string{"poll_recv"}, p.calls)
	assert.True(t, c.Flags.Has(domain.FlCurrRecvEna|domain.FlCurrRecvPol))
}

func TestSetPollingPollFromAbsent(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 5}

	core.SetPolling(c, domain.FlCurrSendEna|domain.FlCurrSendPol)

	assert.Equal(t, []string{"poll_send"}, p.calls)
}

func TestSetPollingCommitsOnlyCurrentBits(t *testing.T) {
	core, _, _ := newTestCore()
	c := &domain.Connection{FD: 5, Flags: domain.FlConnected | domain.FlNotifySI}

	core.SetPolling(c, domain.FlCurrRecvEna|domain.FlError)

	assert.True(t, c.Flags.Has(domain.FlConnected|domain.FlNotifySI))
	assert.True(t, c.Flags.Has(domain.FlCurrRecvEna))
	assert.False(t, c.Flags.Has(domain.FlError), "non-interest bits of next must not leak")
}

func TestCondUpdatePollingMergesLayers(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 9}
	c.SockWantRecv()
	c.DataWantSend()

	core.CondUpdatePolling(c)

	assert.ElementsMatch(t, []string{"want_recv", "want_send"}, p.calls)

	p.reset()
	c.SockStopRecv()
	core.CondUpdatePolling(c)
	assert.Equal(t, []string{"stop_recv"}, p.calls)
}

func TestCondUpdatePollingPollUpgradesEna(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 9}
	c.DataPollRecv()

	core.CondUpdatePolling(c)

	assert.Equal(t, []string{"poll_recv"}, p.calls)
}

// The registered state implied by the emitted call stream must always
// match the committed current-interest bits, whatever the sequence of
// reconciles.
func TestReconcileTracksFacilityState(t *testing.T) {
	core, p, _ := newTestCore()
	c := &domain.Connection{FD: 11}
	rng := rand.New(rand.NewSource(42))

	rdOn, wrOn := false, false
	for i := 0; i < 500; i++ {
		var next domain.Flags
		if rng.Intn(2) == 1 {
			next |= domain.FlCurrRecvEna
		}
		if rng.Intn(4) == 0 {
			next |= domain.FlCurrRecvEna | domain.FlCurrRecvPol
		}
		if rng.Intn(2) == 1 {
			next |= domain.FlCurrSendEna
		}
		if rng.Intn(4) == 0 {
			next |= domain.FlCurrSendEna | domain.FlCurrSendPol
		}

		p.reset()
		core.SetPolling(c, next)

		for _, call := range p.calls {
			switch call {
			case "want_recv", "poll_recv":
				rdOn = true
			case "stop_recv":
				rdOn = false
			case "want_send", "poll_send":
				wrOn = true
			case "stop_send":
				wrOn = false
			}
		}

		assert.Equal(t, rdOn, c.Flags.Has(domain.FlCurrRecvEna), "iteration %d", i)
		assert.Equal(t, wrOn, c.Flags.Has(domain.FlCurrSendEna), "iteration %d", i)
		assert.Equal(t, next&domain.FlCurrMask, c.Flags&domain.FlCurrMask, "iteration %d", i)
	}
}
