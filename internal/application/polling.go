package application

import "l4-relay/internal/domain"

// SetPolling reconciles the interest currently registered at the event
// facility with the (Ena, Pol) pairs carried in next. Per direction it
// emits at most one facility call:
//
//   - Poll* when transitioning to the (Ena, Pol)=11 state from
//     anything else,
//   - Want* when Ena goes 0->1 without a new poll edge,
//   - Stop* when Ena goes 1->0.
//
// It then commits the four current-interest bits from next into the
// connection. No other bits are touched, so the reconciler stays
// memoryless across cycles while still producing the minimal set of
// facility operations.
func (h *Core) SetPolling(c *domain.Connection, next domain.Flags) {
	old := c.Flags

	const rdPoll = domain.FlCurrRecvEna | domain.FlCurrRecvPol
	if old&rdPoll != rdPoll && next&rdPoll == rdPoll {
		h.poller.PollRecv(c.FD)
	} else if old&domain.FlCurrRecvEna == 0 && next&domain.FlCurrRecvEna != 0 {
		h.poller.WantRecv(c.FD)
	} else if old&domain.FlCurrRecvEna != 0 && next&domain.FlCurrRecvEna == 0 {
		h.poller.StopRecv(c.FD)
	}

	const wrPoll = domain.FlCurrSendEna | domain.FlCurrSendPol
	if old&wrPoll != wrPoll && next&wrPoll == wrPoll {
		h.poller.PollSend(c.FD)
	} else if old&domain.FlCurrSendEna == 0 && next&domain.FlCurrSendEna != 0 {
		h.poller.WantSend(c.FD)
	} else if old&domain.FlCurrSendEna != 0 && next&domain.FlCurrSendEna == 0 {
		h.poller.StopSend(c.FD)
	}

	c.Flags = (c.Flags &^ domain.FlCurrMask) | (next & domain.FlCurrMask)
}

// CondUpdatePolling derives the wanted (Ena, Pol) pairs from the
// socket- and data-layer desired-interest bits and reconciles them.
// Either layer wanting a direction enables it; either layer wanting a
// poll edge upgrades it.
func (h *Core) CondUpdatePolling(c *domain.Connection) {
	var next domain.Flags

	if c.Flags.HasAny(domain.FlSockRecvEna | domain.FlDataRecvEna) {
		next |= domain.FlCurrRecvEna
	}
	if c.Flags.HasAny(domain.FlSockRecvPol | domain.FlDataRecvPol) {
		next |= domain.FlCurrRecvEna | domain.FlCurrRecvPol
	}
	if c.Flags.HasAny(domain.FlSockSendEna | domain.FlDataSendEna) {
		next |= domain.FlCurrSendEna
	}
	if c.Flags.HasAny(domain.FlSockSendPol | domain.FlDataSendPol) {
		next |= domain.FlCurrSendEna | domain.FlCurrSendPol
	}

	h.SetPolling(c, next)
}
