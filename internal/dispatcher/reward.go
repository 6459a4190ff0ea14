package dispatcher

import (
	"strings"
	"sync"
)

// PayoutLedger accumulates each payout address's share of accepted blocks.
// Actual payment issuance is a payment-queue detail spec.md §4.6 leaves to
// an external payout component; the ledger's job stops at tracking the
// balance that component would eventually pay out once it crosses
// PayoutThreshold.
type PayoutLedger struct {
	mu              sync.Mutex
	balances        map[string]uint64
	PayoutThreshold uint64
}

// NewPayoutLedger creates a ledger with the given per-miner payout
// threshold (0 disables thresholding: every credit is immediately
// "payable").
func NewPayoutLedger(threshold uint64) *PayoutLedger {
	return &PayoutLedger{
		balances:        make(map[string]uint64),
		PayoutThreshold: threshold,
	}
}

// Credit adds amount to addr's accumulated balance.
func (l *PayoutLedger) Credit(addr string, amount uint64) {
	if amount == 0 || addr == "" {
		return
	}
	l.mu.Lock()
	l.balances[addr] += amount
	l.mu.Unlock()
}

// Balance returns addr's current accumulated balance.
func (l *PayoutLedger) Balance(addr string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// Payable returns addresses whose balance has crossed PayoutThreshold,
// alongside the amount due, without clearing them — the external payout
// component calls MarkPaid once it has actually issued the payment.
func (l *PayoutLedger) Payable() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64)
	for addr, bal := range l.balances {
		if l.PayoutThreshold == 0 || bal >= l.PayoutThreshold {
			out[addr] = bal
		}
	}
	return out
}

// MarkPaid zeroes addr's balance after an external payout component has
// issued payment.
func (l *PayoutLedger) MarkPaid(addr string) {
	l.mu.Lock()
	delete(l.balances, addr)
	l.mu.Unlock()
}

// distributeReward splits blockReward across sessions in proportion to
// their accepted-share count within the active payout window (spec.md
// §4.6 "Reward attribution"), deducting poolFeePercent first. Sessions are
// reset to a zero window count as a side effect, matching "shares are
// reset at payout".
func distributeReward(sessions []*Session, blockReward uint64, poolFeePercent float64, ledger *PayoutLedger) {
	if blockReward == 0 {
		return
	}
	var totalShares uint64
	for _, s := range sessions {
		totalShares += s.WindowShares
	}
	if totalShares == 0 {
		return
	}

	fee := uint64(float64(blockReward) * poolFeePercent / 100)
	distributable := blockReward
	if fee < distributable {
		distributable -= fee
	} else {
		distributable = 0
	}

	for _, s := range sessions {
		if s.WindowShares == 0 {
			continue
		}
		addr := payoutAddress(s.PayoutAddr)
		portion := distributable * s.WindowShares / totalShares
		ledger.Credit(addr, portion)
		s.ResetWindow()
	}
}

// payoutAddress extracts the address portion of a worker name of the
// conventional "<address>.<rig-name>" shape, falling back to the whole
// string when there is no rig suffix.
func payoutAddress(worker string) string {
	if idx := strings.IndexByte(worker, '.'); idx > 0 {
		return worker[:idx]
	}
	return worker
}
