package hedger

import (
	"sort"

	"github.com/shopspring/decimal"
)

type queueKey struct {
	account Account
	side    Side
}

// Ledger holds the unmatched fill lots of one instrument as four FIFO queues
// keyed by (account, side). Insertion order is tracked globally so matching is
// oldest-first across queues.
type Ledger struct {
	queues  map[queueKey][]*FillLot
	nextSeq uint64
}

func NewLedger() *Ledger {
	return &Ledger{queues: make(map[queueKey][]*FillLot)}
}

// MatchEvent records one lot pairing for journaling and metrics.
type MatchEvent struct {
	BuyAccount  Account
	SellAccount Account
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	Notional    decimal.Decimal
}

func (l *Ledger) Add(lot *FillLot) {
	if lot == nil || lot.RemainingNotional.Sign() <= 0 {
		return
	}
	lot.seq = l.nextSeq
	l.nextSeq++
	key := queueKey{account: lot.Account, side: lot.Side}
	l.queues[key] = append(l.queues[key], lot)
}

// Lots returns every unmatched lot, oldest first.
func (l *Ledger) Lots() []*FillLot {
	var out []*FillLot
	for _, queue := range l.queues {
		out = append(out, queue...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// OldestOpposing returns the oldest unmatched lot held by the other account,
// or nil. It drives the small side's direction and guard price.
func (l *Ledger) OldestOpposing(account Account) *FillLot {
	var best *FillLot
	for _, side := range []Side{SideBuy, SideSell} {
		queue := l.queues[queueKey{account: account.Other(), side: side}]
		if len(queue) == 0 {
			continue
		}
		if best == nil || queue[0].seq < best.seq {
			best = queue[0]
		}
	}
	return best
}

func (l *Ledger) Empty() bool {
	for _, queue := range l.queues {
		if len(queue) > 0 {
			return false
		}
	}
	return true
}

// Match pairs lots across accounts until no admissible pair remains. A pair is
// admissible when the accounts differ, the sides differ and the sell lot's
// guard is at or above the buy lot's guard. Pairing is oldest-first; among
// equally old counterparts the one with more protection margin wins.
func (l *Ledger) Match() []MatchEvent {
	var events []MatchEvent
	for {
		lot, counter := l.findPair()
		if lot == nil {
			return events
		}
		matched := decimal.Min(lot.RemainingNotional, counter.RemainingNotional)
		lot.RemainingNotional = lot.RemainingNotional.Sub(matched)
		counter.RemainingNotional = counter.RemainingNotional.Sub(matched)
		buy, sell := lot, counter
		if buy.Side == SideSell {
			buy, sell = sell, buy
		}
		events = append(events, MatchEvent{
			BuyAccount:  buy.Account,
			SellAccount: sell.Account,
			BuyPrice:    buy.Price,
			SellPrice:   sell.Price,
			Notional:    matched,
		})
		l.compact()
	}
}

func (l *Ledger) findPair() (*FillLot, *FillLot) {
	for _, lot := range l.Lots() {
		counter := l.bestCounterpart(lot)
		if counter != nil {
			return lot, counter
		}
	}
	return nil, nil
}

func (l *Ledger) bestCounterpart(lot *FillLot) *FillLot {
	queue := l.queues[queueKey{account: lot.Account.Other(), side: lot.Side.Opposite()}]
	var best *FillLot
	for _, cand := range queue {
		if !guardHolds(lot, cand) {
			continue
		}
		if best == nil {
			best = cand
			continue
		}
		if cand.CreatedAt.Before(best.CreatedAt) {
			best = cand
			continue
		}
		if cand.CreatedAt.Equal(best.CreatedAt) && moreProtective(lot.Side, cand, best) {
			best = cand
		}
	}
	return best
}

// guardHolds checks the non-loss inequality: the hedge sell must execute at or
// above the buy lot's guard price.
func guardHolds(a, b *FillLot) bool {
	buy, sell := a, b
	if buy.Side == SideSell {
		buy, sell = sell, buy
	}
	return sell.Price.GreaterThanOrEqual(buy.Price)
}

// moreProtective prefers the counterpart that leaves the larger protection
// margin against a lot of the given side.
func moreProtective(lotSide Side, cand, best *FillLot) bool {
	if lotSide == SideBuy {
		// Counterparts are sells; a higher sell guard protects more.
		return cand.Price.GreaterThan(best.Price)
	}
	return cand.Price.LessThan(best.Price)
}

func (l *Ledger) compact() {
	for key, queue := range l.queues {
		kept := queue[:0]
		for _, lot := range queue {
			if lot.RemainingNotional.Sign() > 0 {
				kept = append(kept, lot)
			}
		}
		if len(kept) == 0 {
			delete(l.queues, key)
			continue
		}
		l.queues[key] = kept
	}
}
