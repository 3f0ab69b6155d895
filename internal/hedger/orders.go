package hedger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	StatusOpen      = "OPEN"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
)

// An order still carrying a provisional id after this long is presumed lost.
const provisionalOrderTimeout = 60 * time.Second

// Staleness bounds for counting managed orders as active: orders last seen
// this long ago, or never seen and older than the never-seen bound, stop
// counting against caps and hedge-open notional.
const (
	staleLastSeen  = time.Hour
	staleNeverSeen = 10 * time.Minute
)

// syncStateOrders reconciles one account's live open orders against the
// managed set: adopts strategy orders placed before a restart, resolves
// provisional order ids, applies fill deltas and closes orders that left the
// book. Foreign orders are alerted once and never touched.
func (e *Engine) syncStateOrders(ctx context.Context, state *SymbolState, account Account, live []OrderSnapshot) {
	now := e.now()
	symbol := state.Config.Instrument
	liveIDs := make(map[string]struct{}, len(live))
	for _, snap := range live {
		if snap.OrderID == "" {
			continue
		}
		liveIDs[snap.OrderID] = struct{}{}
		if !IsStrategyClientOrderID(snap.ClientOrderID) {
			if !state.ForeignSeen[account] {
				state.ForeignSeen[account] = true
				e.alerts.Notify(ctx,
					"GRVT non-strategy order detected "+symbol,
					fmt.Sprintf("account=%s order_id=%s preserved and ignored by strategy", account, snap.OrderID),
					"non_strategy:"+symbol+":"+string(account),
					time.Hour,
				)
			}
			continue
		}
		managed := state.Orders[snap.OrderID]
		if managed == nil && snap.ClientOrderID != "" {
			managed = e.resolveProvisional(state, account, snap.ClientOrderID, snap.OrderID)
		}
		if managed == nil {
			managed = &ManagedOrder{
				OrderID:       snap.OrderID,
				ClientOrderID: snap.ClientOrderID,
				Account:       account,
				Instrument:    symbol,
				Side:          snap.Side,
				Price:         snap.LimitPrice,
				Size:          snap.Size,
				NotionalUSDT:  OrderNotional(snap.Size, snap.LimitPrice),
				CreatedAt:     now,
				StrategyOwned: true,
			}
			state.Orders[snap.OrderID] = managed
			e.log.Info("adopted strategy order",
				zap.String("instrument", symbol),
				zap.String("account", string(account)),
				zap.String("order_id", snap.OrderID),
			)
		}
		managed.LastSeenAt = now
		managed.Closed = false
		managed.Side = snap.Side
		managed.Price = snap.LimitPrice
		managed.Size = snap.Size
		managed.NotionalUSDT = OrderNotional(snap.Size, snap.LimitPrice)
		e.processFillDelta(state, managed, snap)
	}
	for orderID, managed := range state.Orders {
		if managed.Account != account || managed.Closed {
			continue
		}
		if IsPlaceholderOrderID(orderID) {
			if now.Sub(managed.CreatedAt) > provisionalOrderTimeout {
				managed.Closed = true
				managed.CloseReason = "PROVISIONAL_TIMEOUT"
			}
			continue
		}
		if _, ok := liveIDs[orderID]; ok {
			continue
		}
		snap, err := e.ex.GetOrder(ctx, account, orderID)
		if err != nil {
			continue
		}
		e.processFillDelta(state, managed, snap)
		switch snap.Status {
		case StatusFilled, StatusCancelled, StatusRejected:
			managed.Closed = true
			managed.CloseReason = snap.Status
		}
	}
}

// resolveProvisional rewires a managed order that still carries a provisional
// order id onto the real exchange id, matched by client order id.
func (e *Engine) resolveProvisional(state *SymbolState, account Account, clientOrderID, orderID string) *ManagedOrder {
	for oldID, managed := range state.Orders {
		if managed.Account != account || managed.ClientOrderID != clientOrderID {
			continue
		}
		if !IsPlaceholderOrderID(managed.OrderID) {
			continue
		}
		managed.OrderID = orderID
		state.Orders[orderID] = managed
		delete(state.Orders, oldID)
		return managed
	}
	return nil
}

// processFillDelta turns newly traded size into a fill lot at the order's
// limit price. Partially filled orders still on the book are held back until
// the partial-fill timeout so a single fill is booked as one lot, not many.
func (e *Engine) processFillDelta(state *SymbolState, managed *ManagedOrder, snap OrderSnapshot) {
	traded := snap.TradedSize
	if traded.LessThanOrEqual(managed.AppliedTradedSize) {
		return
	}
	now := e.now()
	partialOpen := snap.Status == StatusOpen && snap.BookSize.Sign() > 0 && traded.LessThan(managed.Size)
	if partialOpen {
		if managed.PartialSince.IsZero() {
			managed.PartialSince = now
		}
		if now.Sub(managed.PartialSince) < e.cfg.PartialFillTimeout {
			return
		}
	}
	delta := traded.Sub(managed.AppliedTradedSize)
	if delta.Sign() > 0 && managed.Price.Sign() > 0 {
		notional := OrderNotional(delta, managed.Price)
		if notional.Sign() > 0 {
			lot := &FillLot{
				Account:           managed.Account,
				Side:              managed.Side,
				Price:             managed.Price,
				RemainingNotional: notional,
				CreatedAt:         now,
			}
			state.Ledger.Add(lot)
			e.journal.Record("fill", map[string]any{
				"instrument": managed.Instrument,
				"account":    string(managed.Account),
				"side":       string(managed.Side),
				"price":      managed.Price.String(),
				"notional":   notional.String(),
				"order_id":   managed.OrderID,
			})
			e.log.Info("fill booked",
				zap.String("instrument", managed.Instrument),
				zap.String("account", string(managed.Account)),
				zap.String("side", string(managed.Side)),
				zap.String("price", managed.Price.String()),
				zap.String("notional", notional.String()),
			)
			e.matchLedger(state)
		}
	}
	managed.AppliedTradedSize = traded
	switch snap.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		managed.Closed = true
		managed.CloseReason = snap.Status
	}
}

// matchLedger runs cross-account pairing and records the outcome.
func (e *Engine) matchLedger(state *SymbolState) {
	events := state.Ledger.Match()
	for _, ev := range events {
		e.metrics.LotsMatched.Inc()
		e.journal.Record("match", map[string]any{
			"instrument":   state.Config.Instrument,
			"buy_account":  string(ev.BuyAccount),
			"sell_account": string(ev.SellAccount),
			"buy_price":    ev.BuyPrice.String(),
			"sell_price":   ev.SellPrice.String(),
			"notional":     ev.Notional.String(),
		})
		e.log.Info("lots matched",
			zap.String("instrument", state.Config.Instrument),
			zap.String("buy_account", string(ev.BuyAccount)),
			zap.String("sell_account", string(ev.SellAccount)),
			zap.String("buy_price", ev.BuyPrice.String()),
			zap.String("sell_price", ev.SellPrice.String()),
			zap.String("notional", ev.Notional.String()),
		)
	}
}

// activeStrategyOrders returns the strategy-owned, not-closed, not-stale
// managed orders of one instrument.
func (e *Engine) activeStrategyOrders(state *SymbolState) []*ManagedOrder {
	now := e.now()
	var out []*ManagedOrder
	for _, managed := range state.Orders {
		if !managed.StrategyOwned || managed.Closed {
			continue
		}
		if !managed.LastSeenAt.IsZero() && now.Sub(managed.LastSeenAt) > staleLastSeen {
			continue
		}
		// Fresh orders may not be in the open-orders snapshot yet; still count them.
		if managed.LastSeenAt.IsZero() && now.Sub(managed.CreatedAt) > staleNeverSeen {
			continue
		}
		out = append(out, managed)
	}
	return out
}

func (e *Engine) activeOrderCount(state *SymbolState, account Account) int {
	n := 0
	for _, managed := range e.activeStrategyOrders(state) {
		if managed.Account == account {
			n++
		}
	}
	return n
}

// cancelManagedOrder cancels one managed order; on success it is closed with
// the given reason.
func (e *Engine) cancelManagedOrder(ctx context.Context, state *SymbolState, managed *ManagedOrder, reason string) bool {
	if err := e.ex.Cancel(ctx, managed.Account, managed.OrderID); err != nil {
		e.log.Warn("cancel failed",
			zap.String("instrument", state.Config.Instrument),
			zap.String("account", string(managed.Account)),
			zap.String("order_id", managed.OrderID),
			zap.Error(err),
		)
		return false
	}
	managed.Closed = true
	managed.CloseReason = reason
	e.metrics.OrdersCancelled.Inc()
	e.journal.Record("cancel", map[string]any{
		"instrument": state.Config.Instrument,
		"account":    string(managed.Account),
		"order_id":   managed.OrderID,
		"reason":     reason,
	})
	return true
}

// enforceAccountOrderCap cancels the oldest strategy orders above the cap,
// keeping the most recent intention.
func (e *Engine) enforceAccountOrderCap(ctx context.Context, state *SymbolState, account Account, maxOrders int) {
	var active []*ManagedOrder
	for _, managed := range e.activeStrategyOrders(state) {
		if managed.Account == account {
			active = append(active, managed)
		}
	}
	if len(active) <= maxOrders {
		return
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	for _, managed := range active[:len(active)-maxOrders] {
		if e.cancelManagedOrder(ctx, state, managed, "low_diff_account_order_cap") {
			e.log.Info("cancelled extra strategy order over account cap",
				zap.String("instrument", state.Config.Instrument),
				zap.String("account", string(account)),
				zap.String("order_id", managed.OrderID),
			)
		}
	}
}
