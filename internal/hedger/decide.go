package hedger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grvt-hedge-bot/internal/config"
	"grvt-hedge-bot/internal/grvt"
)

// dustUSDT is the tolerance under which the two absolute notionals count as
// equal; exchange rounding leaves sub-cent residue that must not keep the
// engine chasing itself.
var dustUSDT = decimal.New(1, -2)

var two = decimal.NewFromInt(2)

const postOnlyRetryDelay = 200 * time.Millisecond

// processSymbol runs one tick for one instrument: reconcile orders, enforce
// caps, then decide whether the smaller side needs a hedge order.
func (e *Engine) processSymbol(ctx context.Context, state *SymbolState, snaps map[Account]*AccountState) SymbolReport {
	symbol := state.Config.Instrument
	for _, account := range bothAccounts {
		e.syncStateOrders(ctx, state, account, snaps[account].OpenOrders[symbol])
	}
	posA := snaps[AccountA].Positions[symbol]
	posB := snaps[AccountB].Positions[symbol]
	absA := posA.AbsNotional
	absB := posB.AbsNotional
	diff := absA.Sub(absB).Abs()
	perAccountCap := 2
	if diff.LessThan(e.cfg.SingleOrderDiffUSDT) {
		perAccountCap = 1
	}
	e.enforceAccountOrderCap(ctx, state, AccountA, perAccountCap)
	e.enforceAccountOrderCap(ctx, state, AccountB, perAccountCap)
	e.checkUnhedged(ctx, state, absA, absB)
	e.decidePlacements(ctx, state, posA, posB, perAccountCap)
	return e.buildReport(state, posA, posB)
}

func (e *Engine) decidePlacements(ctx context.Context, state *SymbolState, posA, posB PositionSnapshot, perAccountCap int) {
	cfg := state.Config
	symbol := cfg.Instrument
	absA := posA.AbsNotional
	absB := posB.AbsNotional
	total := absA.Add(absB)
	diff := absA.Sub(absB).Abs()

	increaseLimitReached := cfg.PositionMode == config.PositionModeIncrease && total.GreaterThanOrEqual(cfg.MaxTotalPositionUSDT)
	decreaseLimitReached := cfg.PositionMode == config.PositionModeDecrease && total.LessThanOrEqual(cfg.MinTotalPositionUSDT)
	if increaseLimitReached {
		e.alerts.Notify(ctx,
			"GRVT max_total_position exceeded "+symbol,
			fmt.Sprintf("mode=increase total=%s max=%s", total, cfg.MaxTotalPositionUSDT),
			"max_total:"+symbol,
			15*time.Minute,
		)
	}
	if decreaseLimitReached {
		e.alerts.Notify(ctx,
			"GRVT min_total_position reached "+symbol,
			fmt.Sprintf("mode=decrease total=%s min=%s", total, cfg.MinTotalPositionUSDT),
			"min_total:"+symbol,
			15*time.Minute,
		)
	}

	if diff.LessThanOrEqual(dustUSDT) {
		// At limits, block expansion-style equal-position re-seeding.
		if increaseLimitReached || decreaseLimitReached {
			return
		}
		sideA, ok := e.decideEqualSides(ctx, state, posA, posB)
		if !ok {
			return
		}
		if e.activeOrderCount(state, AccountA) < perAccountCap {
			e.placePostOnlyWithRetry(ctx, state, AccountA, sideA, nil, cfg.OrderNotionalUSDT)
		}
		if e.activeOrderCount(state, AccountB) < perAccountCap {
			e.placePostOnlyWithRetry(ctx, state, AccountB, sideA.Opposite(), nil, cfg.OrderNotionalUSDT)
		}
		return
	}

	small := AccountA
	largeAbs, smallAbs := absB, absA
	if absA.GreaterThan(absB) {
		small = AccountB
		largeAbs, smallAbs = absA, absB
	}
	side, guard, ok := e.requiredHedgeSideGuard(state, small, posA, posB)
	if !ok {
		return
	}
	activeSmall := e.activeOrderCount(state, small)
	hedgeOpen := e.activeHedgeNotional(state, small, side)
	gap := largeAbs.Sub(smallAbs.Add(hedgeOpen.Div(two)))
	if gap.Sign() <= 0 {
		return
	}
	// Keep filling the small side up to the per-account cap before
	// imbalance_limit suppression kicks in.
	if diff.LessThanOrEqual(cfg.ImbalanceLimitUSDT) && hedgeOpen.Sign() > 0 && activeSmall >= perAccountCap {
		return
	}
	// Above the low-diff threshold with room under the cap, use the standard
	// notional so the second order can be established.
	var orderNotional decimal.Decimal
	if diff.GreaterThanOrEqual(e.cfg.SingleOrderDiffUSDT) && activeSmall < perAccountCap {
		orderNotional = cfg.OrderNotionalUSDT
	} else {
		orderNotional = decimal.Min(cfg.OrderNotionalUSDT, gap.Mul(two))
	}
	if orderNotional.Sign() <= 0 {
		return
	}
	smallPos := posA
	if small == AccountB {
		smallPos = posB
	}
	signedSmall := smallPos.SignedNotional
	otherAbs := total.Sub(signedSmall.Abs())
	bound := cfg.MaxTotalPositionUSDT
	if cfg.PositionMode == config.PositionModeDecrease {
		bound = cfg.MinTotalPositionUSDT
	}
	orderNotional = clipOrderNotionalToTotalBound(side, orderNotional, signedSmall, otherAbs, cfg.PositionMode, bound)
	if orderNotional.Sign() <= 0 {
		return
	}
	if activeSmall >= perAccountCap {
		return
	}
	e.placePostOnlyWithRetry(ctx, state, small, side, guard, orderNotional)
}

// decideEqualSides picks account A's side when positions are balanced.
// Increase mode seeds the configured baseline; decrease mode prefers the sides
// that unwind existing opposite inventory.
func (e *Engine) decideEqualSides(ctx context.Context, state *SymbolState, posA, posB PositionSnapshot) (Side, bool) {
	cfg := state.Config
	baseline := Side(cfg.ASideWhenEqual)
	if cfg.PositionMode == config.PositionModeIncrease {
		return baseline, true
	}
	if posA.AbsNotional.Sign() == 0 && posB.AbsNotional.Sign() == 0 {
		return "", false
	}
	if posA.Size.Sign() > 0 && posB.Size.Sign() < 0 {
		return SideSell, true
	}
	if posA.Size.Sign() < 0 && posB.Size.Sign() > 0 {
		return SideBuy, true
	}
	// Same-direction inventory should not happen; fall back to unwinding the
	// configured baseline and tell the operator.
	if posA.Size.Sign() != 0 && posA.Size.Sign() == posB.Size.Sign() {
		e.alerts.Notify(ctx,
			"GRVT decrease mode direction mismatch "+cfg.Instrument,
			fmt.Sprintf("A.size=%s B.size=%s, fallback to configured baseline", posA.Size, posB.Size),
			"decrease_direction_fallback:"+cfg.Instrument,
			30*time.Minute,
		)
	}
	return baseline.Opposite(), true
}

// requiredHedgeSideGuard determines the small side's order direction and guard
// price. The oldest unmatched lot from the other account wins; without lots the
// larger position's direction and entry price decide.
func (e *Engine) requiredHedgeSideGuard(state *SymbolState, target Account, posA, posB PositionSnapshot) (Side, *decimal.Decimal, bool) {
	for _, lot := range state.Ledger.Lots() {
		if lot.Account == target {
			continue
		}
		guard := lot.Price
		return lot.Side.Opposite(), &guard, true
	}
	larger := posA
	if posB.AbsNotional.GreaterThan(posA.AbsNotional) {
		larger = posB
	}
	var guard *decimal.Decimal
	if larger.EntryPrice.Sign() > 0 {
		entry := larger.EntryPrice
		guard = &entry
	}
	switch larger.Size.Sign() {
	case 1:
		return SideSell, guard, true
	case -1:
		return SideBuy, guard, true
	}
	return "", nil, false
}

// activeHedgeNotional sums the open strategy order notional of one account and
// side, counted at half weight by the caller when projecting the gap.
func (e *Engine) activeHedgeNotional(state *SymbolState, account Account, side Side) decimal.Decimal {
	total := decimal.Zero
	for _, managed := range state.Orders {
		if managed.Account != account || !managed.StrategyOwned || managed.Closed {
			continue
		}
		if managed.Side != side {
			continue
		}
		total = total.Add(managed.NotionalUSDT)
	}
	return total
}

func projectAbsNotional(signed decimal.Decimal, side Side, orderNotional decimal.Decimal) decimal.Decimal {
	if side == SideBuy {
		return signed.Add(orderNotional).Abs()
	}
	return signed.Sub(orderNotional).Abs()
}

// clipOrderNotionalToTotalBound shrinks the order notional in 50 steps until
// the projected combined position respects the mode's total bound. Returns
// zero when even the smallest step would violate it.
func clipOrderNotionalToTotalBound(side Side, orderNotional, signedNotional, otherAbs decimal.Decimal, mode string, bound decimal.Decimal) decimal.Decimal {
	if orderNotional.Sign() <= 0 {
		return decimal.Zero
	}
	const steps = 50
	candidate := orderNotional
	step := orderNotional.Div(decimal.NewFromInt(steps))
	if step.Sign() <= 0 {
		step = orderNotional
	}
	for i := 0; i <= steps; i++ {
		projected := otherAbs.Add(projectAbsNotional(signedNotional, side, candidate))
		if mode == config.PositionModeIncrease {
			if projected.LessThanOrEqual(bound) {
				return candidate
			}
		} else if projected.GreaterThanOrEqual(bound) {
			return candidate
		}
		candidate = candidate.Sub(step)
		if candidate.Sign() <= 0 {
			return decimal.Zero
		}
	}
	return decimal.Zero
}

// placePostOnlyWithRetry reprices at top-of-book and retries through post-only
// rejections. Exhausting the retries puts the account into cooldown.
func (e *Engine) placePostOnlyWithRetry(ctx context.Context, state *SymbolState, account Account, side Side, guard *decimal.Decimal, notional decimal.Decimal) bool {
	symbol := state.Config.Instrument
	now := e.now()
	if until, ok := state.CooldownUntil[account]; ok && now.Before(until) {
		return false
	}
	meta, err := e.ex.Instrument(ctx, symbol)
	if err != nil {
		e.log.Warn("instrument metadata unavailable", zap.String("instrument", symbol), zap.Error(err))
		return false
	}
	for attempt := 1; attempt <= e.cfg.PostOnlyMaxRetry; attempt++ {
		book, err := e.ex.BookTop(ctx, symbol)
		if err != nil {
			e.sleep(ctx, postOnlyRetryDelay)
			continue
		}
		var raw decimal.Decimal
		if side == SideSell {
			raw = book.Ask1
			if guard != nil {
				raw = decimal.Max(raw, *guard)
			}
		} else {
			raw = book.Bid1
			if guard != nil {
				raw = decimal.Min(raw, *guard)
			}
		}
		price := QuantizePrice(raw, meta.TickSize, side)
		if price.Sign() <= 0 {
			continue
		}
		managed, err := e.createOrder(ctx, state, meta, account, side, price, guard, notional)
		if err == nil {
			if managed == nil {
				return false
			}
			state.Orders[managed.OrderID] = managed
			e.metrics.OrdersPlaced.Inc()
			e.journal.Record("place", map[string]any{
				"instrument": symbol,
				"account":    string(account),
				"side":       string(side),
				"price":      managed.Price.String(),
				"notional":   managed.NotionalUSDT.String(),
				"order_id":   managed.OrderID,
			})
			e.log.Info("placed post-only order",
				zap.String("instrument", symbol),
				zap.String("account", string(account)),
				zap.String("side", string(side)),
				zap.String("price", managed.Price.String()),
				zap.String("notional", managed.NotionalUSDT.String()),
			)
			return true
		}
		if grvt.IsPostOnlyRejected(err) {
			e.metrics.PostOnlyRejects.Inc()
			e.log.Debug("post-only reject",
				zap.String("instrument", symbol),
				zap.Int("attempt", attempt),
				zap.Int("max", e.cfg.PostOnlyMaxRetry),
			)
			e.sleep(ctx, postOnlyRetryDelay)
			continue
		}
		e.metrics.OrdersFailed.Inc()
		e.alerts.Notify(ctx,
			"GRVT hedge order failed "+symbol,
			fmt.Sprintf("account=%s side=%s error=%v", account, side, err),
			"order_failed:"+symbol+":"+string(account)+":"+string(side),
			2*time.Minute,
		)
		return false
	}
	state.CooldownUntil[account] = e.now().Add(e.cfg.PostOnlyCooldown)
	e.metrics.CooldownsEngaged.Inc()
	e.alerts.Notify(ctx,
		"GRVT hedge cooldown "+symbol,
		fmt.Sprintf("account=%s post-only failed after %d retries, cooldown %s", account, e.cfg.PostOnlyMaxRetry, e.cfg.PostOnlyCooldown),
		"cooldown:"+symbol+":"+string(account),
		2*time.Minute,
	)
	return false
}

// createOrder sizes, signs and submits one post-only order. A nil order with
// nil error means the notional is below the exchange minimum at this price.
func (e *Engine) createOrder(ctx context.Context, state *SymbolState, meta InstrumentMeta, account Account, side Side, price decimal.Decimal, guard *decimal.Decimal, notional decimal.Decimal) (*ManagedOrder, error) {
	symbol := state.Config.Instrument
	size := SizeFromNotional(notional, price, meta)
	if size.Sign() <= 0 {
		e.log.Debug("order below minimum size",
			zap.String("instrument", symbol),
			zap.String("notional", notional.String()),
			zap.String("price", price.String()),
		)
		return nil, nil
	}
	adjusted := OrderNotional(size, price)
	if adjusted.Sign() <= 0 {
		return nil, nil
	}
	clientOrderID := BuildClientOrderID(account, side)
	orderID, err := e.ex.PlacePostOnly(ctx, account, symbol, side, price, size, clientOrderID)
	if err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, nil
	}
	var guardCopy *decimal.Decimal
	if guard != nil {
		g := *guard
		guardCopy = &g
	}
	return &ManagedOrder{
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		Account:       account,
		Instrument:    symbol,
		Side:          side,
		Price:         price,
		Size:          size,
		NotionalUSDT:  adjusted,
		GuardPrice:    guardCopy,
		CreatedAt:     e.now(),
		StrategyOwned: true,
	}, nil
}
