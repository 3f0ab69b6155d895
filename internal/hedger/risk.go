package hedger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// mmrCheck alerts when maintenance margin consumes too much of an account's
// equity. Summary is nil when the query failed this tick.
func (e *Engine) mmrCheck(ctx context.Context, account Account, summary *AccountSummary) {
	if summary == nil || summary.Equity.Sign() <= 0 {
		return
	}
	ratio := summary.MaintenanceMargin.Div(summary.Equity)
	if ratio.LessThan(e.cfg.MMRAlertThreshold) {
		return
	}
	e.alerts.Notify(ctx,
		fmt.Sprintf("GRVT account %s MMR ALERT %s%%", account, ratio.Mul(hundred).StringFixed(2)),
		fmt.Sprintf("maintenance_margin=%s equity=%s threshold=%s",
			summary.MaintenanceMargin, summary.Equity, e.cfg.MMRAlertThreshold),
		"mmr:"+string(account),
		30*time.Minute,
	)
}

var hundred = decimal.NewFromInt(100)

// checkUnhedged tracks how long the two sides have been unequal and alerts
// once when the stuck threshold is crossed. Balance resets the clock.
func (e *Engine) checkUnhedged(ctx context.Context, state *SymbolState, absA, absB decimal.Decimal) {
	now := e.now()
	if absA.Sub(absB).Abs().LessThanOrEqual(dustUSDT) {
		state.UnhedgedSince = time.Time{}
		state.StuckAlerted = false
		return
	}
	if state.UnhedgedSince.IsZero() {
		state.UnhedgedSince = now
		return
	}
	if now.Sub(state.UnhedgedSince) < e.cfg.StuckAfter || state.StuckAlerted {
		return
	}
	state.StuckAlerted = true
	e.alerts.Notify(ctx,
		fmt.Sprintf("GRVT unhedged>%s %s", e.cfg.StuckAfter, state.Config.Instrument),
		fmt.Sprintf("abs_a=%s abs_b=%s since=%s", absA, absB, state.UnhedgedSince.Format(time.RFC3339)),
		"stuck:"+state.Config.Instrument,
		time.Hour,
	)
}
