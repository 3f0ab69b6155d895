package hedger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"grvt-hedge-bot/internal/config"
	"grvt-hedge-bot/internal/grvt"
	"grvt-hedge-bot/internal/metrics"
)

var bothAccounts = []Account{AccountA, AccountB}

// Daily reports are keyed to the Beijing trading day.
var beijingTZ = time.FixedZone("UTC+8", 8*60*60)

// Engine drives the dual-account maker hedge: it keeps the two accounts'
// absolute notionals equal per instrument using post-only limit orders and a
// cross-account fill-lot ledger. All state is rebuilt from exchange queries;
// nothing survives a restart except what the exchange itself remembers.
type Engine struct {
	cfg     config.EngineConfig
	ex      Exchange
	alerts  Alerter
	journal Recorder
	metrics *metrics.Metrics
	log     *zap.Logger

	symbols map[string]*SymbolState
	order   []string

	lastDailyReportDay string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// SymbolReport is one instrument's state after a tick, for metrics and
// snapshot export.
type SymbolReport struct {
	Instrument     string
	PositionMode   string
	AbsA           decimal.Decimal
	AbsB           decimal.Decimal
	Diff           decimal.Decimal
	Total          decimal.Decimal
	UnmatchedLots  int
	UnmatchedUSDT  decimal.Decimal
	ActiveOrdersA  int
	ActiveOrdersB  int
	CooldownActive bool
	OldestLotAge   time.Duration
}

func New(cfg config.EngineConfig, symbols []config.SymbolConfig, ex Exchange, alerter Alerter, recorder Recorder, m *metrics.Metrics, log *zap.Logger) *Engine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	e := &Engine{
		cfg:     cfg,
		ex:      ex,
		alerts:  alerter,
		journal: recorder,
		metrics: m,
		log:     log,
		symbols: make(map[string]*SymbolState, len(symbols)),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, sym := range symbols {
		if !sym.Enabled {
			continue
		}
		e.symbols[sym.Instrument] = NewSymbolState(sym)
		e.order = append(e.order, sym.Instrument)
	}
	sort.Strings(e.order)
	return e
}

// Symbols returns the enabled instruments in processing order.
func (e *Engine) Symbols() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Bootstrap rebuilds per-symbol state from live exchange data: synthetic lots
// from existing positions at entry price, adoption of surviving strategy
// orders, then a match pass so already-hedged inventory cancels out. Safe to
// call once; repeat calls are no-ops per symbol.
func (e *Engine) Bootstrap(ctx context.Context) error {
	snaps, err := e.collectSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap snapshots: %w", err)
	}
	now := e.now()
	for _, symbol := range e.order {
		state := e.symbols[symbol]
		if state.bootstrapped {
			continue
		}
		state.bootstrapped = true
		for _, account := range bothAccounts {
			pos := snaps[account].Positions[symbol]
			if pos.AbsNotional.Sign() > 0 && pos.EntryPrice.Sign() > 0 {
				side := SideSell
				if pos.Size.Sign() > 0 {
					side = SideBuy
				}
				state.Ledger.Add(&FillLot{
					Account:           account,
					Side:              side,
					Price:             pos.EntryPrice,
					RemainingNotional: pos.AbsNotional,
					CreatedAt:         now,
					Synthetic:         true,
				})
			}
			e.syncStateOrders(ctx, state, account, snaps[account].OpenOrders[symbol])
		}
		e.matchLedger(state)
	}
	e.log.Info("bootstrap completed", zap.Int("symbols", len(e.order)))
	return nil
}

// Tick runs one full pass over every enabled instrument. A snapshot failure
// aborts the whole tick; the next one starts from scratch.
func (e *Engine) Tick(ctx context.Context) ([]SymbolReport, error) {
	snaps, err := e.collectSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]SymbolReport, 0, len(e.order))
	for _, symbol := range e.order {
		reports = append(reports, e.processSymbol(ctx, e.symbols[symbol], snaps))
	}
	e.sendDailyStuckReport(ctx)
	return reports, nil
}

// collectSnapshots queries positions, open orders and the account summary for
// both accounts in parallel. Position or order failures fail the snapshot;
// a missing summary only disables the MMR check for the tick.
func (e *Engine) collectSnapshots(ctx context.Context) (map[Account]*AccountState, error) {
	out := make(map[Account]*AccountState, len(bothAccounts))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, account := range bothAccounts {
		account := account
		g.Go(func() error {
			positions, err := e.ex.Positions(gctx, account)
			if err != nil {
				e.notifySnapshotFailure(gctx, account, "positions", err)
				return fmt.Errorf("positions %s: %w", account, err)
			}
			openOrders, err := e.ex.OpenOrders(gctx, account)
			if err != nil {
				e.notifySnapshotFailure(gctx, account, "open orders", err)
				return fmt.Errorf("open orders %s: %w", account, err)
			}
			st := &AccountState{Positions: positions, OpenOrders: openOrders}
			if summary, err := e.ex.Summary(gctx, account); err == nil {
				st.Summary = &summary
			} else {
				e.log.Debug("account summary unavailable", zap.String("account", string(account)), zap.Error(err))
			}
			e.mmrCheck(gctx, account, st.Summary)
			mu.Lock()
			out[account] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) notifySnapshotFailure(ctx context.Context, account Account, what string, err error) {
	key := "snapshot_failed:" + string(account)
	title := "GRVT snapshot query failed"
	if grvt.IsAuth(err) {
		key = "auth_failure:" + string(account)
		title = "GRVT authentication failure"
	}
	e.alerts.Notify(ctx, title,
		fmt.Sprintf("account=%s query=%s error=%v", account, what, err),
		key, 2*time.Minute,
	)
}

func (e *Engine) buildReport(state *SymbolState, posA, posB PositionSnapshot) SymbolReport {
	now := e.now()
	report := SymbolReport{
		Instrument:    state.Config.Instrument,
		PositionMode:  state.Config.PositionMode,
		AbsA:          posA.AbsNotional,
		AbsB:          posB.AbsNotional,
		Diff:          posA.AbsNotional.Sub(posB.AbsNotional).Abs(),
		Total:         posA.AbsNotional.Add(posB.AbsNotional),
		UnmatchedUSDT: decimal.Zero,
	}
	for _, lot := range state.Ledger.Lots() {
		report.UnmatchedLots++
		report.UnmatchedUSDT = report.UnmatchedUSDT.Add(lot.RemainingNotional)
		if age := now.Sub(lot.CreatedAt); age > report.OldestLotAge {
			report.OldestLotAge = age
		}
	}
	report.ActiveOrdersA = e.activeOrderCount(state, AccountA)
	report.ActiveOrdersB = e.activeOrderCount(state, AccountB)
	for _, until := range state.CooldownUntil {
		if now.Before(until) {
			report.CooldownActive = true
			break
		}
	}
	diff, _ := report.Diff.Float64()
	total, _ := report.Total.Float64()
	e.metrics.PositionDiff.Set(report.Instrument, diff)
	e.metrics.TotalPosition.Set(report.Instrument, total)
	e.metrics.UnmatchedLots.Set(report.Instrument, float64(report.UnmatchedLots))
	return report
}

// sendDailyStuckReport sends one summary per Beijing calendar day listing the
// instruments that have been unhedged past the stuck threshold. Days with
// nothing stuck send nothing.
func (e *Engine) sendDailyStuckReport(ctx context.Context) {
	now := e.now()
	dayKey := now.In(beijingTZ).Format("2006-01-02")
	if e.lastDailyReportDay == dayKey {
		return
	}
	var lines []string
	for _, symbol := range e.order {
		state := e.symbols[symbol]
		if state.UnhedgedSince.IsZero() {
			continue
		}
		age := now.Sub(state.UnhedgedSince)
		if age < e.cfg.StuckAfter {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: unhedged %.2fh", symbol, age.Hours()))
	}
	if len(lines) == 0 {
		return
	}
	body := "Daily stuck hedge report:"
	for _, line := range lines {
		body += "\n" + line
	}
	if err := e.alerts.Send(ctx, body); err != nil {
		e.log.Debug("daily stuck report send failed", zap.Error(err))
	}
	e.lastDailyReportDay = dayKey
	e.log.Warn("daily stuck hedge report", zap.Strings("stuck", lines))
}

// StopCleanup cancels strategy orders on shutdown, keeping the newest N per
// instrument and account. Foreign orders are never touched.
func (e *Engine) StopCleanup(ctx context.Context) {
	if !e.cfg.CancelOnStop {
		e.log.Info("skip stop cleanup, cancel_on_stop disabled")
		return
	}
	keepN := e.cfg.StopKeepStrategyOrders
	candidates, cancelled := 0, 0
	for _, account := range bothAccounts {
		openOrders, err := e.ex.OpenOrders(ctx, account)
		if err != nil {
			e.log.Warn("stop cleanup open orders query failed", zap.String("account", string(account)), zap.Error(err))
			continue
		}
		for symbol, orders := range openOrders {
			var strategy []OrderSnapshot
			for _, snap := range orders {
				if IsStrategyClientOrderID(snap.ClientOrderID) {
					strategy = append(strategy, snap)
				}
			}
			if len(strategy) == 0 {
				continue
			}
			sort.Slice(strategy, func(i, j int) bool { return strategy[i].CreateTime.After(strategy[j].CreateTime) })
			toCancel := strategy
			if keepN > 0 {
				if len(strategy) <= keepN {
					continue
				}
				toCancel = strategy[keepN:]
			}
			candidates += len(toCancel)
			for _, snap := range toCancel {
				if err := e.ex.Cancel(ctx, account, snap.OrderID); err != nil {
					e.log.Warn("stop cleanup cancel failed",
						zap.String("account", string(account)),
						zap.String("instrument", symbol),
						zap.String("order_id", snap.OrderID),
						zap.Error(err),
					)
					continue
				}
				cancelled++
				e.metrics.OrdersCancelled.Inc()
				e.log.Info("cancelled strategy order on stop",
					zap.String("account", string(account)),
					zap.String("instrument", symbol),
					zap.String("order_id", snap.OrderID),
				)
			}
		}
	}
	e.log.Info("stop cleanup finished",
		zap.Int("cancelled", cancelled),
		zap.Int("candidates", candidates),
		zap.Int("keep_per_symbol", keepN),
	)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, any) {}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
