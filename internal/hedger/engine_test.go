package hedger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grvt-hedge-bot/internal/config"
	"grvt-hedge-bot/internal/grvt"
)

const testSymbol = "BTC_USDT_Perp"

type placedOrder struct {
	Account       Account
	Instrument    string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	ClientOrderID string
}

type fakeExchange struct {
	mu         sync.Mutex
	positions  map[Account]map[string]PositionSnapshot
	openOrders map[Account]map[string][]OrderSnapshot
	orders     map[string]OrderSnapshot
	summaries  map[Account]AccountSummary
	book       BookTop
	meta       InstrumentMeta

	placed    []placedOrder
	cancelled []string
	placeErr  error
	nextID    int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		positions:  map[Account]map[string]PositionSnapshot{AccountA: {}, AccountB: {}},
		openOrders: map[Account]map[string][]OrderSnapshot{AccountA: {}, AccountB: {}},
		orders:     map[string]OrderSnapshot{},
		summaries:  map[Account]AccountSummary{},
		book:       BookTop{Bid1: dec("100"), Ask1: dec("100.1"), At: time.Unix(1000, 0)},
		meta:       InstrumentMeta{Instrument: testSymbol, TickSize: dec("0.1"), MinSize: dec("0.01"), BaseDecimals: 6},
	}
}

func (f *fakeExchange) PlacePostOnly(_ context.Context, account Account, instrument string, side Side, price, size decimal.Decimal, clientOrderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	f.placed = append(f.placed, placedOrder{
		Account:       account,
		Instrument:    instrument,
		Side:          side,
		Price:         price,
		Size:          size,
		ClientOrderID: clientOrderID,
	})
	return fmt.Sprintf("oid-%d", f.nextID), nil
}

func (f *fakeExchange) Cancel(_ context.Context, _ Account, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ Account, orderID string) (OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.orders[orderID]
	if !ok {
		return OrderSnapshot{}, &grvt.APIError{Kind: grvt.KindPermanent, HTTP: 404, Message: "order not found"}
	}
	return snap, nil
}

func (f *fakeExchange) OpenOrders(_ context.Context, account Account) (map[string][]OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]OrderSnapshot, len(f.openOrders[account]))
	for instrument, orders := range f.openOrders[account] {
		out[instrument] = append([]OrderSnapshot(nil), orders...)
	}
	return out, nil
}

func (f *fakeExchange) Positions(_ context.Context, account Account) (map[string]PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]PositionSnapshot, len(f.positions[account]))
	for instrument, pos := range f.positions[account] {
		out[instrument] = pos
	}
	return out, nil
}

func (f *fakeExchange) Summary(_ context.Context, account Account) (AccountSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary, ok := f.summaries[account]
	if !ok {
		return AccountSummary{Equity: dec("100000")}, nil
	}
	return summary, nil
}

func (f *fakeExchange) BookTop(_ context.Context, _ string) (BookTop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book, nil
}

func (f *fakeExchange) Instrument(_ context.Context, _ string) (InstrumentMeta, error) {
	return f.meta, nil
}

func (f *fakeExchange) setPosition(account Account, size, mark, entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	signed := dec(size).Mul(dec(mark))
	f.positions[account][testSymbol] = PositionSnapshot{
		Size:           dec(size),
		MarkPrice:      dec(mark),
		EntryPrice:     dec(entry),
		SignedNotional: signed,
		AbsNotional:    signed.Abs(),
	}
}

func (f *fakeExchange) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.placed...)
}

func (f *fakeExchange) cancelledOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeAlerter struct {
	mu    sync.Mutex
	keys  []string
	sends []string
}

func (a *fakeAlerter) Notify(_ context.Context, _, _ string, key string, _ time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
}

func (a *fakeAlerter) Send(_ context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, message)
	return nil
}

func (a *fakeAlerter) hasKeyPrefix(prefix string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.keys {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (a *fakeAlerter) countKeyPrefix(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, key := range a.keys {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		LoopInterval:           2 * time.Second,
		OrderbookDepth:         10,
		SingleOrderDiffUSDT:    decimal.NewFromInt(20),
		CancelOnStop:           true,
		PostOnlyMaxRetry:       5,
		PostOnlyCooldown:       300 * time.Second,
		PartialFillTimeout:     1800 * time.Second,
		StuckAfter:             6 * time.Hour,
		MMRAlertThreshold:      decimal.RequireFromString("0.70"),
		ShutdownTimeout:        5 * time.Second,
		StopKeepStrategyOrders: 0,
	}
}

func testSymbolConfig() config.SymbolConfig {
	return config.SymbolConfig{
		Instrument:           testSymbol,
		Enabled:              true,
		OrderNotionalUSDT:    decimal.NewFromInt(1000),
		ImbalanceLimitUSDT:   decimal.NewFromInt(1000),
		MaxTotalPositionUSDT: decimal.NewFromInt(20000),
		MinTotalPositionUSDT: decimal.Zero,
		ASideWhenEqual:       "buy",
		PositionMode:         config.PositionModeIncrease,
	}
}

func newTestEngine(t *testing.T, fake *fakeExchange, alerter *fakeAlerter, cfg config.EngineConfig, sym config.SymbolConfig) (*Engine, *time.Time) {
	t.Helper()
	engine := New(cfg, []config.SymbolConfig{sym}, fake, alerter, nil, nil, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	clock := &now
	engine.now = func() time.Time { return *clock }
	engine.sleep = func(context.Context, time.Duration) {}
	return engine, clock
}

func TestBootstrapMatchesExistingHedgedPositions(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	fake.setPosition(AccountB, "-10", "100", "100.5")
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())

	if err := engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	state := engine.symbols[testSymbol]
	if !state.Ledger.Empty() {
		t.Fatalf("hedged inventory must match out, got %d lots", len(state.Ledger.Lots()))
	}

	// Bootstrap is idempotent: a second call must not re-seed lots.
	if err := engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if !state.Ledger.Empty() {
		t.Fatalf("second bootstrap must not add lots")
	}
}

func TestBootstrapKeepsUnhedgedSyntheticLot(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	if err := engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	lots := engine.symbols[testSymbol].Ledger.Lots()
	if len(lots) != 1 {
		t.Fatalf("expected 1 synthetic lot, got %d", len(lots))
	}
	got := lots[0]
	if got.Account != AccountA || got.Side != SideBuy || !got.Synthetic {
		t.Fatalf("unexpected lot %+v", got)
	}
	if !got.Price.Equal(dec("100")) || !got.RemainingNotional.Equal(dec("1000")) {
		t.Fatalf("lot must carry entry price and abs notional, got %+v", got)
	}
}

func TestTickSeedsBothSidesWhenFlat(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())

	reports, err := engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	placed := fake.placedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected one order per account, got %d", len(placed))
	}
	var sawA, sawB bool
	for _, order := range placed {
		if !IsStrategyClientOrderID(order.ClientOrderID) {
			t.Fatalf("placed order must carry a strategy client id, got %q", order.ClientOrderID)
		}
		switch order.Account {
		case AccountA:
			sawA = true
			if order.Side != SideBuy {
				t.Fatalf("a_side_when_equal=buy: A must buy, got %s", order.Side)
			}
			if !order.Price.Equal(dec("100")) {
				t.Fatalf("A buy must rest at bid, got %s", order.Price)
			}
		case AccountB:
			sawB = true
			if order.Side != SideSell {
				t.Fatalf("B must take the opposite side, got %s", order.Side)
			}
			if !order.Price.Equal(dec("100.1")) {
				t.Fatalf("B sell must rest at ask, got %s", order.Price)
			}
		}
	}
	if !sawA || !sawB {
		t.Fatalf("expected orders on both accounts, got %+v", placed)
	}
}

func TestTickHedgesSmallSideWithGuard(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	fake.book = BookTop{Bid1: dec("99"), Ask1: dec("99.5"), At: time.Unix(1000, 0)}
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())

	if err := engine.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	placed := fake.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 hedge order, got %d", len(placed))
	}
	order := placed[0]
	if order.Account != AccountB || order.Side != SideSell {
		t.Fatalf("small side B must sell against A's buy lot, got %+v", order)
	}
	// Ask 99.5 is below the lot guard 100; the guard must win.
	if !order.Price.Equal(dec("100")) {
		t.Fatalf("guard price must floor the sell, got %s", order.Price)
	}
	if !order.Size.Equal(dec("10")) {
		t.Fatalf("expected size 10 for 1000 USDT at 100, got %s", order.Size)
	}
}

func TestTickRespectsMaxTotalPosition(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "100", "100", "100")
	fake.setPosition(AccountB, "-100", "100", "100")
	sym := testSymbolConfig()
	sym.MaxTotalPositionUSDT = decimal.NewFromInt(20000)
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), sym)

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if placed := fake.placedOrders(); len(placed) != 0 {
		t.Fatalf("at max total position no order may be placed, got %+v", placed)
	}
	if !alerter.hasKeyPrefix("max_total:") {
		t.Fatalf("expected max_total alert, keys %v", alerter.keys)
	}
}

func TestTickDecreaseModeUnwindsOpposedInventory(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	fake.setPosition(AccountB, "-10", "100", "100")
	sym := testSymbolConfig()
	sym.PositionMode = config.PositionModeDecrease
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), sym)

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	placed := fake.placedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected one unwind order per account, got %d", len(placed))
	}
	for _, order := range placed {
		switch order.Account {
		case AccountA:
			// A is long, so unwinding means selling.
			if order.Side != SideSell || !order.Price.Equal(dec("100.1")) {
				t.Fatalf("A must sell at ask, got %+v", order)
			}
		case AccountB:
			if order.Side != SideBuy || !order.Price.Equal(dec("100")) {
				t.Fatalf("B must buy back at bid, got %+v", order)
			}
		}
	}
	if alerter.hasKeyPrefix("decrease_direction_fallback:") {
		t.Fatalf("opposed inventory must not trip the direction fallback")
	}
}

func TestTickDecreaseModeFlatBlockedAtMinTotal(t *testing.T) {
	fake := newFakeExchange()
	sym := testSymbolConfig()
	sym.PositionMode = config.PositionModeDecrease
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), sym)

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if placed := fake.placedOrders(); len(placed) != 0 {
		t.Fatalf("flat decrease mode must not re-seed, got %+v", placed)
	}
	if !alerter.hasKeyPrefix("min_total:") {
		t.Fatalf("expected min_total alert, keys %v", alerter.keys)
	}
}

func TestTickDecreaseModeSameDirectionFallback(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	fake.setPosition(AccountB, "10", "100", "100")
	sym := testSymbolConfig()
	sym.PositionMode = config.PositionModeDecrease
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), sym)

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !alerter.hasKeyPrefix("decrease_direction_fallback:") {
		t.Fatalf("same-direction inventory must alert, keys %v", alerter.keys)
	}
	placed := fake.placedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected fallback placements on both accounts, got %d", len(placed))
	}
	for _, order := range placed {
		// a_side_when_equal=buy unwinds as the opposite side.
		if order.Account == AccountA && order.Side != SideSell {
			t.Fatalf("fallback must unwind A against the baseline, got %+v", order)
		}
		if order.Account == AccountB && order.Side != SideBuy {
			t.Fatalf("fallback must place B opposite A, got %+v", order)
		}
	}
}

func TestTickDecreaseModeClipsAtMinTotal(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "-10", "100", "100")
	fake.setPosition(AccountB, "-4", "100", "100")
	sym := testSymbolConfig()
	sym.PositionMode = config.PositionModeDecrease
	sym.MinTotalPositionUSDT = decimal.NewFromInt(1700)
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), sym)

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// B's hedge buy would shrink the combined position below the floor at any
	// clipped size, so nothing may be placed.
	if placed := fake.placedOrders(); len(placed) != 0 {
		t.Fatalf("placement below min total must be clipped away, got %+v", placed)
	}
	if !alerter.hasKeyPrefix("min_total:") {
		t.Fatalf("expected min_total alert, keys %v", alerter.keys)
	}
}

func TestTickImbalanceSuppressionHoldsAtCap(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock
	for i, id := range []string{"s1", "s2"} {
		state.Orders[id] = &ManagedOrder{
			OrderID: id, ClientOrderID: BuildClientOrderID(AccountB, SideSell),
			Account: AccountB, Instrument: testSymbol, Side: SideSell,
			Price: dec("100"), Size: dec("4"), NotionalUSDT: dec("400"),
			CreatedAt: now.Add(time.Duration(i) * time.Second), LastSeenAt: now, StrategyOwned: true,
		}
	}

	// diff 1000 <= imbalance_limit 1000 with hedge orders resting and the
	// small side at its cap: no further placement.
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if placed := fake.placedOrders(); len(placed) != 0 {
		t.Fatalf("suppression rule must hold back placement, got %+v", placed)
	}
}

func TestTickStandardNotionalAboveThreshold(t *testing.T) {
	fake := newFakeExchange()
	fake.setPosition(AccountA, "10", "100", "100")
	fake.setPosition(AccountB, "-9.7", "100", "100")
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	placed := fake.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 hedge order, got %d", len(placed))
	}
	order := placed[0]
	if order.Account != AccountB || order.Side != SideSell {
		t.Fatalf("small short side must sell more, got %+v", order)
	}
	// diff 30 >= single-order threshold with room under the cap: the full
	// 1000 notional applies, not the 2x-gap shrink (size 0.59 at 100.1).
	if !order.Size.Equal(dec("9.99")) {
		t.Fatalf("expected full-notional size 9.99, got %s", order.Size)
	}
}

func TestTickCooldownAfterPostOnlyRejects(t *testing.T) {
	fake := newFakeExchange()
	fake.placeErr = &grvt.APIError{Kind: grvt.KindPostOnlyRejected, HTTP: 400, Message: "order would match immediately"}
	cfg := testEngineConfig()
	cfg.PostOnlyMaxRetry = 3
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, cfg, testSymbolConfig())

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	state := engine.symbols[testSymbol]
	now := *clock
	for _, account := range bothAccounts {
		until, ok := state.CooldownUntil[account]
		if !ok || !until.After(now) {
			t.Fatalf("account %s must be in cooldown", account)
		}
	}
	if !alerter.hasKeyPrefix("cooldown:") {
		t.Fatalf("expected cooldown alert, keys %v", alerter.keys)
	}

	// During cooldown no placement attempt may reach the exchange.
	fake.placeErr = nil
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if placed := fake.placedOrders(); len(placed) != 0 {
		t.Fatalf("cooldown must suppress placements, got %+v", placed)
	}

	// After the cooldown expires placements resume.
	*clock = now.Add(cfg.PostOnlyCooldown + time.Second)
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if placed := fake.placedOrders(); len(placed) != 2 {
		t.Fatalf("expected placements after cooldown, got %d", len(placed))
	}
}

func TestLowDiffCapCancelsOldestOrder(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock
	older := &ManagedOrder{
		OrderID: "oid-old", ClientOrderID: BuildClientOrderID(AccountA, SideBuy),
		Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), NotionalUSDT: dec("1000"),
		CreatedAt: now.Add(-2 * time.Minute), LastSeenAt: now, StrategyOwned: true,
	}
	newer := &ManagedOrder{
		OrderID: "oid-new", ClientOrderID: BuildClientOrderID(AccountA, SideBuy),
		Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), NotionalUSDT: dec("1000"),
		CreatedAt: now.Add(-time.Minute), LastSeenAt: now, StrategyOwned: true,
	}
	state.Orders[older.OrderID] = older
	state.Orders[newer.OrderID] = newer

	// diff = 0 < threshold, so the per-account cap is 1.
	engine.enforceAccountOrderCap(context.Background(), state, AccountA, 1)
	cancelled := fake.cancelledOrders()
	if len(cancelled) != 1 || cancelled[0] != "oid-old" {
		t.Fatalf("expected the oldest order cancelled, got %v", cancelled)
	}
	if !older.Closed || newer.Closed {
		t.Fatalf("only the oldest order may close, older=%v newer=%v", older.Closed, newer.Closed)
	}
}

func TestForeignOrdersAreAlertedAndPreserved(t *testing.T) {
	fake := newFakeExchange()
	fake.openOrders[AccountA][testSymbol] = []OrderSnapshot{{
		OrderID:       "foreign-1",
		ClientOrderID: "12345",
		Instrument:    testSymbol,
		Side:          SideBuy,
		LimitPrice:    dec("90"),
		Size:          dec("1"),
		Status:        StatusOpen,
	}}
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())

	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := alerter.countKeyPrefix("non_strategy:"); got != 1 {
		t.Fatalf("foreign order alert must fire once, got %d", got)
	}
	for _, cancelled := range fake.cancelledOrders() {
		if cancelled == "foreign-1" {
			t.Fatalf("foreign order must never be cancelled")
		}
	}
	if _, adopted := engine.symbols[testSymbol].Orders["foreign-1"]; adopted {
		t.Fatalf("foreign order must not be adopted")
	}
}

func TestPartialFillHeldUntilTimeout(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock
	managed := &ManagedOrder{
		OrderID: "oid-1", ClientOrderID: BuildClientOrderID(AccountA, SideBuy),
		Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), NotionalUSDT: dec("1000"),
		CreatedAt: now, LastSeenAt: now, StrategyOwned: true,
	}
	state.Orders[managed.OrderID] = managed
	partial := OrderSnapshot{
		OrderID: "oid-1", Status: StatusOpen,
		TradedSize: dec("4"), BookSize: dec("6"),
	}

	engine.processFillDelta(state, managed, partial)
	if !state.Ledger.Empty() {
		t.Fatalf("partial fill within the timeout must not book a lot")
	}
	if managed.PartialSince.IsZero() {
		t.Fatalf("partial fill must start the timeout clock")
	}

	*clock = now.Add(engine.cfg.PartialFillTimeout + time.Second)
	engine.processFillDelta(state, managed, partial)
	lots := state.Ledger.Lots()
	if len(lots) != 1 {
		t.Fatalf("expected 1 lot after timeout, got %d", len(lots))
	}
	if !lots[0].RemainingNotional.Equal(dec("400")) || !lots[0].Price.Equal(dec("100")) {
		t.Fatalf("lot must book the traded delta at the limit price, got %+v", lots[0])
	}
	if !managed.AppliedTradedSize.Equal(dec("4")) {
		t.Fatalf("applied traded size must advance, got %s", managed.AppliedTradedSize)
	}
}

func TestTerminalFillBooksImmediately(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock
	managed := &ManagedOrder{
		OrderID: "oid-1", Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), CreatedAt: now, LastSeenAt: now, StrategyOwned: true,
	}
	state.Orders[managed.OrderID] = managed
	engine.processFillDelta(state, managed, OrderSnapshot{
		OrderID: "oid-1", Status: StatusFilled, TradedSize: dec("10"),
	})
	if !managed.Closed || managed.CloseReason != StatusFilled {
		t.Fatalf("filled order must close, got %+v", managed)
	}
	lots := state.Ledger.Lots()
	if len(lots) != 1 || !lots[0].RemainingNotional.Equal(dec("1000")) {
		t.Fatalf("full fill must book 1000 USDT, got %+v", lots)
	}
}

func TestFillsMatchAcrossAccounts(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock

	buy := &ManagedOrder{
		OrderID: "oid-a", Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), CreatedAt: now, LastSeenAt: now, StrategyOwned: true,
	}
	state.Orders[buy.OrderID] = buy
	engine.processFillDelta(state, buy, OrderSnapshot{OrderID: "oid-a", Status: StatusFilled, TradedSize: dec("10")})

	*clock = now.Add(time.Second)
	sell := &ManagedOrder{
		OrderID: "oid-b", Account: AccountB, Instrument: testSymbol, Side: SideSell,
		Price: dec("100.5"), Size: dec("10"), CreatedAt: *clock, LastSeenAt: *clock, StrategyOwned: true,
	}
	state.Orders[sell.OrderID] = sell
	engine.processFillDelta(state, sell, OrderSnapshot{OrderID: "oid-b", Status: StatusFilled, TradedSize: dec("10")})

	// 1000 of the 1005 sell notional matches; the premium stays as residual.
	lots := state.Ledger.Lots()
	if len(lots) != 1 {
		t.Fatalf("expected one residual lot, got %+v", lots)
	}
	if lots[0].Account != AccountB || !lots[0].RemainingNotional.Equal(dec("5")) {
		t.Fatalf("unexpected residual %+v", lots[0])
	}
}

func TestProvisionalOrderTimesOut(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock
	managed := &ManagedOrder{
		OrderID: "0x00", ClientOrderID: BuildClientOrderID(AccountA, SideBuy),
		Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), CreatedAt: now, StrategyOwned: true,
	}
	state.Orders[managed.OrderID] = managed

	engine.syncStateOrders(context.Background(), state, AccountA, nil)
	if managed.Closed {
		t.Fatalf("provisional order must survive the first minute")
	}
	*clock = now.Add(2 * time.Minute)
	engine.syncStateOrders(context.Background(), state, AccountA, nil)
	if !managed.Closed || managed.CloseReason != "PROVISIONAL_TIMEOUT" {
		t.Fatalf("expected provisional timeout close, got %+v", managed)
	}
}

func TestProvisionalOrderResolvedByClientID(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock
	clientID := BuildClientOrderID(AccountA, SideBuy)
	managed := &ManagedOrder{
		OrderID: "0x00", ClientOrderID: clientID,
		Account: AccountA, Instrument: testSymbol, Side: SideBuy,
		Price: dec("100"), Size: dec("10"), CreatedAt: now, StrategyOwned: true,
	}
	state.Orders[managed.OrderID] = managed

	engine.syncStateOrders(context.Background(), state, AccountA, []OrderSnapshot{{
		OrderID:       "oid-real",
		ClientOrderID: clientID,
		Instrument:    testSymbol,
		Side:          SideBuy,
		LimitPrice:    dec("100"),
		Size:          dec("10"),
		Status:        StatusOpen,
	}})
	if _, stale := state.Orders["0x00"]; stale {
		t.Fatalf("provisional key must be replaced")
	}
	resolved, ok := state.Orders["oid-real"]
	if !ok || resolved != managed {
		t.Fatalf("managed order must be rewired onto the real id")
	}
	if managed.OrderID != "oid-real" {
		t.Fatalf("order id must be updated, got %q", managed.OrderID)
	}
}

func TestStuckAlertAfterThreshold(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	now := *clock

	engine.checkUnhedged(context.Background(), state, dec("1000"), dec("0"))
	if state.UnhedgedSince.IsZero() {
		t.Fatalf("imbalance must start the unhedged clock")
	}
	if alerter.hasKeyPrefix("stuck:") {
		t.Fatalf("no alert before the threshold")
	}
	*clock = now.Add(engine.cfg.StuckAfter + time.Minute)
	engine.checkUnhedged(context.Background(), state, dec("1000"), dec("0"))
	if !state.StuckAlerted || !alerter.hasKeyPrefix("stuck:") {
		t.Fatalf("expected stuck alert after threshold")
	}

	engine.checkUnhedged(context.Background(), state, dec("1000"), dec("1000"))
	if !state.UnhedgedSince.IsZero() || state.StuckAlerted {
		t.Fatalf("balance must reset the stuck state")
	}
}

func TestMMRAlert(t *testing.T) {
	fake := newFakeExchange()
	fake.summaries[AccountA] = AccountSummary{Equity: dec("100"), MaintenanceMargin: dec("80")}
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	if _, err := engine.collectSnapshots(context.Background()); err != nil {
		t.Fatalf("collect snapshots: %v", err)
	}
	if !alerter.hasKeyPrefix("mmr:A") {
		t.Fatalf("expected mmr alert for account A, keys %v", alerter.keys)
	}
	if alerter.hasKeyPrefix("mmr:B") {
		t.Fatalf("healthy account B must not alert")
	}
}

func TestDailyStuckReportOncePerDay(t *testing.T) {
	fake := newFakeExchange()
	alerter := &fakeAlerter{}
	engine, clock := newTestEngine(t, fake, alerter, testEngineConfig(), testSymbolConfig())
	state := engine.symbols[testSymbol]
	state.UnhedgedSince = clock.Add(-8 * time.Hour)

	engine.sendDailyStuckReport(context.Background())
	engine.sendDailyStuckReport(context.Background())
	if len(alerter.sends) != 1 {
		t.Fatalf("expected one report per day, got %d", len(alerter.sends))
	}
	if !strings.Contains(alerter.sends[0], testSymbol) {
		t.Fatalf("report must name the stuck instrument, got %q", alerter.sends[0])
	}

	*clock = clock.Add(24 * time.Hour)
	engine.sendDailyStuckReport(context.Background())
	if len(alerter.sends) != 2 {
		t.Fatalf("next day must report again, got %d", len(alerter.sends))
	}
}

func TestStopCleanupKeepsNewestOrders(t *testing.T) {
	fake := newFakeExchange()
	base := time.Unix(1_700_000_000, 0)
	fake.openOrders[AccountA][testSymbol] = []OrderSnapshot{
		{OrderID: "old", ClientOrderID: BuildClientOrderID(AccountA, SideBuy), CreateTime: base},
		{OrderID: "mid", ClientOrderID: BuildClientOrderID(AccountA, SideBuy), CreateTime: base.Add(time.Minute)},
		{OrderID: "new", ClientOrderID: BuildClientOrderID(AccountA, SideSell), CreateTime: base.Add(2 * time.Minute)},
		{OrderID: "foreign", ClientOrderID: "777", CreateTime: base.Add(3 * time.Minute)},
	}
	cfg := testEngineConfig()
	cfg.StopKeepStrategyOrders = 1
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, cfg, testSymbolConfig())

	engine.StopCleanup(context.Background())
	cancelled := fake.cancelledOrders()
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 cancels, got %v", cancelled)
	}
	for _, id := range cancelled {
		if id == "new" || id == "foreign" {
			t.Fatalf("newest strategy order and foreign orders must survive, cancelled %v", cancelled)
		}
	}
}

func TestStopCleanupDisabled(t *testing.T) {
	fake := newFakeExchange()
	fake.openOrders[AccountA][testSymbol] = []OrderSnapshot{
		{OrderID: "x", ClientOrderID: BuildClientOrderID(AccountA, SideBuy)},
	}
	cfg := testEngineConfig()
	cfg.CancelOnStop = false
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, fake, alerter, cfg, testSymbolConfig())
	engine.StopCleanup(context.Background())
	if cancelled := fake.cancelledOrders(); len(cancelled) != 0 {
		t.Fatalf("cancel_on_stop=false must not cancel, got %v", cancelled)
	}
}
