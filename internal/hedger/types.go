package hedger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"grvt-hedge-bot/internal/config"
)

// Account labels the two legs of the hedge pair.
type Account string

const (
	AccountA Account = "A"
	AccountB Account = "B"
)

func (a Account) Other() Account {
	if a == AccountA {
		return AccountB
	}
	return AccountA
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSnapshot is one account's position in one instrument, notional in USDT.
type PositionSnapshot struct {
	Size           decimal.Decimal
	MarkPrice      decimal.Decimal
	EntryPrice     decimal.Decimal
	SignedNotional decimal.Decimal
	AbsNotional    decimal.Decimal
}

// OrderSnapshot is the exchange's view of one order.
type OrderSnapshot struct {
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          Side
	LimitPrice    decimal.Decimal
	Size          decimal.Decimal
	TradedSize    decimal.Decimal
	BookSize      decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        string
	CreateTime    time.Time
}

type BookTop struct {
	Bid1 decimal.Decimal
	Ask1 decimal.Decimal
	At   time.Time
}

type InstrumentMeta struct {
	Instrument   string
	TickSize     decimal.Decimal
	MinSize      decimal.Decimal
	BaseDecimals int
}

type AccountSummary struct {
	Equity            decimal.Decimal
	MaintenanceMargin decimal.Decimal
	AvailableBalance  decimal.Decimal
}

// AccountState is one account's per-tick snapshot: positions and open orders
// keyed by instrument. Summary is nil when the query failed this tick.
type AccountState struct {
	Positions  map[string]PositionSnapshot
	OpenOrders map[string][]OrderSnapshot
	Summary    *AccountSummary
}

// Exchange is the gateway surface the engine drives. Implementations serialise
// writes per account and classify failures per the grvt error taxonomy.
type Exchange interface {
	PlacePostOnly(ctx context.Context, account Account, instrument string, side Side, price, size decimal.Decimal, clientOrderID string) (orderID string, err error)
	Cancel(ctx context.Context, account Account, orderID string) error
	GetOrder(ctx context.Context, account Account, orderID string) (OrderSnapshot, error)
	OpenOrders(ctx context.Context, account Account) (map[string][]OrderSnapshot, error)
	Positions(ctx context.Context, account Account) (map[string]PositionSnapshot, error)
	Summary(ctx context.Context, account Account) (AccountSummary, error)
	BookTop(ctx context.Context, instrument string) (BookTop, error)
	Instrument(ctx context.Context, instrument string) (InstrumentMeta, error)
}

// Alerter pushes operator alerts. Notify deduplicates by key with a per-key
// cooldown; Send bypasses dedup (daily report).
type Alerter interface {
	Notify(ctx context.Context, title, message, key string, cooldown time.Duration)
	Send(ctx context.Context, message string) error
}

// Recorder appends audit events; implementations must not block the tick.
type Recorder interface {
	Record(kind string, payload any)
}

// FillLot is an unmatched fill awaiting its cross-account hedge. Price is the
// guard: a buy lot's hedge sell must execute at >= Price, a sell lot's hedge
// buy at <= Price. RemainingNotional is in USDT.
type FillLot struct {
	Account           Account
	Side              Side
	Price             decimal.Decimal
	RemainingNotional decimal.Decimal
	CreatedAt         time.Time
	Synthetic         bool

	seq uint64
}

// ManagedOrder tracks one strategy-owned (or adopted) resting order.
type ManagedOrder struct {
	OrderID           string
	ClientOrderID     string
	Account           Account
	Instrument        string
	Side              Side
	Price             decimal.Decimal
	Size              decimal.Decimal
	NotionalUSDT      decimal.Decimal
	GuardPrice        *decimal.Decimal
	CreatedAt         time.Time
	StrategyOwned     bool
	LastSeenAt        time.Time
	AppliedTradedSize decimal.Decimal
	PartialSince      time.Time
	Closed            bool
	CloseReason       string
}

// SymbolState is all mutable per-instrument engine state.
type SymbolState struct {
	Config        config.SymbolConfig
	Ledger        *Ledger
	Orders        map[string]*ManagedOrder
	CooldownUntil map[Account]time.Time
	UnhedgedSince time.Time
	StuckAlerted  bool
	ForeignSeen   map[Account]bool

	bootstrapped bool
}

func NewSymbolState(cfg config.SymbolConfig) *SymbolState {
	return &SymbolState{
		Config:        cfg,
		Ledger:        NewLedger(),
		Orders:        make(map[string]*ManagedOrder),
		CooldownUntil: make(map[Account]time.Time),
		ForeignSeen:   make(map[Account]bool),
	}
}
