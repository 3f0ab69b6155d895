package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grvt-hedge-bot/internal/grvt"
	"grvt-hedge-bot/internal/hedger"
)

const orderExpiry = 15 * time.Minute

// AccountClient bundles one trading account's REST client and order signer.
type AccountClient struct {
	Client *grvt.Client
	Signer *grvt.Signer
}

// Gateway implements the engine's exchange surface on top of the GRVT REST
// clients, the instrument registry and the websocket book cache. Writes are
// serialised per account; reads run concurrently.
type Gateway struct {
	accounts map[hedger.Account]AccountClient
	registry *Registry
	books    *BookCache
	depth    int
	log      *zap.Logger

	writeMu map[hedger.Account]*sync.Mutex
	now     func() time.Time
}

func New(accounts map[hedger.Account]AccountClient, registry *Registry, books *BookCache, depth int, log *zap.Logger) *Gateway {
	writeMu := make(map[hedger.Account]*sync.Mutex, len(accounts))
	for account := range accounts {
		writeMu[account] = &sync.Mutex{}
	}
	return &Gateway{
		accounts: accounts,
		registry: registry,
		books:    books,
		depth:    depth,
		log:      log,
		writeMu:  writeMu,
		now:      time.Now,
	}
}

func (g *Gateway) account(account hedger.Account) (AccountClient, error) {
	ac, ok := g.accounts[account]
	if !ok {
		return AccountClient{}, fmt.Errorf("unknown account %q", account)
	}
	return ac, nil
}

// PlacePostOnly signs and submits one post-only GTT limit order and returns
// the exchange order id, which may still be provisional.
func (g *Gateway) PlacePostOnly(ctx context.Context, account hedger.Account, instrument string, side hedger.Side, price, size decimal.Decimal, clientOrderID string) (string, error) {
	ac, err := g.account(account)
	if err != nil {
		return "", err
	}
	if _, err := g.registry.Meta(ctx, instrument); err != nil {
		return "", err
	}
	order := grvt.Order{
		SubAccountID: ac.Client.AccountID(),
		TimeInForce:  grvt.TimeInForceGoodTillTime,
		PostOnly:     true,
		Legs: []grvt.OrderLeg{{
			Instrument:    instrument,
			Size:          size.String(),
			LimitPrice:    price.String(),
			IsBuyingAsset: side == hedger.SideBuy,
		}},
		Signature: grvt.Signature{
			Expiration: strconv.FormatInt(g.now().Add(orderExpiry).UnixNano(), 10),
			Nonce:      uint32(rand.Int31n(1<<31-2) + 1),
		},
		Metadata: grvt.OrderMetadata{
			ClientOrderID: clientOrderID,
			CreateTime:    strconv.FormatInt(g.now().UnixNano(), 10),
		},
	}
	if err := ac.Signer.SignOrder(&order, g.registry.Hashes()); err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	mu := g.writeMu[account]
	mu.Lock()
	defer mu.Unlock()
	result, err := ac.Client.CreateOrder(ctx, order)
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// Cancel removes one order. An order the exchange no longer knows counts as
// cancelled.
func (g *Gateway) Cancel(ctx context.Context, account hedger.Account, orderID string) error {
	ac, err := g.account(account)
	if err != nil {
		return err
	}
	mu := g.writeMu[account]
	mu.Lock()
	defer mu.Unlock()
	err = ac.Client.CancelOrder(ctx, orderID)
	if err != nil && isAlreadyGone(err) {
		return nil
	}
	return err
}

func isAlreadyGone(err error) bool {
	var apiErr *grvt.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, token := range []string{"not found", "does not exist", "already closed", "already canceled", "already cancelled"} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

func (g *Gateway) GetOrder(ctx context.Context, account hedger.Account, orderID string) (hedger.OrderSnapshot, error) {
	ac, err := g.account(account)
	if err != nil {
		return hedger.OrderSnapshot{}, err
	}
	order, err := ac.Client.GetOrder(ctx, orderID)
	if err != nil {
		return hedger.OrderSnapshot{}, err
	}
	snap, ok := convertOrder(order)
	if !ok {
		return hedger.OrderSnapshot{}, fmt.Errorf("order %s has no legs", orderID)
	}
	return snap, nil
}

func (g *Gateway) OpenOrders(ctx context.Context, account hedger.Account) (map[string][]hedger.OrderSnapshot, error) {
	ac, err := g.account(account)
	if err != nil {
		return nil, err
	}
	orders, err := ac.Client.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]hedger.OrderSnapshot)
	for _, order := range orders {
		snap, ok := convertOrder(order)
		if !ok {
			continue
		}
		out[snap.Instrument] = append(out[snap.Instrument], snap)
	}
	return out, nil
}

func (g *Gateway) Positions(ctx context.Context, account hedger.Account) (map[string]hedger.PositionSnapshot, error) {
	ac, err := g.account(account)
	if err != nil {
		return nil, err
	}
	positions, err := ac.Client.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]hedger.PositionSnapshot, len(positions))
	for _, pos := range positions {
		size := parseDecimal(pos.Size)
		mark := parseDecimal(pos.MarkPrice)
		signed := size.Mul(mark)
		out[pos.Instrument] = hedger.PositionSnapshot{
			Size:           size,
			MarkPrice:      mark,
			EntryPrice:     parseDecimal(pos.EntryPrice),
			SignedNotional: signed,
			AbsNotional:    signed.Abs(),
		}
	}
	return out, nil
}

func (g *Gateway) Summary(ctx context.Context, account hedger.Account) (hedger.AccountSummary, error) {
	ac, err := g.account(account)
	if err != nil {
		return hedger.AccountSummary{}, err
	}
	summary, err := ac.Client.AggregatedAccountSummary(ctx)
	if err != nil {
		return hedger.AccountSummary{}, err
	}
	return hedger.AccountSummary{
		Equity:            parseDecimal(summary.TotalEquity),
		MaintenanceMargin: parseDecimal(summary.MaintenanceMargin),
		AvailableBalance:  parseDecimal(summary.AvailableBalance),
	}, nil
}

// BookTop serves from the websocket cache when fresh and falls back to one
// REST book query otherwise.
func (g *Gateway) BookTop(ctx context.Context, instrument string) (hedger.BookTop, error) {
	if g.books != nil {
		if top, ok := g.books.Get(instrument, g.now()); ok {
			return top, nil
		}
	}
	ac, err := g.account(hedger.AccountA)
	if err != nil {
		return hedger.BookTop{}, err
	}
	book, err := ac.Client.OrderbookLevels(ctx, instrument, g.depth)
	if err != nil {
		return hedger.BookTop{}, err
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return hedger.BookTop{}, fmt.Errorf("empty book for %s", instrument)
	}
	top := hedger.BookTop{
		Bid1: parseDecimal(book.Bids[0].Price),
		Ask1: parseDecimal(book.Asks[0].Price),
		At:   g.now(),
	}
	if top.Bid1.Sign() <= 0 || top.Ask1.Sign() <= 0 {
		return hedger.BookTop{}, fmt.Errorf("invalid book top for %s", instrument)
	}
	if g.books != nil {
		g.books.Update(instrument, top)
	}
	return top, nil
}

func (g *Gateway) Instrument(ctx context.Context, instrument string) (hedger.InstrumentMeta, error) {
	return g.registry.Meta(ctx, instrument)
}

func convertOrder(order grvt.Order) (hedger.OrderSnapshot, bool) {
	if len(order.Legs) == 0 {
		return hedger.OrderSnapshot{}, false
	}
	leg := order.Legs[0]
	side := hedger.SideSell
	if leg.IsBuyingAsset {
		side = hedger.SideBuy
	}
	snap := hedger.OrderSnapshot{
		OrderID:       order.OrderID,
		ClientOrderID: order.Metadata.ClientOrderID,
		Instrument:    leg.Instrument,
		Side:          side,
		LimitPrice:    parseDecimal(leg.LimitPrice),
		Size:          parseDecimal(leg.Size),
		Status:        grvt.OrderStatusOpen,
		CreateTime:    parseCreateTime(order.Metadata.CreateTime),
	}
	if state := order.State; state != nil {
		if state.Status != "" {
			snap.Status = state.Status
		}
		snap.TradedSize = firstDecimal(state.TradedSize)
		snap.BookSize = firstDecimal(state.BookSize)
		snap.AvgFillPrice = firstDecimal(state.AvgFillPrice)
	}
	return snap, true
}

func firstDecimal(values []string) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return parseDecimal(values[0])
}

// parseCreateTime accepts both the nanosecond-epoch strings the exchange
// returns and the RFC3339 form used on outgoing metadata.
func parseCreateTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, ns)
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Time{}
}
