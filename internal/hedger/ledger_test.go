package hedger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lot(account Account, side Side, price, notional string, at time.Time) *FillLot {
	return &FillLot{
		Account:           account,
		Side:              side,
		Price:             dec(price),
		RemainingNotional: dec(notional),
		CreatedAt:         at,
	}
}

func TestMatchPairsCrossAccountUnderGuard(t *testing.T) {
	ledger := NewLedger()
	now := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideBuy, "100", "500", now))
	ledger.Add(lot(AccountB, SideSell, "101", "500", now.Add(time.Second)))
	events := ledger.Match()
	if len(events) != 1 {
		t.Fatalf("expected 1 match, got %d", len(events))
	}
	ev := events[0]
	if ev.BuyAccount != AccountA || ev.SellAccount != AccountB {
		t.Fatalf("unexpected accounts %+v", ev)
	}
	if !ev.Notional.Equal(dec("500")) {
		t.Fatalf("expected notional 500, got %s", ev.Notional)
	}
	if !ledger.Empty() {
		t.Fatalf("expected empty ledger after full match")
	}
}

func TestMatchRefusesGuardViolation(t *testing.T) {
	ledger := NewLedger()
	now := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideBuy, "100", "500", now))
	ledger.Add(lot(AccountB, SideSell, "99", "500", now))
	if events := ledger.Match(); len(events) != 0 {
		t.Fatalf("sell below buy guard must not match, got %v", events)
	}
	if len(ledger.Lots()) != 2 {
		t.Fatalf("both lots must survive")
	}
}

func TestMatchEqualGuardIsAdmissible(t *testing.T) {
	ledger := NewLedger()
	now := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideBuy, "100", "300", now))
	ledger.Add(lot(AccountB, SideSell, "100", "300", now))
	if events := ledger.Match(); len(events) != 1 {
		t.Fatalf("equal guards should match, got %v", events)
	}
}

func TestMatchPartialLeavesResidual(t *testing.T) {
	ledger := NewLedger()
	now := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideBuy, "100", "1000", now))
	ledger.Add(lot(AccountB, SideSell, "102", "400", now))
	events := ledger.Match()
	if len(events) != 1 || !events[0].Notional.Equal(dec("400")) {
		t.Fatalf("expected one 400 match, got %v", events)
	}
	lots := ledger.Lots()
	if len(lots) != 1 {
		t.Fatalf("expected 1 residual lot, got %d", len(lots))
	}
	if lots[0].Account != AccountA || !lots[0].RemainingNotional.Equal(dec("600")) {
		t.Fatalf("unexpected residual %+v", lots[0])
	}
}

func TestMatchRejectsSameAccountAndSameSide(t *testing.T) {
	ledger := NewLedger()
	now := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideBuy, "100", "500", now))
	ledger.Add(lot(AccountA, SideSell, "105", "500", now))
	ledger.Add(lot(AccountB, SideBuy, "90", "500", now))
	events := ledger.Match()
	if len(events) != 1 {
		t.Fatalf("only the cross-account opposite pair may match, got %v", events)
	}
	// A sell 105 pairs with B buy 90; A's own buy must not pair with A's sell.
	if events[0].BuyAccount != AccountB || events[0].SellAccount != AccountA {
		t.Fatalf("unexpected pairing %+v", events[0])
	}
	lots := ledger.Lots()
	if len(lots) != 1 || lots[0].Account != AccountA || lots[0].Side != SideBuy {
		t.Fatalf("expected A's buy lot to remain, got %+v", lots)
	}
}

func TestMatchPrefersOldestThenMoreProtective(t *testing.T) {
	ledger := NewLedger()
	base := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideBuy, "100", "100", base))
	older := lot(AccountB, SideSell, "101", "100", base.Add(-time.Minute))
	newer := lot(AccountB, SideSell, "150", "100", base.Add(time.Minute))
	ledger.Add(newer)
	ledger.Add(older)
	events := ledger.Match()
	if len(events) != 1 {
		t.Fatalf("expected 1 match, got %d", len(events))
	}
	if !events[0].SellPrice.Equal(dec("101")) {
		t.Fatalf("oldest counterpart must win, matched %s", events[0].SellPrice)
	}

	tied := NewLedger()
	tied.Add(lot(AccountA, SideBuy, "100", "100", base))
	tied.Add(lot(AccountB, SideSell, "101", "100", base.Add(time.Second)))
	tied.Add(lot(AccountB, SideSell, "105", "100", base.Add(time.Second)))
	events = tied.Match()
	if len(events) != 1 || !events[0].SellPrice.Equal(dec("105")) {
		t.Fatalf("equal age should prefer the higher sell guard, got %v", events)
	}
}

func TestOldestOpposing(t *testing.T) {
	ledger := NewLedger()
	base := time.Unix(1000, 0)
	ledger.Add(lot(AccountA, SideSell, "110", "100", base))
	ledger.Add(lot(AccountA, SideBuy, "100", "100", base.Add(time.Second)))
	ledger.Add(lot(AccountB, SideBuy, "90", "100", base.Add(2*time.Second)))
	got := ledger.OldestOpposing(AccountB)
	if got == nil || got.Account != AccountA || got.Side != SideSell {
		t.Fatalf("expected A's oldest lot, got %+v", got)
	}
	if ledger.OldestOpposing(AccountA) == nil {
		t.Fatalf("expected B's lot for account A")
	}
}
