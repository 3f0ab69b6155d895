package grvt

import (
	"strings"
	"testing"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe51296170827936ea5cce4b76994b0f"

func testOrder() Order {
	return Order{
		SubAccountID: "12345",
		TimeInForce:  TimeInForceGoodTillTime,
		PostOnly:     true,
		Legs: []OrderLeg{{
			Instrument:    "BTC_USDT_Perp",
			Size:          "0.01",
			LimitPrice:    "65000.5",
			IsBuyingAsset: true,
		}},
		Signature: Signature{Expiration: "1700000000000000000", Nonce: 42},
		Metadata:  OrderMetadata{ClientOrderID: "1"},
	}
}

func TestNewSignerEnvChainIDs(t *testing.T) {
	for _, env := range []string{"prod", "testnet", "dev"} {
		if _, err := NewSigner(testKey, env); err != nil {
			t.Fatalf("env %s: %v", env, err)
		}
	}
	if _, err := NewSigner(testKey, "staging"); err == nil {
		t.Fatalf("expected error for unsupported env")
	}
	if _, err := NewSigner("", "prod"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSignOrderFillsSignature(t *testing.T) {
	signer, err := NewSigner("0x"+testKey, "testnet")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	order := testOrder()
	hashes := map[string]string{"BTC_USDT_Perp": "0x1234"}
	if err := signer.SignOrder(&order, hashes); err != nil {
		t.Fatalf("sign order: %v", err)
	}
	if order.Signature.Signer != signer.Address().Hex() {
		t.Fatalf("expected signer address, got %q", order.Signature.Signer)
	}
	if !strings.HasPrefix(order.Signature.R, "0x") || len(order.Signature.R) != 66 {
		t.Fatalf("unexpected r %q", order.Signature.R)
	}
	if !strings.HasPrefix(order.Signature.S, "0x") || len(order.Signature.S) != 66 {
		t.Fatalf("unexpected s %q", order.Signature.S)
	}
	if order.Signature.V != 27 && order.Signature.V != 28 {
		t.Fatalf("unexpected v %d", order.Signature.V)
	}
}

func TestSignOrderIsDeterministic(t *testing.T) {
	signer, err := NewSigner(testKey, "prod")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	hashes := map[string]string{"BTC_USDT_Perp": "0x1234"}
	first := testOrder()
	second := testOrder()
	if err := signer.SignOrder(&first, hashes); err != nil {
		t.Fatalf("sign first: %v", err)
	}
	if err := signer.SignOrder(&second, hashes); err != nil {
		t.Fatalf("sign second: %v", err)
	}
	if first.Signature.R != second.Signature.R || first.Signature.S != second.Signature.S {
		t.Fatalf("identical payloads must produce identical signatures")
	}
}

func TestSignOrderMissingHash(t *testing.T) {
	signer, err := NewSigner(testKey, "prod")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	order := testOrder()
	if err := signer.SignOrder(&order, map[string]string{}); err == nil {
		t.Fatalf("expected error for missing instrument hash")
	}
}

func TestFixedPoint(t *testing.T) {
	v, err := fixedPoint("1.5")
	if err != nil {
		t.Fatalf("fixed point: %v", err)
	}
	if v.String() != "1500000000" {
		t.Fatalf("expected 1500000000, got %s", v)
	}
	if _, err := fixedPoint("0.0000000001"); err == nil {
		t.Fatalf("expected error past 9 decimals")
	}
}
