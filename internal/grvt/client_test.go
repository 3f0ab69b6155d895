package grvt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ep := Endpoints{TradeBaseURL: srv.URL, MarketBaseURL: srv.URL, EdgeBaseURL: srv.URL}
	return NewClient(ep, "api-key", "12345", time.Second, zap.NewNop()), srv
}

func loginHandler(w http.ResponseWriter, cookie string) {
	http.SetCookie(w, &http.Cookie{Name: "gravity", Value: cookie})
	w.WriteHeader(http.StatusOK)
}

func TestLoginCapturesSessionCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api_key/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["api_key"] != "api-key" {
			t.Errorf("unexpected login body: %v err=%v", body, err)
		}
		loginHandler(w, "session-1")
	})
	client, _ := newTestClient(t, mux)
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if client.sessionCookie() != "session-1" {
		t.Fatalf("expected captured cookie, got %q", client.sessionCookie())
	}
}

func TestLoginMissingCookieIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api_key/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	client, _ := newTestClient(t, mux)
	if err := client.Login(context.Background()); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestPostLazyLoginAndAccountHeader(t *testing.T) {
	var sawHeader atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api_key/login", func(w http.ResponseWriter, r *http.Request) {
		loginHandler(w, "session-1")
	})
	mux.HandleFunc("/full/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		sawHeader.Store(r.Header.Get("X-Grvt-Account-Id"))
		_ = json.NewEncoder(w).Encode(positionsResponse{Result: []Position{{Instrument: "BTC_USDT_Perp", Size: "1"}}})
	})
	client, _ := newTestClient(t, mux)
	positions, err := client.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Instrument != "BTC_USDT_Perp" {
		t.Fatalf("unexpected positions %+v", positions)
	}
	if got, _ := sawHeader.Load().(string); got != "12345" {
		t.Fatalf("expected account header 12345, got %q", got)
	}
}

func TestPostReauthenticatesOnceOn401(t *testing.T) {
	var logins atomic.Int64
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api_key/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		loginHandler(w, "session-2")
	})
	mux.HandleFunc("/full/v1/open_orders", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(openOrdersResponse{Result: []Order{}})
	})
	client, _ := newTestClient(t, mux)
	if _, err := client.OpenOrders(context.Background()); err != nil {
		t.Fatalf("open orders after reauth: %v", err)
	}
	if logins.Load() != 2 {
		t.Fatalf("expected lazy login plus reauth, got %d logins", logins.Load())
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestPostClassifiesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api_key/login", func(w http.ResponseWriter, r *http.Request) {
		loginHandler(w, "session-1")
	})
	mux.HandleFunc("/full/v1/create_order", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":4002,"message":"order would match immediately"}`, http.StatusBadRequest)
	})
	client, _ := newTestClient(t, mux)
	_, err := client.CreateOrder(context.Background(), Order{})
	if !IsPostOnlyRejected(err) {
		t.Fatalf("expected post-only rejection, got %v", err)
	}
}

func TestPublicEndpointsSkipLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/api_key/login", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("market data must not log in")
	})
	mux.HandleFunc("/full/v1/book", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(bookResponse{Result: Orderbook{
			Instrument: "BTC_USDT_Perp",
			Bids:       []BookLevel{{Price: "100", Size: "1"}},
			Asks:       []BookLevel{{Price: "101", Size: "1"}},
		}})
	})
	client, _ := newTestClient(t, mux)
	book, err := client.OrderbookLevels(context.Background(), "BTC_USDT_Perp", 10)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != "100" {
		t.Fatalf("unexpected book %+v", book)
	}
}
