package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"grvt-hedge-bot/internal/grvt/ws"
	"grvt-hedge-bot/internal/hedger"
)

// BookCache holds the latest top-of-book per instrument from the websocket
// feed. Reads past maxAge miss so callers fall back to REST.
type BookCache struct {
	maxAge time.Duration

	mu   sync.RWMutex
	tops map[string]hedger.BookTop
}

func NewBookCache(maxAge time.Duration) *BookCache {
	return &BookCache{maxAge: maxAge, tops: make(map[string]hedger.BookTop)}
}

func (b *BookCache) Update(instrument string, top hedger.BookTop) {
	b.mu.Lock()
	b.tops[instrument] = top
	b.mu.Unlock()
}

func (b *BookCache) Get(instrument string, now time.Time) (hedger.BookTop, bool) {
	b.mu.RLock()
	top, ok := b.tops[instrument]
	b.mu.RUnlock()
	if !ok {
		return hedger.BookTop{}, false
	}
	if b.maxAge > 0 && now.Sub(top.At) > b.maxAge {
		return hedger.BookTop{}, false
	}
	if top.Bid1.Sign() <= 0 || top.Ask1.Sign() <= 0 {
		return hedger.BookTop{}, false
	}
	return top, true
}

// HandleFrame feeds one websocket frame into the cache; non-book frames are
// ignored. Wire it as the ws client's frame handler.
func (b *BookCache) HandleFrame(data json.RawMessage) {
	frame, ok := ws.ParseBookFeed(data)
	if !ok {
		return
	}
	if len(frame.Feed.Bids) == 0 || len(frame.Feed.Asks) == 0 {
		return
	}
	b.Update(frame.Feed.Instrument, hedger.BookTop{
		Bid1: parseDecimal(frame.Feed.Bids[0].Price),
		Ask1: parseDecimal(frame.Feed.Asks[0].Price),
		At:   time.Now(),
	})
}
