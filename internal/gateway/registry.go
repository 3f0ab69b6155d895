package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"grvt-hedge-bot/internal/grvt"
	"grvt-hedge-bot/internal/hedger"
)

// Registry caches instrument metadata from the exchange: tick sizes, minimum
// sizes and the instrument hashes the order signer needs. Loaded once at
// startup; unknown instruments are fetched on demand.
type Registry struct {
	client *grvt.Client

	mu     sync.RWMutex
	metas  map[string]hedger.InstrumentMeta
	hashes map[string]string
	names  []string
}

func NewRegistry(client *grvt.Client) *Registry {
	return &Registry{
		client: client,
		metas:  make(map[string]hedger.InstrumentMeta),
		hashes: make(map[string]string),
	}
}

// Load fetches the active instrument list.
func (r *Registry) Load(ctx context.Context) error {
	instruments, err := r.client.GetAllInstruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = r.names[:0]
	for _, inst := range instruments {
		r.store(inst)
		r.names = append(r.names, inst.Instrument)
	}
	return nil
}

func (r *Registry) store(inst grvt.Instrument) {
	r.metas[inst.Instrument] = hedger.InstrumentMeta{
		Instrument:   inst.Instrument,
		TickSize:     parseDecimal(inst.TickSize),
		MinSize:      parseDecimal(inst.MinSize),
		BaseDecimals: inst.BaseDecimals,
	}
	if inst.InstrumentHash != "" {
		r.hashes[inst.Instrument] = inst.InstrumentHash
	}
}

// Meta returns cached metadata, fetching the single instrument when absent.
func (r *Registry) Meta(ctx context.Context, instrument string) (hedger.InstrumentMeta, error) {
	r.mu.RLock()
	meta, ok := r.metas[instrument]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}
	inst, err := r.client.GetInstrument(ctx, instrument)
	if err != nil {
		return hedger.InstrumentMeta{}, err
	}
	if inst.Instrument == "" {
		return hedger.InstrumentMeta{}, fmt.Errorf("unknown instrument %q", instrument)
	}
	r.mu.Lock()
	r.store(inst)
	meta = r.metas[inst.Instrument]
	r.mu.Unlock()
	return meta, nil
}

// Hashes returns a copy of the instrument hash map for order signing.
func (r *Registry) Hashes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.hashes))
	for k, v := range r.hashes {
		out[k] = v
	}
	return out
}

// Names returns the active instrument names for alias resolution.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
