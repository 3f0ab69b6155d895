package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	PositionModeIncrease = "increase"
	PositionModeDecrease = "decrease"
)

// SymbolConfig is one hedged instrument. Immutable once loaded; a config change
// requires a restart.
type SymbolConfig struct {
	Instrument           string          `json:"instrument"`
	Enabled              bool            `json:"enabled"`
	OrderNotionalUSDT    decimal.Decimal `json:"order_notional_usdt"`
	ImbalanceLimitUSDT   decimal.Decimal `json:"imbalance_limit_usdt"`
	MaxTotalPositionUSDT decimal.Decimal `json:"max_total_position_usdt"`
	MinTotalPositionUSDT decimal.Decimal `json:"min_total_position_usdt"`
	ASideWhenEqual       string          `json:"a_side_when_equal"`
	PositionMode         string          `json:"position_mode"`
}

type rawSymbolConfig struct {
	Instrument           string           `json:"instrument"`
	Enabled              *bool            `json:"enabled"`
	OrderNotionalUSDT    *decimal.Decimal `json:"order_notional_usdt"`
	ImbalanceLimitUSDT   *decimal.Decimal `json:"imbalance_limit_usdt"`
	MaxTotalPositionUSDT *decimal.Decimal `json:"max_total_position_usdt"`
	MinTotalPositionUSDT *decimal.Decimal `json:"min_total_position_usdt"`
	ASideWhenEqual       string           `json:"a_side_when_equal"`
	PositionMode         string           `json:"position_mode"`
}

// InstrumentResolver maps a user-supplied instrument name to the exchange's
// canonical name. Returns ok=false when the instrument is unknown.
type InstrumentResolver interface {
	Resolve(name string) (string, bool)
	Suggest(name string, limit int) []string
}

// CanonicalInstrument applies the spelling rules that do not need the live
// instrument list: trims whitespace and rewrites a trailing _PERP to _Perp.
func CanonicalInstrument(name string) string {
	instrument := strings.TrimSpace(name)
	if strings.HasSuffix(strings.ToUpper(instrument), "_PERP") {
		instrument = instrument[:len(instrument)-5] + "_Perp"
	}
	return instrument
}

// LoadSymbols parses the symbols JSON file. Unknown JSON fields are ignored;
// any invalid entry aborts the load (startup-fatal per the error policy).
// resolver may be nil when the live instrument list is unavailable.
func LoadSymbols(path string, resolver InstrumentResolver) ([]SymbolConfig, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("symbols file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols file %s: %w", path, err)
	}
	var raw []rawSymbolConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid symbols JSON %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("symbols file %s must be a non-empty JSON array", path)
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]SymbolConfig, 0, len(raw))
	for i, item := range raw {
		cfg, err := buildSymbolConfig(item, resolver)
		if err != nil {
			return nil, fmt.Errorf("symbols[%d]: %w", i, err)
		}
		if _, dup := seen[cfg.Instrument]; dup {
			return nil, fmt.Errorf("symbols[%d]: duplicate instrument %s", i, cfg.Instrument)
		}
		seen[cfg.Instrument] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}

func buildSymbolConfig(item rawSymbolConfig, resolver InstrumentResolver) (SymbolConfig, error) {
	instrument := CanonicalInstrument(item.Instrument)
	if instrument == "" {
		return SymbolConfig{}, fmt.Errorf("missing instrument")
	}
	if resolver != nil {
		resolved, ok := resolver.Resolve(instrument)
		if !ok {
			suggestions := resolver.Suggest(instrument, 6)
			if len(suggestions) > 0 {
				return SymbolConfig{}, fmt.Errorf("unknown instrument %q, maybe: %s", item.Instrument, strings.Join(suggestions, ", "))
			}
			return SymbolConfig{}, fmt.Errorf("unknown instrument %q", item.Instrument)
		}
		instrument = resolved
	}
	cfg := SymbolConfig{
		Instrument:           instrument,
		Enabled:              true,
		OrderNotionalUSDT:    decimal.NewFromInt(1000),
		ImbalanceLimitUSDT:   decimal.NewFromInt(1000),
		MaxTotalPositionUSDT: decimal.NewFromInt(20000),
		MinTotalPositionUSDT: decimal.Zero,
		ASideWhenEqual:       "buy",
		PositionMode:         PositionModeIncrease,
	}
	if item.Enabled != nil {
		cfg.Enabled = *item.Enabled
	}
	if item.OrderNotionalUSDT != nil {
		cfg.OrderNotionalUSDT = *item.OrderNotionalUSDT
	}
	if item.ImbalanceLimitUSDT != nil {
		cfg.ImbalanceLimitUSDT = *item.ImbalanceLimitUSDT
	}
	if item.MaxTotalPositionUSDT != nil {
		cfg.MaxTotalPositionUSDT = *item.MaxTotalPositionUSDT
	}
	if item.MinTotalPositionUSDT != nil {
		cfg.MinTotalPositionUSDT = *item.MinTotalPositionUSDT
	}
	if side := strings.ToLower(strings.TrimSpace(item.ASideWhenEqual)); side != "" {
		cfg.ASideWhenEqual = side
	}
	if mode := strings.ToLower(strings.TrimSpace(item.PositionMode)); mode != "" {
		cfg.PositionMode = mode
	}
	if cfg.ASideWhenEqual != "buy" && cfg.ASideWhenEqual != "sell" {
		return SymbolConfig{}, fmt.Errorf("%s: invalid a_side_when_equal %q", instrument, cfg.ASideWhenEqual)
	}
	if cfg.PositionMode != PositionModeIncrease && cfg.PositionMode != PositionModeDecrease {
		return SymbolConfig{}, fmt.Errorf("%s: invalid position_mode %q", instrument, cfg.PositionMode)
	}
	if cfg.OrderNotionalUSDT.Sign() <= 0 {
		return SymbolConfig{}, fmt.Errorf("%s: order_notional_usdt must be > 0", instrument)
	}
	if cfg.MaxTotalPositionUSDT.IsNegative() {
		return SymbolConfig{}, fmt.Errorf("%s: invalid max_total_position_usdt %s", instrument, cfg.MaxTotalPositionUSDT)
	}
	if cfg.MinTotalPositionUSDT.IsNegative() {
		return SymbolConfig{}, fmt.Errorf("%s: invalid min_total_position_usdt %s", instrument, cfg.MinTotalPositionUSDT)
	}
	if cfg.MinTotalPositionUSDT.GreaterThan(cfg.MaxTotalPositionUSDT) {
		return SymbolConfig{}, fmt.Errorf("%s: min_total_position_usdt %s > max_total_position_usdt %s",
			instrument, cfg.MinTotalPositionUSDT, cfg.MaxTotalPositionUSDT)
	}
	return cfg, nil
}

// AliasResolver is an InstrumentResolver backed by the exchange's active
// instrument list, matching names case-insensitively.
type AliasResolver struct {
	alias map[string]string
}

func NewAliasResolver(names []string) *AliasResolver {
	alias := make(map[string]string, len(names)*3)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		alias[name] = name
		alias[strings.ToUpper(name)] = name
		alias[strings.ToLower(name)] = name
	}
	return &AliasResolver{alias: alias}
}

func (r *AliasResolver) Resolve(name string) (string, bool) {
	if resolved, ok := r.alias[name]; ok {
		return resolved, true
	}
	if resolved, ok := r.alias[strings.ToUpper(name)]; ok {
		return resolved, true
	}
	resolved, ok := r.alias[strings.ToLower(name)]
	return resolved, ok
}

func (r *AliasResolver) Suggest(name string, limit int) []string {
	token := strings.ToUpper(strings.SplitN(strings.TrimSpace(name), "_", 2)[0])
	canonical := make([]string, 0, len(r.alias))
	seen := make(map[string]struct{}, len(r.alias))
	for _, v := range r.alias {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		canonical = append(canonical, v)
	}
	sort.Strings(canonical)
	if token == "" {
		if len(canonical) > limit {
			return canonical[:limit]
		}
		return canonical
	}
	prefix := token + "_"
	suggestions := make([]string, 0, limit)
	for _, v := range canonical {
		if strings.HasPrefix(strings.ToUpper(v), prefix) {
			suggestions = append(suggestions, v)
		}
	}
	for _, v := range canonical {
		if len(suggestions) >= limit {
			break
		}
		if strings.Contains(strings.ToUpper(v), token) && !contains(suggestions, v) {
			suggestions = append(suggestions, v)
		}
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
