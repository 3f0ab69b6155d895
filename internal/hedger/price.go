package hedger

import "github.com/shopspring/decimal"

// notionalDecimals is the USDT precision used for order notionals.
const notionalDecimals = 6

// QuantizePrice rounds a price onto the tick grid in the conservative
// direction: sells round up, buys round down, so the guard inequality can
// never be violated by rounding.
func QuantizePrice(price, tick decimal.Decimal, side Side) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	units := price.Div(tick)
	if side == SideSell {
		units = units.Ceil()
	} else {
		units = units.Floor()
	}
	return units.Mul(tick)
}

// SizeFromNotional converts a USDT notional into base units, floored to the
// instrument's size step and base decimals. Returns zero when the result would
// be below the exchange minimum.
func SizeFromNotional(notional, price decimal.Decimal, meta InstrumentMeta) decimal.Decimal {
	if price.Sign() <= 0 || notional.Sign() <= 0 {
		return decimal.Zero
	}
	baseDecimals := meta.BaseDecimals
	if baseDecimals <= 0 {
		baseDecimals = 6
	}
	quantum := decimal.New(1, -int32(baseDecimals))
	step := meta.MinSize
	if step.Sign() <= 0 || step.LessThan(quantum) {
		step = quantum
	}
	raw := notional.Div(price)
	size := raw.Div(step).Floor().Mul(step)
	size = size.RoundDown(int32(baseDecimals))
	if size.LessThan(meta.MinSize) {
		return decimal.Zero
	}
	return size
}

// OrderNotional is size*price truncated to the notional precision.
func OrderNotional(size, price decimal.Decimal) decimal.Decimal {
	return size.Mul(price).RoundDown(notionalDecimals)
}
