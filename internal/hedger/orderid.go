package hedger

import (
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Strategy orders carry a numeric client order id in a dedicated high-bit
// namespace so they can be recognised after a restart. Bit 63..60 hold the
// 0xE prefix, bit 59 the account, bit 58 the side; the rest is entropy.
const (
	orderIDMask   uint64 = 0xF000000000000000
	orderIDPrefix uint64 = 0xE000000000000000

	legacyOrderPrefix = "HEDGEV1_"
)

func BuildClientOrderID(account Account, side Side) string {
	var accBit, sideBit uint64
	if account == AccountB {
		accBit = 1
	}
	if side == SideSell {
		sideBit = 1
	}
	entropy := (uint64(time.Now().UnixNano()) ^ rand.Uint64()) & ((1 << 58) - 1)
	value := orderIDPrefix | accBit<<59 | sideBit<<58 | entropy
	return strconv.FormatUint(value, 10)
}

// IsStrategyClientOrderID reports whether a client order id belongs to this
// strategy, either in the numeric namespace or the legacy string prefix.
func IsStrategyClientOrderID(clientOrderID string) bool {
	if strings.HasPrefix(clientOrderID, legacyOrderPrefix) {
		return true
	}
	value, err := strconv.ParseUint(clientOrderID, 10, 64)
	if err != nil {
		return false
	}
	return value&orderIDMask == orderIDPrefix
}

// IsPlaceholderOrderID reports whether the exchange returned a provisional
// all-zero order id that will be replaced once the order is confirmed.
func IsPlaceholderOrderID(orderID string) bool {
	oid := strings.ToLower(strings.TrimSpace(orderID))
	switch oid {
	case "", "0", "0x0", "0x00":
		return true
	}
	return strings.HasPrefix(oid, "0x00")
}
