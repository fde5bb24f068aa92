package exchange

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/domain"
)

var (
	orderIDMu  sync.Mutex
	lastSecond int64
	sequence   int
)

// IntentPrefix marks a client_order_id as belonging to a governance-gated
// flow: one admitted through the Coordinator/Gate rather than placed
// directly against the exchange. GatewayOnly mode rejects any sidecar
// submission whose client_order_id lacks it.
const IntentPrefix = "intent:"

// NewClientOrderID builds a compact, collision-resistant client order ID
// from a leg's limit price and side: intent:{price_int}_{side}_{unix}{seq}.
// The price/side encoding lets a log line or exchange dashboard identify an
// order's intent at a glance, without a round-trip back to this process's
// own records — useful during an incident when only exchange-side state
// is reachable.
func NewClientOrderID(price decimal.Decimal, side domain.Side, priceDecimals int32) string {
	orderIDMu.Lock()
	defer orderIDMu.Unlock()

	scale := decimal.NewFromInt(10).Pow(decimal.NewFromInt32(priceDecimals))
	priceInt := price.Mul(scale).Round(0).IntPart()

	sideCode := "B"
	if side == domain.SideSell {
		sideCode = "S"
	}

	now := time.Now().Unix()
	if now != lastSecond {
		lastSecond = now
		sequence = 0
	}
	sequence++

	return fmt.Sprintf("%s%d_%s_%d%03d", IntentPrefix, priceInt, sideCode, now, sequence)
}

// brokerPrefixes maps an exchange name to the commission-tracking prefix
// it expects prepended to client order IDs, and the max total ID length
// that exchange's order API accepts.
var brokerPrefixes = map[string]struct {
	prefix string
	maxLen int
}{
	"binance": {prefix: "x-zdfVM8vY", maxLen: 36},
	"gate":    {prefix: "t-", maxLen: 30},
}

// WithBrokerPrefix prepends the exchange-specific commission-tracking
// prefix, truncating to that exchange's accepted ID length. Unknown
// exchange names pass the ID through unchanged.
func WithBrokerPrefix(exchangeName, clientOrderID string) string {
	entry, ok := brokerPrefixes[strings.ToLower(exchangeName)]
	if !ok {
		return clientOrderID
	}
	id := entry.prefix + clientOrderID
	if len(id) > entry.maxLen {
		return id[:entry.maxLen]
	}
	return id
}
