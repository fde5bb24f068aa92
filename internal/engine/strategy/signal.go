package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/domain"
	"binarymm/internal/exchange"
)

// EntrySignal is one candidate Leg1 entry: buying tokenID at ask produces
// evAfterFees of expected value once the opposite leg is hedged at its
// current ask, under the cycle's fee/slippage/profit buffers.
type EntrySignal struct {
	TokenID     string
	MarketSide  domain.MarketSide
	Ask         decimal.Decimal
	EVAfterFees decimal.Decimal
	ObservedAt  time.Time
}

// SelectBestSignal picks among competing entry signals: highest
// EV-after-fees wins; ties are broken by earliest observation timestamp.
// Panics if signals is empty — callers always pass at least one candidate.
func SelectBestSignal(signals []EntrySignal) EntrySignal {
	best := signals[0]
	for _, s := range signals[1:] {
		if s.EVAfterFees.GreaterThan(best.EVAfterFees) {
			best = s
			continue
		}
		if s.EVAfterFees.Equal(best.EVAfterFees) && s.ObservedAt.Before(best.ObservedAt) {
			best = s
		}
	}
	return best
}

// bestEntrySignal evaluates whether the round's combined ask leaves room
// for a profitable two-leg entry under the cycle's buffers, and if so
// picks which side becomes Leg1 via SelectBestSignal (both candidates
// share the same combined EV here; the tie-break picks the side whose
// quote has the earlier ObservedAt).
func bestEntrySignal(round domain.Round, up, down domain.Quote, params Params) (EntrySignal, bool) {
	threshold := params.SumTarget.Sub(params.FeeBuffer).Sub(params.SlippageBuffer).Sub(params.ProfitBuffer)
	combinedAsk := up.BestAsk.Add(down.BestAsk)
	if combinedAsk.GreaterThan(threshold) {
		return EntrySignal{}, false
	}

	ev := threshold.Sub(combinedAsk)
	candidates := []EntrySignal{
		{TokenID: round.UpTokenID, MarketSide: domain.MarketSideUp, Ask: up.BestAsk, EVAfterFees: ev, ObservedAt: up.ObservedAt},
		{TokenID: round.DownTokenID, MarketSide: domain.MarketSideDown, Ask: down.BestAsk, EVAfterFees: ev, ObservedAt: down.ObservedAt},
	}
	return SelectBestSignal(candidates), true
}

// oppositeTokenID returns the round's other outcome token given one leg's token.
func oppositeTokenID(round domain.Round, tokenID string) string {
	if tokenID == round.UpTokenID {
		return round.DownTokenID
	}
	return round.UpTokenID
}

// oppositeMarketSide returns the MarketSide of the round's other outcome
// token given one leg's token.
func oppositeMarketSide(round domain.Round, tokenID string) domain.MarketSide {
	if tokenID == round.UpTokenID {
		return domain.MarketSideDown
	}
	return domain.MarketSideUp
}

// marketSideOf returns the MarketSide of tokenID itself, the same-side
// counterpart to oppositeMarketSide. Used when building an intent for the
// leg a cycle already holds (e.g. the unwind Sell), where the intent's
// MarketSide must match the position it's reducing, not the other leg.
func marketSideOf(round domain.Round, tokenID string) domain.MarketSide {
	if tokenID == round.UpTokenID {
		return domain.MarketSideUp
	}
	return domain.MarketSideDown
}

// intentAmounts derives the maker/taker amounts for a leg's signed order,
// reusing the exchange package's canonical price/shares-to-amounts
// conversion so the Engine never duplicates the USDC-scale rounding rule.
func intentAmounts(side domain.Side, price, shares decimal.Decimal) (makerAmount, takerAmount decimal.Decimal) {
	return exchange.PriceToAmounts(side, price, shares)
}
