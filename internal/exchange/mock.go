package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// PaperExchange fills every order immediately, at the current best opposing
// quote when one is cached and otherwise at the price implied by the order's
// maker/taker amounts. cmd/coordinator selects it for the whole process (dry
// run or a mock exchange name) in place of the live client; which deployments
// may submit at all is still decided by domain.Deployment.CanSubmitLive. A standalone
// core.IExchange implementation rather than a dry-run if-branch inside the
// real client, so paper and live trading can never share mutable state by
// accident.
type PaperExchange struct {
	mu           sync.Mutex
	orders       map[string]domain.FillReport
	counter      int
	quotes       QuoteReader
	logger       core.ILogger
	paperBalance decimal.Decimal
}

// QuoteReader is the narrow read PaperExchange needs to mark-to-market a
// fill at a realistic price. Implemented by internal/quotecache.Cache.
type QuoteReader interface {
	Get(tokenID string) (domain.Quote, bool)
}

// NewPaperExchange constructs a paper-trading double. The simulated
// account starts with a $1,000,000 notional balance; SetBalance adjusts it.
func NewPaperExchange(quotes QuoteReader, logger core.ILogger) *PaperExchange {
	return &PaperExchange{
		orders:       make(map[string]domain.FillReport),
		quotes:       quotes,
		logger:       logger.WithField("component", "paper_exchange"),
		paperBalance: decimal.NewFromInt(1_000_000),
	}
}

// SetBalance overrides the simulated account balance FetchBalance reports.
func (p *PaperExchange) SetBalance(balance decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paperBalance = balance
}

// FetchBalance reports the simulated account balance. Satisfies
// fundmanager.BalanceSource.
func (p *PaperExchange) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paperBalance, nil
}

// Name satisfies core.IExchange.
func (p *PaperExchange) Name() string { return "paper" }

// Submit immediately fills the order at the current best opposing quote
// when one is available, otherwise at its limit price, simulating a taker
// fill.
func (p *PaperExchange) Submit(ctx context.Context, order domain.SignedOrder) (*domain.FillReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	exchangeOrderID := fmt.Sprintf("paper-%d", p.counter)

	fillPrice := p.fillPrice(order)
	shares := order.MakerAmount
	if order.Side == domain.SideBuy {
		shares = order.TakerAmount
	}

	report := domain.FillReport{
		ExchangeOrder: exchangeOrderID,
		Status:        domain.OrderStatusFilled,
		FilledShares:  shares,
		AvgFillPrice:  fillPrice,
		Notional:      shares.Mul(fillPrice),
	}
	p.orders[exchangeOrderID] = report

	p.logger.Info("paper fill", "order_id", exchangeOrderID, "token", order.TokenID, "price", fillPrice.String())
	return &report, nil
}

func (p *PaperExchange) fillPrice(order domain.SignedOrder) decimal.Decimal {
	if p.quotes != nil {
		if q, ok := p.quotes.Get(order.TokenID); ok {
			if order.Side == domain.SideBuy {
				return q.BestAsk
			}
			return q.BestBid
		}
	}
	if order.Side == domain.SideSell {
		if order.MakerAmount.IsZero() {
			return decimal.Zero
		}
		return order.TakerAmount.Div(order.MakerAmount)
	}
	if order.TakerAmount.IsZero() {
		return decimal.Zero
	}
	return order.MakerAmount.Div(order.TakerAmount)
}

// Cancel is a no-op: paper fills are synchronous, so nothing is ever
// left open to cancel.
func (p *PaperExchange) Cancel(ctx context.Context, clientOrderID string) error {
	return nil
}

// GetOrder returns the previously recorded synthetic fill.
func (p *PaperExchange) GetOrder(ctx context.Context, clientOrderID string) (*domain.FillReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report, ok := p.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("exchange: paper order %q not found", clientOrderID)
	}
	return &report, nil
}

// GetPositions always reports no externally-tracked positions; the Fund
// Manager is the source of truth for paper-mode exposure.
func (p *PaperExchange) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}

// GetOpenOrders always reports empty since every paper order fills
// synchronously inside Submit.
func (p *PaperExchange) GetOpenOrders(ctx context.Context) ([]domain.FillReport, error) {
	return nil, nil
}

var _ core.IExchange = (*PaperExchange)(nil)
