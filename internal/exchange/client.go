package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/domain"
	pkghttp "binarymm/pkg/http"
)

// clobOrderPayload is the wire shape the CLOB REST API expects for order
// submission, grounded on 0xtitan6-polymarket-mm's types.OrderPayload.
type clobOrderPayload struct {
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Salt          string `json:"salt"`
	Signature     string `json:"signature"`
	SignatureType int    `json:"signatureType"`
	ClientOrderID string `json:"clientOrderId"`
}

type clobOrderResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMsg"`
}

type clobCancelResponse struct {
	Canceled []string `json:"canceled"`
}

type clobOrderStateResponse struct {
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	SizeMatched  string `json:"sizeMatched"`
	Price        string `json:"price"`
	OriginalSize string `json:"originalSize"`
}

type clobPositionResponse struct {
	Asset      string `json:"asset"`
	Size       string `json:"size"`
	AvgPrice   string `json:"avgPrice"`
	Side       string `json:"side"`
	Deployment string `json:"deployment"`
}

// Client is the Polymarket CLOB REST adapter implementing core.IExchange.
// Resilience (retry + circuit breaker) is delegated entirely to the shared
// pkg/http.Client rather than reimplemented here, keeping HTTP concerns
// out of per-call-site retry loops.
type Client struct {
	http   *pkghttp.Client
	logger core.ILogger
	signer *Signer
	name   string
}

// NewClient constructs a CLOB REST client against baseURL. Order-level
// authentication is EIP-712 (see Signer.Sign); transport-level signing is
// intentionally nil here since the order payload itself carries the proof
// of authorization.
func NewClient(name, baseURL string, timeout time.Duration, signer *Signer, logger core.ILogger) *Client {
	return &Client{
		http:   pkghttp.NewClient(baseURL, timeout, nil),
		logger: logger.WithField("component", "exchange_client").WithField("exchange", name),
		signer: signer,
		name:   name,
	}
}

// Name satisfies core.IExchange.
func (c *Client) Name() string { return c.name }

// Submit posts a single signed order to the CLOB.
func (c *Client) Submit(ctx context.Context, order domain.SignedOrder) (*domain.FillReport, error) {
	payload := clobOrderPayload{
		Maker:         order.Maker,
		Signer:        c.signer.Address(),
		Taker:         order.Taker,
		TokenID:       order.TokenID,
		MakerAmount:   order.MakerAmount.Truncate(0).String(),
		TakerAmount:   order.TakerAmount.Truncate(0).String(),
		Side:          string(order.Side),
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         fmt.Sprintf("%d", order.Nonce),
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		Salt:          order.Salt,
		Signature:     order.Signature,
	}

	body, err := c.http.Post(ctx, "/order", payload)
	if err != nil {
		return nil, fmt.Errorf("exchange: submit: %w", err)
	}

	var resp clobOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode submit response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("exchange: order rejected: %s", resp.ErrorMessage)
	}

	return &domain.FillReport{
		ExchangeOrder: resp.OrderID,
		Status:        mapOrderStatus(resp.Status),
	}, nil
}

// Cancel cancels a previously submitted order by its client-assigned ID.
func (c *Client) Cancel(ctx context.Context, clientOrderID string) error {
	_, err := c.http.Delete(ctx, "/order", map[string]string{"clientOrderId": clientOrderID})
	if err != nil {
		return fmt.Errorf("exchange: cancel: %w", err)
	}
	return nil
}

// GetOrder fetches the current state of a submitted order.
func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (*domain.FillReport, error) {
	body, err := c.http.Get(ctx, "/order", map[string]string{"clientOrderId": clientOrderID})
	if err != nil {
		return nil, fmt.Errorf("exchange: get order: %w", err)
	}

	var resp clobOrderStateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode order state: %w", err)
	}

	filled, _ := decimal.NewFromString(resp.SizeMatched)
	price, _ := decimal.NewFromString(resp.Price)

	return &domain.FillReport{
		ClientOrderID: clientOrderID,
		ExchangeOrder: resp.OrderID,
		Status:        mapOrderStatus(resp.Status),
		FilledShares:  filled,
		AvgFillPrice:  price,
		Notional:      filled.Mul(price),
	}, nil
}

// GetPositions fetches all open positions held by this wallet.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	body, err := c.http.Get(ctx, "/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: get positions: %w", err)
	}

	var resp []clobPositionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		size, _ := decimal.NewFromString(p.Size)
		avgPrice, _ := decimal.NewFromString(p.AvgPrice)
		positions = append(positions, domain.Position{
			DeploymentID: p.Deployment,
			TokenID:      p.Asset,
			Side:         domain.MarketSide(p.Side),
			Shares:       size,
			AvgPrice:     avgPrice,
		})
	}
	return positions, nil
}

// GetOpenOrders fetches every non-terminal order for this wallet, used by
// the emergency stop to cancel everything still open.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.FillReport, error) {
	body, err := c.http.Get(ctx, "/orders", map[string]string{"status": "open"})
	if err != nil {
		return nil, fmt.Errorf("exchange: get open orders: %w", err)
	}

	var resp []clobOrderStateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode open orders: %w", err)
	}

	reports := make([]domain.FillReport, 0, len(resp))
	for _, o := range resp {
		filled, _ := decimal.NewFromString(o.SizeMatched)
		price, _ := decimal.NewFromString(o.Price)
		reports = append(reports, domain.FillReport{
			ExchangeOrder: o.OrderID,
			Status:        mapOrderStatus(o.Status),
			FilledShares:  filled,
			AvgFillPrice:  price,
			Notional:      filled.Mul(price),
		})
	}
	return reports, nil
}

type clobBalanceResponse struct {
	Balance string `json:"balance"`
}

// FetchBalance fetches the wallet's free USDC collateral balance, used by
// fundmanager.Manager's periodic refresh. Satisfies fundmanager.BalanceSource.
func (c *Client) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.http.Get(ctx, "/balance", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: fetch balance: %w", err)
	}

	var resp clobBalanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("exchange: decode balance: %w", err)
	}

	balance, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: parse balance: %w", err)
	}
	return balance, nil
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "matched", "filled":
		return domain.OrderStatusFilled
	case "live", "open":
		return domain.OrderStatusOpen
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "cancelled":
		return domain.OrderStatusCanceled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusOpen
	}
}

var _ core.IExchange = (*Client)(nil)
