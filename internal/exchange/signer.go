// Package exchange is the CLOB adapter: EIP-712 order signing, the REST
// client implementing core.IExchange, and a paper/dry-run double for Paper
// deployments. Order signing builds the canonical order struct via
// go-order-utils before handing it to ecdsa for the EIP-712 signature.
package exchange

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	orderutilsconfig "github.com/polymarket/go-order-utils/pkg/config"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"

	"binarymm/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Signer holds the EOA private key and builds+signs the canonical
// CTF-Exchange order struct via go-order-utils, the same library
// AlejandroRuiz99-polybot uses to avoid reimplementing the domain
// separator and struct hash by hand.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	negRisk    bool
	builder    builder.ExchangeOrderBuilder
}

// NewSigner parses a hex-encoded private key (with or without 0x prefix)
// and constructs a Signer bound to chainID.
func NewSigner(privateKeyHex string, chainID int64, negRisk bool) (*Signer, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("exchange: parse private key: %w", err)
	}

	if _, err := orderutilsconfig.GetContracts(chainID); err != nil {
		return nil, fmt.Errorf("exchange: unsupported chain id %d: %w", chainID, err)
	}

	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		negRisk:    negRisk,
		builder:    builder.NewExchangeOrderBuilderImpl(big.NewInt(chainID), nil),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign builds and signs a SignedOrder from a domain OrderIntent plus the
// maker/taker amounts the caller has already derived from price/shares.
// Nonce must come from internal/nonce.Manager; expiration from the
// intent's ExpirationUnix.
func (s *Signer) Sign(intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal, nonce uint64, feeRateBps int32) (domain.SignedOrder, error) {
	verifyingContract := gomodel.CTFExchange
	if s.negRisk {
		verifyingContract = gomodel.NegRiskCTFExchange
	}

	side := gomodel.BUY
	if intent.Side == domain.SideSell {
		side = gomodel.SELL
	}

	orderData := &gomodel.OrderData{
		Maker:         s.address.Hex(),
		Taker:         zeroAddress,
		TokenId:       intent.TokenID,
		MakerAmount:   makerAmount.Truncate(0).String(),
		TakerAmount:   takerAmount.Truncate(0).String(),
		FeeRateBps:    strconv.Itoa(int(feeRateBps)),
		Nonce:         strconv.FormatUint(nonce, 10),
		Signer:        s.address.Hex(),
		Expiration:    strconv.FormatInt(intent.ExpirationUnix, 10),
		Side:          side,
		SignatureType: gomodel.EOA,
	}

	signed, err := s.builder.BuildSignedOrder(s.privateKey, orderData, verifyingContract)
	if err != nil {
		return domain.SignedOrder{}, fmt.Errorf("exchange: build signed order: %w", err)
	}

	return domain.SignedOrder{
		Maker:       signed.Order.Maker.Hex(),
		Taker:       signed.Order.Taker.Hex(),
		TokenID:     intent.TokenID,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Side:        intent.Side,
		FeeRateBps:  feeRateBps,
		Nonce:       nonce,
		Expiration:  intent.ExpirationUnix,
		Salt:        signed.Order.Salt.String(),
		Signature:   "0x" + hex.EncodeToString(signed.Signature),
	}, nil
}

// PriceToAmounts converts a human-readable price and share count into
// maker/taker amounts at USDC's 6-decimal precision, grounded on
// 0xtitan6-polymarket-mm/internal/exchange/auth.go's PriceToAmounts —
// reimplemented with shopspring/decimal instead of big.Float/float64 so
// rounding is exact rather than float-approximate, per this module's
// no-float-arithmetic rule for money.
func PriceToAmounts(side domain.Side, price, shares decimal.Decimal) (makerAmount, takerAmount decimal.Decimal) {
	scale := decimal.NewFromInt(1_000_000) // USDC 6 decimals

	switch side {
	case domain.SideBuy:
		cost := price.Mul(shares)
		return cost.Mul(scale).Truncate(0), shares.Mul(scale).Truncate(0)
	default: // SideSell
		revenue := price.Mul(shares)
		return shares.Mul(scale).Truncate(0), revenue.Mul(scale).Truncate(0)
	}
}
