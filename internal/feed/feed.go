// Package feed wires a streaming market-data connection into the quote
// cache. It is the concrete shape the core.IExchange boundary leaves
// unspecified: exchanges publish book-top updates over a WebSocket, and
// something has to decode them and call quotecache.Cache.Put. Wiring this
// feed is optional, but it is the only writer to the quote cache in this
// module: without it the cache stays empty.
package feed

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/domain"
	"binarymm/internal/quotecache"
	"binarymm/pkg/websocket"
)

// message is the wire shape published by a token-level book-top stream.
// Exchanges vary their actual field names; Feed is built against this
// shape and a production deployment adapts it per-venue before this
// package would need to change.
type message struct {
	TokenID string `json:"token_id"`
	Bid     string `json:"best_bid"`
	Ask     string `json:"best_ask"`
	BidSize string `json:"bid_size"`
	AskSize string `json:"ask_size"`
	Seq     uint64 `json:"sequence"`
}

// Feed decodes book-top messages from a WebSocket stream and publishes
// them into a quote cache, tagging each with a monotonic sequence number
// so the cache can drop out-of-order deliveries.
type Feed struct {
	client *websocket.Client
	cache  *quotecache.Cache
	logger core.ILogger

	seq       uint64
	decodeErr uint64
}

// New constructs a Feed bound to streamURL. Call Start to connect.
func New(streamURL string, cache *quotecache.Cache, logger core.ILogger) *Feed {
	f := &Feed{
		cache:  cache,
		logger: logger.WithField("component", "feed"),
	}
	f.client = websocket.NewClient(streamURL, f.handle, f.logger)
	return f
}

// Start connects the underlying WebSocket client. Reconnection and
// heartbeat are handled by the client itself.
func (f *Feed) Start() {
	f.client.Start()
}

// Stop disconnects the feed, waiting for its goroutines to exit.
func (f *Feed) Stop() {
	f.client.Stop()
}

// DecodeErrors reports how many incoming messages failed to parse. A
// nonzero, growing count usually means the venue changed its wire
// format underneath this feed.
func (f *Feed) DecodeErrors() uint64 {
	return atomic.LoadUint64(&f.decodeErr)
}

func (f *Feed) handle(raw []byte) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		atomic.AddUint64(&f.decodeErr, 1)
		f.logger.Warn("feed: failed to decode message", "error", err.Error())
		return
	}
	if msg.TokenID == "" {
		return
	}

	bid, err := decimal.NewFromString(msg.Bid)
	if err != nil {
		atomic.AddUint64(&f.decodeErr, 1)
		f.logger.Warn("feed: invalid best_bid", "token_id", msg.TokenID, "error", err.Error())
		return
	}
	ask, err := decimal.NewFromString(msg.Ask)
	if err != nil {
		atomic.AddUint64(&f.decodeErr, 1)
		f.logger.Warn("feed: invalid best_ask", "token_id", msg.TokenID, "error", err.Error())
		return
	}
	bidSize, _ := decimal.NewFromString(msg.BidSize)
	askSize, _ := decimal.NewFromString(msg.AskSize)

	seq := msg.Seq
	if seq == 0 {
		seq = atomic.AddUint64(&f.seq, 1)
	}

	quote := domain.Quote{
		TokenID:    msg.TokenID,
		BestBid:    bid,
		BestAsk:    ask,
		BidSize:    bidSize,
		AskSize:    askSize,
		ObservedAt: time.Now(),
		Sequence:   seq,
	}
	if !quote.Valid() {
		atomic.AddUint64(&f.decodeErr, 1)
		f.logger.Warn("feed: dropped invalid quote", "token_id", msg.TokenID, "error", fmt.Sprintf("bid=%s ask=%s", bid, ask))
		return
	}

	f.cache.Put(quote)
}
