// Package kalshi is the exchange-facing client: a signed REST client for
// order placement and market listing, and a websocket feed client for
// streaming order-book deltas. Both are thin adapters that satisfy the
// interfaces internal/trader, internal/discovery, and internal/feed declare
// near their own consumers.
package kalshi

import (
	"encoding/json"
	"time"
)

// OrderStatusWire is the status string Kalshi's REST API returns.
type OrderStatusWire string

const (
	StatusFilled          OrderStatusWire = "filled"
	StatusPartiallyFilled OrderStatusWire = "partially_filled"
	StatusResting         OrderStatusWire = "resting"
	StatusCanceled        OrderStatusWire = "canceled"
)

// placeOrderRequest is the REST payload for POST /portfolio/orders.
type placeOrderRequest struct {
	Ticker     string `json:"ticker"`
	ClientID   string `json:"client_order_id"`
	Side       string `json:"side"`   // "yes" | "no"
	Action     string `json:"action"` // "buy" | "sell"
	Type       string `json:"type"`   // always "limit"
	Count      int    `json:"count"`
	YesPrice   int    `json:"yes_price,omitempty"`
	NoPrice    int    `json:"no_price,omitempty"`
}

// orderWire is the order object embedded in a place/get order response.
type orderWire struct {
	OrderID     string          `json:"order_id"`
	Status      OrderStatusWire `json:"status"`
	FilledCount int             `json:"filled_count"`
	YesPrice    int             `json:"yes_price"`
	NoPrice     int             `json:"no_price"`
	Side        string          `json:"side"`
}

// placeOrderResponse is the REST response body.
type placeOrderResponse struct {
	Order orderWire `json:"order"`
}

// marketRow is one entry of GET /markets.
type marketRow struct {
	Ticker string `json:"ticker"`
	YesBid int    `json:"yes_bid"`
	YesAsk int    `json:"yes_ask"`
	NoBid  int    `json:"no_bid"`
	NoAsk  int    `json:"no_ask"`
	Volume int64  `json:"volume"`
	Status string `json:"status"`
}

type listMarketsResponse struct {
	Markets []marketRow `json:"markets"`
	Cursor  string      `json:"cursor"`
}

type balanceResponse struct {
	BalanceCents int64 `json:"balance"`
}

// wsEnvelope is the outer shape of every inbound websocket message; Type
// selects which of the payload fields to decode (§6's Snapshot/Delta/
// Subscribed/Error message set).
type wsEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

// wsSnapshot mirrors §6's Snapshot{ticker, yes, no}.
type wsSnapshot struct {
	MarketTicker string      `json:"market_ticker"`
	Yes          []wsLevel   `json:"yes"`
	No           []wsLevel   `json:"no"`
}

type wsLevel struct {
	Price int `json:"price"`
	Qty   int `json:"delta"`
}

// wsDelta mirrors §6's Delta{ticker, side, price, delta_qty, timestamp}.
type wsDelta struct {
	MarketTicker string `json:"market_ticker"`
	Price        int    `json:"price"`
	Delta        int    `json:"delta"`
	Side         string `json:"side"` // "yes" | "no"
	Ts           int64  `json:"ts"`  // unix milliseconds
}

type wsSubscribed struct {
	Channels []string `json:"channels"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type wsSubscribeCmd struct {
	ID     int      `json:"id"`
	Cmd    string   `json:"cmd"`
	Params struct {
		Channels      []string `json:"channels"`
		MarketTickers []string `json:"market_tickers"`
	} `json:"params"`
}

// snapshotAge is a staleness limit for feed messages. Nothing reads it: the
// feed records the time of its last message but does not check it, so a
// connection that stays open without messages is not reconnected.
const snapshotAge = 30 * time.Second
