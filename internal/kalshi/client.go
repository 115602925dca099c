package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/discovery"
	"github.com/kxquant/momentum-engine/internal/money"
	"github.com/kxquant/momentum-engine/internal/trade"
	"github.com/kxquant/momentum-engine/internal/trader"
)

const (
	prodBaseURL = "https://trading-api.kalshi.com/trade-api/v2"
	demoBaseURL = "https://demo-api.kalshi.co/trade-api/v2"
)

// Client is the signed REST client. It satisfies trader.OrderAPI and
// discovery.MarketLister.
type Client struct {
	baseURL    string
	apiKey     string
	privateKey *rsa.PrivateKey
	dryRun     bool
	httpClient *http.Client
}

var (
	_ trader.OrderAPI          = (*Client)(nil)
	_ discovery.MarketLister = (*Client)(nil)
)

// NewClient loads the signing key from privateKeyPath (a PEM-encoded PKCS#1
// or PKCS#8 RSA private key, matching the key Kalshi issues alongside an
// API key) and returns a Client against the demo or production API.
func NewClient(apiKey, privateKeyPath string, useDemo, dryRun bool) (*Client, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("kalshi: read private key: %w", err)
	}
	key, err := parseRSAPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}

	baseURL := prodBaseURL
	if useDemo {
		baseURL = demoBaseURL
	}

	log.Info().Str("base_url", baseURL).Bool("dry_run", dryRun).Msg("kalshi: client initialized")

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		privateKey: key,
		dryRun:     dryRun,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}

// PlaceOrder implements trader.OrderAPI.
func (c *Client) PlaceOrder(ctx context.Context, ticker string, side trade.Side, action trader.Action, limitPriceCents, size int) (trader.OrderResult, error) {
	if c.dryRun {
		id := fmt.Sprintf("DRY-%d", time.Now().UnixNano())
		log.Info().Str("order_id", id).Str("ticker", ticker).Str("side", side.String()).Int("price", limitPriceCents).Int("size", size).Msg("kalshi: dry-run order placed")
		return trader.OrderResult{OrderID: id, Status: trader.Filled, FilledQty: size, AvgFillPriceCents: limitPriceCents}, nil
	}

	req := placeOrderRequest{
		Ticker:   ticker,
		ClientID: fmt.Sprintf("me-%d", time.Now().UnixNano()),
		Side:     wireSide(side),
		Action:   wireAction(action),
		Type:     "limit",
		Count:    size,
	}
	if side == trade.Yes {
		req.YesPrice = limitPriceCents
	} else {
		req.NoPrice = limitPriceCents
	}

	var resp placeOrderResponse
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders", req, &resp); err != nil {
		return trader.OrderResult{}, err
	}

	return trader.OrderResult{
		OrderID:           resp.Order.OrderID,
		Status:            fromWireStatus(resp.Order.Status),
		FilledQty:         resp.Order.FilledCount,
		AvgFillPriceCents: wirePrice(resp.Order, side),
	}, nil
}

// CancelOrder implements trader.OrderAPI.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		return nil
	}
	path := "/portfolio/orders/" + orderID
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ListOpenMarkets implements discovery.MarketLister.
func (c *Client) ListOpenMarkets(ctx context.Context) ([]discovery.MarketInfo, error) {
	var resp listMarketsResponse
	if err := c.do(ctx, http.MethodGet, "/markets?status=open&limit=200", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]discovery.MarketInfo, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		info := discovery.MarketInfo{Ticker: m.Ticker, Volume: m.Volume}
		if m.YesBid > 0 {
			p := money.Price(m.YesBid)
			info.YesBid = &p
		}
		if m.YesAsk > 0 {
			p := money.Price(m.YesAsk)
			info.YesAsk = &p
		}
		out = append(out, info)
	}
	return out, nil
}

// GetBalance returns the account's available balance, in cents.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/balance", nil, &resp); err != nil {
		return 0, err
	}
	return resp.BalanceCents, nil
}

// do signs and executes a request, matching Kalshi's RSA-PSS request
// signing scheme: sign(timestamp + method + path) over SHA-256, PSS
// padding with salt length equal to hash length, base64-encoded.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kalshi: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(req, method, path); err != nil {
		return fmt.Errorf("kalshi: sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kalshi: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kalshi: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("kalshi: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// sign attaches the KALSHI-ACCESS-* headers required by every authenticated
// request. The request path signed is the API path without query string,
// matching Kalshi's documented scheme.
func (c *Client) sign(req *http.Request, method, path string) error {
	headers, err := c.signHeaders(method, path)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	return nil
}

// signHeaders computes the KALSHI-ACCESS-* header set for method+path
// without requiring a constructed *http.Request, so the websocket upgrade
// request (authenticated the same way as REST calls) can reuse it.
func (c *Client) signHeaders(method, path string) (http.Header, error) {
	timestampMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signPath := path
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		signPath = path[:idx]
	}
	message := timestampMs + method + signPath

	hashed := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hashed[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", c.apiKey)
	h.Set("KALSHI-ACCESS-TIMESTAMP", timestampMs)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return h, nil
}

// AuthHeaders exposes signHeaders for collaborators outside this file (the
// feed client's websocket handshake) that need signed headers without a
// full *http.Request.
func (c *Client) AuthHeaders(method, path string) (http.Header, error) {
	return c.signHeaders(method, path)
}

func wireSide(s trade.Side) string {
	if s == trade.Yes {
		return "yes"
	}
	return "no"
}

func wireAction(a trader.Action) string {
	if a == trader.Buy {
		return "buy"
	}
	return "sell"
}

func wirePrice(order orderWire, side trade.Side) int {
	if side == trade.Yes {
		return order.YesPrice
	}
	return order.NoPrice
}

func fromWireStatus(s OrderStatusWire) trader.OrderStatus {
	switch s {
	case StatusFilled:
		return trader.Filled
	case StatusPartiallyFilled:
		return trader.PartiallyFilled
	case StatusResting:
		return trader.Resting
	default:
		return trader.Rejected
	}
}
