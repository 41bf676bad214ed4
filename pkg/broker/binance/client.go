// Package binance implements broker.Adapter for Binance spot:
// HMAC-SHA256 query signing with the X-MBX-APIKEY header over the
// standard REST surface.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"apex-engine/internal/domain"
	"apex-engine/pkg/apexerr"
	"apex-engine/pkg/broker"
)

// Config holds Binance credentials and connection options.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is the Binance spot BrokerAdapter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *broker.TimeSync
	limiter    *broker.RateLimiter
	candles    *broker.TTLCache
	products   *broker.TTLCache
	idem       *broker.IdempotencyTable
}

// New builds a Binance client. Connect still must be called before any
// signed request, matching every other adapter's lifecycle.
func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    broker.NewRateLimiter(100 * time.Millisecond),
		candles:    broker.NewTTLCache(30 * time.Second),
		products:   broker.NewTTLCache(time.Hour),
		idem:       broker.NewIdempotencyTable(),
	}
	c.timeSync = broker.NewTimeSync(c.GetServerTime)
	return c
}

func (c *Client) Name() domain.BrokerType { return domain.BrokerBinance }

func (c *Client) Capabilities() domain.Capabilities {
	return domain.Capabilities{Spot: true, Futures: false, Short: false}
}

// Connect verifies credentials via an account-info probe and starts the
// background time-sync loop. Connect is the only place signing failures
// surface as a hard error rather than TRANSIENT.
func (c *Client) Connect(ctx context.Context, creds domain.CredentialsHandle) (domain.AccountIdentity, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "binance: API key/secret required")
	}
	c.timeSync.Start(ctx)
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	if _, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params); err != nil {
		return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "binance connect", err)
	}
	return domain.AccountIdentity{AccountID: creds.Ref, Broker: domain.BrokerBinance}, nil
}

func (c *Client) GetBalance(ctx context.Context, quoteCcy string) (domain.Balance, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params)
	if err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeNetwork, "binance account", err)
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode account info", err)
	}
	for _, b := range info.Balances {
		if !strings.EqualFold(b.Asset, quoteCcy) {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		return domain.Balance{Available: free, Total: free + locked}, nil
	}
	return domain.Balance{}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]domain.RawPosition, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/account", params)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "binance account", err)
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode account info", err)
	}
	var positions []domain.RawPosition
	for _, b := range info.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		qty := free + locked
		if qty <= 0 || strings.EqualFold(b.Asset, "USDT") || strings.EqualFold(b.Asset, "USD") || strings.EqualFold(b.Asset, "USDC") {
			continue
		}
		// Filter dust by USD notional so position counts stay consistent
		// with the cleanup enforcer. A failed price lookup keeps the
		// balance (fail open; the enforcer re-checks with its own prices).
		if price, perr := c.GetCurrentPrice(ctx, b.Asset+"USDT"); perr == nil && qty*price < domain.DefaultDustThresholdUSD {
			continue
		}
		positions = append(positions, domain.RawPosition{Symbol: b.Asset, Qty: qty, Side: domain.Long})
	}
	return positions, nil
}

func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, n int) ([]domain.Candle, error) {
	cacheKey := symbol + ":" + timeframe
	if v, ok := c.candles.Get(cacheKey); ok {
		if cs, ok := v.([]domain.Candle); ok && len(cs) >= n {
			return cs[len(cs)-n:], nil
		}
	}
	c.limiter.Wait("klines")
	u := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d", c.baseURL, symbol, binanceInterval(timeframe), n)
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "binance klines", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, apexerr.Msg(apexerr.CodeNetwork, fmt.Sprintf("binance klines status %d: %s", resp.StatusCode, body))
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode klines", err)
	}
	candles := make([]domain.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTimeMs, _ := k[0].(float64)
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(int64(openTimeMs)),
			Open:      parseAny(k[1]),
			High:      parseAny(k[2]),
			Low:       parseAny(k[3]),
			Close:     parseAny(k[4]),
			Volume:    parseAny(k[5]),
		})
	}
	c.candles.Set(cacheKey, candles)
	return candles, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.limiter.Wait("ticker")
	resp, err := c.httpClient.Get(c.baseURL + "/api/v3/ticker/price?symbol=" + symbol)
	if err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "binance ticker", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, apexerr.Msg(apexerr.CodeNetwork, fmt.Sprintf("binance ticker status %d: %s", resp.StatusCode, body))
	}
	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode ticker", err)
	}
	price, _ := strconv.ParseFloat(res.Price, 64)
	return price, nil
}

func (c *Client) GetProducts(ctx context.Context) ([]string, error) {
	if v, ok := c.products.Get("exchangeInfo"); ok {
		if syms, ok := v.([]string); ok {
			return syms, nil
		}
	}
	resp, err := c.httpClient.Get(c.baseURL + "/api/v3/exchangeInfo")
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "binance exchangeInfo", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, apexerr.Msg(apexerr.CodeNetwork, fmt.Sprintf("binance exchangeInfo status %d: %s", resp.StatusCode, body))
	}
	var res struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode exchangeInfo", err)
	}
	var syms []string
	for _, s := range res.Symbols {
		if s.Status == "TRADING" {
			syms = append(syms, s.Symbol)
		}
	}
	c.products.Set("exchangeInfo", syms)
	return syms, nil
}

// PlaceMarket is idempotent on req.ClientID via the shared IdempotencyTable,
// since Binance's newClientOrderId is honored server-side but a network
// timeout after submission still needs a local replay guard.
func (c *Client) PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.ClientID != "" {
		if existing, ok := c.idem.Lookup(req.ClientID); ok {
			return existing, nil
		}
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(domain.Market))
	if req.Qty > 0 {
		params.Set("quantity", formatFloat(req.Qty))
	} else if req.Notional > 0 {
		params.Set("quoteOrderQty", formatFloat(req.Notional))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	c.limiter.Wait("order:" + req.AccountID)
	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeNetwork, "binance place order", err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode order response", err)
	}

	order := domain.Order{
		ClientID:      resp.ClientOrderID,
		BrokerOrderID: fmt.Sprintf("%d", resp.OrderID),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.Market,
		State:         mapStatus(resp.Status),
	}
	for _, fill := range resp.Fills {
		price, _ := strconv.ParseFloat(fill.Price, 64)
		qty, _ := strconv.ParseFloat(fill.Qty, 64)
		fee, _ := strconv.ParseFloat(fill.Commission, 64)
		order.Fills = append(order.Fills, domain.Fill{Price: price, Qty: qty, Fee: fee, At: time.Now()})
		order.Fees += fee
	}
	if req.ClientID != "" {
		c.idem.Record(order)
	}
	return order, nil
}

func (c *Client) Cancel(ctx context.Context, ref domain.OrderRef) error {
	params := url.Values{}
	params.Set("symbol", ref.Symbol)
	if ref.BrokerOrderID != "" {
		params.Set("orderId", ref.BrokerOrderID)
	}
	if ref.ClientID != "" {
		params.Set("origClientOrderId", ref.ClientID)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	if _, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/api/v3/order", params); err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "binance cancel order", err)
	}
	return nil
}

// GetServerTime fetches server time (ms); it is the TimeSync callback.
func (c *Client) GetServerTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v3/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doSigned signs the query with HMAC-SHA256 and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

type balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountInfo struct {
	CanTrade bool      `json:"canTrade"`
	Balances []balance `json:"balances"`
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Fills         []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func mapStatus(s string) domain.OrderState {
	switch strings.ToUpper(s) {
	case "NEW":
		return domain.Pending
	case "PARTIALLY_FILLED":
		return domain.Partial
	case "FILLED":
		return domain.Filled
	case "CANCELED", "EXPIRED":
		return domain.Canceled
	case "REJECTED":
		return domain.Rejected
	default:
		return domain.Pending
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseAny(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

// binanceIntervals are the kline granularities the venue accepts, in
// minutes. Canonical timeframes snap to the nearest one.
var binanceIntervals = []int{1, 3, 5, 15, 30, 60, 120, 240, 360, 480, 720, 1440}

func binanceInterval(tf string) string {
	m := broker.SnapMinutes(broker.TimeframeMinutes(tf), binanceIntervals)
	switch {
	case m <= 0:
		return tf
	case m < 60:
		return fmt.Sprintf("%dm", m)
	case m < 1440:
		return fmt.Sprintf("%dh", m/60)
	default:
		return fmt.Sprintf("%dd", m/1440)
	}
}
