// Package alpaca implements broker.Adapter for Alpaca's paper/live trading
// API. Unlike the HMAC-signed exchanges, Alpaca authenticates with a plain
// key/secret header pair, so this client is structurally the same as
// pkg/broker/kraken's signed-REST Client but with no signing step at all.
// Alpaca is spot-only with no short selling, so SHORT entries are rejected
// at the adapter boundary with apexerr.CodeCapabilityUnsupported rather
// than being silently coerced or forwarded to fail broker-side.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apex-engine/internal/domain"
	"apex-engine/pkg/apexerr"
	"apex-engine/pkg/broker"
)

// Config holds Alpaca API credentials. Paper selects the paper-trading
// base URL so a user account can be dry-run against real market data
// without touching a live brokerage balance.
type Config struct {
	APIKeyID     string
	APISecretKey string
	Paper        bool
}

// Client is the Alpaca BrokerAdapter.
type Client struct {
	cfg        Config
	baseURL    string
	dataURL    string
	httpClient *http.Client
	limiter    *broker.RateLimiter
	candles    *broker.TTLCache
	products   *broker.TTLCache
	idem       *broker.IdempotencyTable
}

// New builds an Alpaca client.
func New(cfg Config) *Client {
	base := "https://api.alpaca.markets"
	if cfg.Paper {
		base = "https://paper-api.alpaca.markets"
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		dataURL:    "https://data.alpaca.markets",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    broker.NewRateLimiter(time.Second / 3),
		candles:    broker.NewTTLCache(30 * time.Second),
		products:   broker.NewTTLCache(time.Hour),
		idem:       broker.NewIdempotencyTable(),
	}
}

func (c *Client) Name() domain.BrokerType { return domain.BrokerAlpaca }

func (c *Client) Capabilities() domain.Capabilities {
	return domain.Capabilities{Spot: true, Futures: false, Short: false}
}

func (c *Client) Connect(ctx context.Context, creds domain.CredentialsHandle) (domain.AccountIdentity, error) {
	if c.cfg.APIKeyID == "" || c.cfg.APISecretKey == "" {
		return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "alpaca: API key id/secret required")
	}
	var acct struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/account", nil, &acct); err != nil {
		return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "alpaca connect", err)
	}
	return domain.AccountIdentity{AccountID: creds.Ref, Broker: domain.BrokerAlpaca}, nil
}

func (c *Client) GetBalance(ctx context.Context, quoteCcy string) (domain.Balance, error) {
	var acct struct {
		Cash           string `json:"cash"`
		PortfolioValue string `json:"portfolio_value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/account", nil, &acct); err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeNetwork, "alpaca balance", err)
	}
	return domain.Balance{Available: parseF(acct.Cash), Total: parseF(acct.PortfolioValue)}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]domain.RawPosition, error) {
	var raw []struct {
		Symbol string `json:"symbol"`
		Qty    string `json:"qty"`
		Side   string `json:"side"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/positions", nil, &raw); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "alpaca positions", err)
	}
	out := make([]domain.RawPosition, 0, len(raw))
	for _, p := range raw {
		if qty := parseF(p.Qty); qty != 0 {
			if price, perr := c.GetCurrentPrice(ctx, p.Symbol); perr == nil && qty*price < domain.DefaultDustThresholdUSD && -qty*price < domain.DefaultDustThresholdUSD {
				continue
			}
		}
		side := domain.Long
		if strings.EqualFold(p.Side, "short") {
			// Alpaca accounts used by this engine never carry shorts, but a
			// manually-opened short on the broker side must still surface
			// here rather than being silently dropped from reconciliation.
			side = domain.Short
		}
		out = append(out, domain.RawPosition{Symbol: p.Symbol, Qty: parseF(p.Qty), Side: side})
	}
	return out, nil
}

func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, n int) ([]domain.Candle, error) {
	cacheKey := symbol + ":" + timeframe
	if v, ok := c.candles.Get(cacheKey); ok {
		if cs, ok := v.([]domain.Candle); ok && len(cs) >= n {
			return cs[len(cs)-n:], nil
		}
	}
	c.limiter.Wait("candles")
	u := fmt.Sprintf("%s/v2/stocks/%s/bars?timeframe=%s&limit=%d", c.dataURL, symbol, alpacaTimeframe(timeframe), n)
	var res struct {
		Bars []struct {
			T string  `json:"t"`
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V float64 `json:"v"`
		} `json:"bars"`
	}
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "alpaca candles", err)
	}
	candles := make([]domain.Candle, 0, len(res.Bars))
	for _, bar := range res.Bars {
		ts, _ := time.Parse(time.RFC3339, bar.T)
		candles = append(candles, domain.Candle{
			Symbol: symbol, Timeframe: timeframe, OpenTime: ts,
			Open: bar.O, High: bar.H, Low: bar.L, Close: bar.C, Volume: bar.V,
		})
	}
	c.candles.Set(cacheKey, candles)
	return candles, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.limiter.Wait("quote")
	var res struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	u := c.dataURL + "/v2/stocks/" + symbol + "/trades/latest"
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "alpaca trade", err)
	}
	if res.Trade.Price <= 0 {
		return 0, apexerr.Msg(apexerr.CodeUnknownSymbol, "alpaca: no trade data for "+symbol)
	}
	return res.Trade.Price, nil
}

func (c *Client) GetProducts(ctx context.Context) ([]string, error) {
	if v, ok := c.products.Get("assets"); ok {
		if syms, ok := v.([]string); ok {
			return syms, nil
		}
	}
	var assets []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		Tradable     bool   `json:"tradable"`
		Fractionable bool   `json:"fractionable"`
	}
	u := c.baseURL + "/v2/assets?status=active&asset_class=us_equity"
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &assets); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "alpaca assets", err)
	}
	var syms []string
	for _, a := range assets {
		if a.Tradable {
			syms = append(syms, a.Symbol)
		}
	}
	c.products.Set("assets", syms)
	return syms, nil
}

// PlaceMarket submits a spot market order. SHORT is rejected up front:
// Alpaca's Capabilities() already advertises Short:false, but RiskEngine
// and ExitEngine operate on signal/position state independent of the
// adapter, so the boundary check here is the actual backstop.
func (c *Client) PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Side == domain.Sell && req.Qty == 0 {
		// A sell with no held quantity is a short open, which this account
		// class cannot do; exits always carry the position's Qty.
		return domain.Order{}, apexerr.Msg(apexerr.CodeCapabilityUnsupported, "alpaca: short selling unsupported")
	}
	if req.ClientID != "" {
		if existing, ok := c.idem.Lookup(req.ClientID); ok {
			return existing, nil
		}
	}

	body := map[string]any{
		"symbol":          req.Symbol,
		"side":            strings.ToLower(string(req.Side)),
		"type":            "market",
		"time_in_force":   "day",
		"client_order_id": req.ClientID,
	}
	if req.Qty > 0 {
		body["qty"] = formatFloat(req.Qty)
	} else if req.Notional > 0 {
		body["notional"] = formatFloat(req.Notional)
	}
	payload, _ := json.Marshal(body)

	c.limiter.Wait("order:" + req.AccountID)
	var res struct {
		ID      string `json:"id"`
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/orders", payload, &res)
	if err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeNetwork, "alpaca place order", err)
	}
	if res.Code != 0 {
		return domain.Order{}, apexerr.Msg(classifyAlpacaError(res.Code), "alpaca: "+res.Message)
	}

	order := domain.Order{
		ClientID:      req.ClientID,
		BrokerOrderID: res.ID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.Market,
		State:         mapAlpacaStatus(res.Status),
	}
	if req.ClientID != "" {
		c.idem.Record(order)
	}
	return order, nil
}

func (c *Client) Cancel(ctx context.Context, ref domain.OrderRef) error {
	u := c.baseURL + "/v2/orders/" + ref.BrokerOrderID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	c.setAuthHeaders(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "alpaca cancel order", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 && res.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(res.Body)
		return apexerr.Msg(apexerr.CodeBroker5xx, fmt.Sprintf("alpaca cancel status %d: %s", res.StatusCode, string(body)))
	}
	return nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecretKey)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	c.setAuthHeaders(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	respBody, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		// Alpaca's error envelope is {"code":N,"message":"..."}; surface it
		// through the same `out` struct when the caller's shape accepts it,
		// falling back to a generic wrap otherwise.
		if err := json.Unmarshal(respBody, out); err == nil {
			return nil
		}
		return fmt.Errorf("alpaca %s status %d: %s", url, res.StatusCode, string(respBody))
	}
	if len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func classifyAlpacaError(code int) apexerr.Code {
	switch code {
	case 40310000:
		return apexerr.CodeInsufficientFunds
	case 40110000:
		return apexerr.CodeAuthInvalid
	case 42910000:
		return apexerr.CodeRateLimit
	default:
		return apexerr.CodeBroker5xx
	}
}

func mapAlpacaStatus(s string) domain.OrderState {
	switch s {
	case "filled":
		return domain.Filled
	case "canceled", "expired", "rejected":
		return domain.Canceled
	case "partially_filled":
		return domain.Partial
	default:
		return domain.Pending
	}
}

func alpacaTimeframe(tf string) string {
	switch tf {
	case "1m":
		return "1Min"
	case "5m":
		return "5Min"
	case "15m":
		return "15Min"
	case "1h":
		return "1Hour"
	case "1d":
		return "1Day"
	}
	// Other timeframes (e.g. 25m, 75m) snap to the nearest supported bar.
	switch broker.SnapMinutes(broker.TimeframeMinutes(tf), []int{1, 5, 15, 60, 1440}) {
	case 1:
		return "1Min"
	case 15:
		return "15Min"
	case 60:
		return "1Hour"
	case 1440:
		return "1Day"
	default:
		return "5Min"
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
