// Package coinbase implements broker.Adapter for Coinbase Advanced Trade,
// adapting chidi150c-coinbase's CoinbaseBroker (per-request RS256 JWT minted
// from a CDP API key name + RSA private key) onto the new contract.
package coinbase

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"apex-engine/internal/domain"
	"apex-engine/pkg/apexerr"
	"apex-engine/pkg/broker"
)

// Config holds a Coinbase CDP API key (name + RSA private key PEM).
type Config struct {
	APIBase    string
	KeyName    string
	PrivateKey string // PEM, PKCS8 or PKCS1
}

// Client is the Coinbase Advanced Trade BrokerAdapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *broker.RateLimiter
	candles    *broker.TTLCache
	products   *broker.TTLCache
	idem       *broker.IdempotencyTable
	privKey    *rsa.PrivateKey
}

// New builds a Coinbase client; the private key is parsed lazily on Connect
// so a malformed PEM surfaces as an AUTH_INVALID FATAL error there.
func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.coinbase.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    broker.NewRateLimiter(150 * time.Millisecond),
		candles:    broker.NewTTLCache(30 * time.Second),
		products:   broker.NewTTLCache(time.Hour),
		idem:       broker.NewIdempotencyTable(),
	}
}

func (c *Client) Name() domain.BrokerType { return domain.BrokerCoinbase }

func (c *Client) Capabilities() domain.Capabilities {
	return domain.Capabilities{Spot: true, Futures: false, Short: false}
}

func (c *Client) Connect(ctx context.Context, creds domain.CredentialsHandle) (domain.AccountIdentity, error) {
	block, _ := pem.Decode([]byte(c.cfg.PrivateKey))
	if block == nil {
		return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "coinbase: invalid private key PEM")
	}
	var priv *rsa.PrivateKey
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "coinbase parse key", err)
		}
		ok := false
		if priv, ok = k.(*rsa.PrivateKey); !ok {
			return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "coinbase: key is not RSA")
		}
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "coinbase parse key", err)
		}
		priv = k
	default:
		return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "coinbase: unsupported key type "+block.Type)
	}
	c.privKey = priv

	if _, err := c.get(ctx, "/api/v3/brokerage/accounts?limit=1"); err != nil {
		return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "coinbase connect", err)
	}
	return domain.AccountIdentity{AccountID: creds.Ref, Broker: domain.BrokerCoinbase}, nil
}

func (c *Client) GetBalance(ctx context.Context, quoteCcy string) (domain.Balance, error) {
	total, err := c.sumAvailable(ctx, quoteCcy)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.Balance{Available: total, Total: total}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]domain.RawPosition, error) {
	body, err := c.get(ctx, "/api/v3/brokerage/accounts?limit=200")
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "coinbase accounts", err)
	}
	var j map[string]any
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode accounts", err)
	}
	accs, _ := anyFirst(j["accounts"], j["data"]).([]any)
	var positions []domain.RawPosition
	for _, a := range accs {
		m, _ := a.(map[string]any)
		ab, _ := m["available_balance"].(map[string]any)
		if ab == nil {
			continue
		}
		cur := strings.ToUpper(asStr(ab["currency"]))
		v := parseFloat(ab["value"])
		if v <= 0 || cur == "USD" || cur == "USDC" {
			continue
		}
		if price, perr := c.GetCurrentPrice(ctx, cur+"-USD"); perr == nil && v*price < domain.DefaultDustThresholdUSD {
			continue
		}
		positions = append(positions, domain.RawPosition{Symbol: cur, Qty: v, Side: domain.Long})
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
	gran := coinbaseGranularity(timeframe)
	sec := granularitySeconds(gran)
	if sec <= 0 {
		return nil, apexerr.Msg(apexerr.CodeUnknownSymbol, "coinbase: unsupported granularity "+timeframe)
	}
	limit := n
	if limit <= 0 || limit > 350 {
		limit = 350
	}
	end := time.Now().UTC()
	start := end.Add(-time.Duration((limit+2)*sec) * time.Second)
	qs := url.Values{
		"granularity": []string{gran},
		"start":       []string{strconv.FormatInt(start.Unix(), 10)},
		"end":         []string{strconv.FormatInt(end.Unix(), 10)},
		"limit":       []string{strconv.Itoa(limit)},
	}
	c.limiter.Wait("candles")
	body, err := c.get(ctx, fmt.Sprintf("/api/v3/brokerage/products/%s/candles?%s", url.PathEscape(symbol), qs.Encode()))
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "coinbase candles", err)
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode candles", err)
	}
	rows, _ := anyFirst(mapGet(raw, "candles"), raw).([]any)
	candles := make([]domain.Candle, 0, len(rows))
	for _, it := range rows {
		m, _ := it.(map[string]any)
		if m == nil {
			continue
		}
		ts, _ := strconv.ParseInt(asStr(m["start"]), 10, 64)
		if ts <= 0 {
			continue
		}
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.Unix(ts, 0).UTC(),
			Open:      parseFloat(m["open"]),
			High:      parseFloat(m["high"]),
			Low:       parseFloat(m["low"]),
			Close:     parseFloat(m["close"]),
			Volume:    parseFloat(m["volume"]),
		})
	}
	for i := 1; i < len(candles); i++ {
		for j := i; j > 0 && candles[j].OpenTime.Before(candles[j-1].OpenTime); j-- {
			candles[j], candles[j-1] = candles[j-1], candles[j]
		}
	}
	c.candles.Set(cacheKey, candles)
	return candles, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.limiter.Wait("price")
	body, err := c.get(ctx, "/api/v3/brokerage/products/"+url.PathEscape(symbol))
	if err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "coinbase product", err)
	}
	var j map[string]any
	if err := json.Unmarshal(body, &j); err != nil {
		return 0, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode product", err)
	}
	for _, k := range []string{"price", "mid_market_price", "best_ask", "best_bid"} {
		if v, ok := j[k]; ok {
			if f := parseFloat(v); f > 0 {
				return f, nil
			}
		}
	}
	return 0, apexerr.Msg(apexerr.CodeUnknownSymbol, "coinbase: no usable price in product payload")
}

func (c *Client) GetProducts(ctx context.Context) ([]string, error) {
	if v, ok := c.products.Get("products"); ok {
		if syms, ok := v.([]string); ok {
			return syms, nil
		}
	}
	body, err := c.get(ctx, "/api/v3/brokerage/products?limit=250")
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "coinbase products", err)
	}
	var j struct {
		Products []struct {
			ProductID string `json:"product_id"`
			Status    string `json:"status"`
		} `json:"products"`
	}
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode products", err)
	}
	var syms []string
	for _, p := range j.Products {
		if p.Status == "" || p.Status == "online" {
			syms = append(syms, p.ProductID)
		}
	}
	c.products.Set("products", syms)
	return syms, nil
}

// PlaceMarket places a market-by-quote order, matching PlaceMarketQuote, and
// enriches the result with fills via a short poll since Advanced Trade's
// order-create response does not itself carry the average fill price.
func (c *Client) PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	if existing, ok := c.idem.Lookup(clientID); ok {
		return existing, nil
	}

	notional := req.Notional
	if notional <= 0 {
		return domain.Order{}, apexerr.Msg(apexerr.CodeMinNotional, "coinbase: PlaceMarket requires Notional (quote-size orders only)")
	}
	reqBody := map[string]any{
		"client_order_id": clientID,
		"product_id":      req.Symbol,
		"side":            string(req.Side),
		"order_configuration": map[string]any{
			"market_market_ioc": map[string]string{
				"quote_size": fmt.Sprintf("%.2f", notional),
			},
		},
	}
	bs, _ := json.Marshal(reqBody)

	c.limiter.Wait("order:" + req.AccountID)
	body, err := c.post(ctx, "/api/v3/brokerage/orders", bs)
	if err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeNetwork, "coinbase place order", err)
	}
	var generic map[string]any
	_ = json.Unmarshal(body, &generic)
	orderID := asStr(anyFirst(generic["order_id"], mapGet(generic, "success_response", "order_id")))
	if orderID == "" {
		orderID = clientID
	}

	order := domain.Order{
		ClientID:      clientID,
		BrokerOrderID: orderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.Market,
		State:         domain.Pending,
	}
	if price, base, commission, ferr := c.fetchFills(ctx, orderID); ferr == nil && base > 0 {
		order.State = domain.Filled
		order.Fills = append(order.Fills, domain.Fill{Price: price, Qty: base, Fee: commission, At: time.Now()})
		order.Fees = commission
	}
	c.idem.Record(order)
	return order, nil
}

func (c *Client) fetchFills(ctx context.Context, orderID string) (avgPrice, filledBase, commission float64, err error) {
	const attempts = 6
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return 0, 0, 0, ctx.Err()
		}
		qs := url.Values{"order_id": []string{orderID}}
		body, gerr := c.get(ctx, "/api/v3/brokerage/orders/historical/fills?"+qs.Encode())
		if gerr == nil {
			var j map[string]any
			if json.Unmarshal(body, &j) == nil {
				list, _ := anyFirst(j["fills"], j["data"], j["results"]).([]any)
				var totBase, totNotional, totCommission float64
				for _, it := range list {
					m, _ := it.(map[string]any)
					price := parseFloat(anyFirst(m["price"], m["average_filled_price"]))
					size := parseFloat(anyFirst(m["size"], m["filled_size"]))
					totBase += size
					totNotional += size * price
					totCommission += parseFloat(m["commission"])
				}
				if totBase > 0 {
					return totNotional / totBase, totBase, totCommission, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0, 0, 0, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return 0, 0, 0, fmt.Errorf("no fills observed for order %s", orderID)
}

func (c *Client) Cancel(ctx context.Context, ref domain.OrderRef) error {
	orderID := ref.BrokerOrderID
	if orderID == "" {
		orderID = ref.ClientID
	}
	body, _ := json.Marshal(map[string]any{"order_ids": []string{orderID}})
	if _, err := c.post(ctx, "/api/v3/brokerage/orders/batch_cancel", body); err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "coinbase cancel order", err)
	}
	return nil
}

func (c *Client) sumAvailable(ctx context.Context, currency string) (float64, error) {
	body, err := c.get(ctx, "/api/v3/brokerage/accounts?limit=200")
	if err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "coinbase accounts", err)
	}
	var j map[string]any
	if err := json.Unmarshal(body, &j); err != nil {
		return 0, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode accounts", err)
	}
	accs, _ := anyFirst(j["accounts"], j["data"]).([]any)
	total := 0.0
	for _, a := range accs {
		m, _ := a.(map[string]any)
		ab, _ := m["available_balance"].(map[string]any)
		if ab == nil {
			continue
		}
		if !strings.EqualFold(asStr(ab["currency"]), currency) {
			continue
		}
		total += parseFloat(ab["value"])
	}
	return total, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.addAuth(req); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("coinbase %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, string(body))
	}
	return body, nil
}

// addAuth mints a short-lived RS256 JWT per request, matching the Advanced
// Trade CDP key flow.
func (c *Client) addAuth(req *http.Request) error {
	if c.privKey == nil {
		return fmt.Errorf("coinbase: not connected")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": c.cfg.KeyName,
		"aud": "retail_rest_api",
		"iat": now.Unix(),
		"exp": now.Add(25 * time.Second).Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"jti": uuid.New().String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privKey)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("CB-ACCESS-KEY", c.cfg.KeyName)
	return nil
}

// coinbaseGranularities maps the venue's granularity enum to minutes;
// canonical timeframes snap to the nearest supported one. A string already
// in enum form passes through untouched.
var coinbaseGranularities = []struct {
	minutes int
	name    string
}{
	{1, "ONE_MINUTE"},
	{5, "FIVE_MINUTE"},
	{15, "FIFTEEN_MINUTE"},
	{30, "THIRTY_MINUTE"},
	{60, "ONE_HOUR"},
	{360, "SIX_HOUR"},
	{1440, "ONE_DAY"},
}

func coinbaseGranularity(tf string) string {
	if granularitySeconds(tf) > 0 {
		return strings.ToUpper(tf)
	}
	want := broker.TimeframeMinutes(tf)
	supported := make([]int, len(coinbaseGranularities))
	for i, g := range coinbaseGranularities {
		supported[i] = g.minutes
	}
	m := broker.SnapMinutes(want, supported)
	for _, g := range coinbaseGranularities {
		if g.minutes == m {
			return g.name
		}
	}
	return tf
}

func granularitySeconds(g string) int {
	switch strings.ToUpper(g) {
	case "ONE_MINUTE":
		return 60
	case "FIVE_MINUTE":
		return 300
	case "FIFTEEN_MINUTE":
		return 900
	case "THIRTY_MINUTE":
		return 1800
	case "ONE_HOUR":
		return 3600
	case "SIX_HOUR":
		return 21600
	case "ONE_DAY":
		return 86400
	default:
		return 0
	}
}

func anyFirst(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func mapGet(v any, keys ...string) any {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func asStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func parseFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
