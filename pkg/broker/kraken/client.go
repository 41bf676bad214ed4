// Package kraken implements broker.Adapter for Kraken Pro, structurally
// modeled on pkg/broker/binance's signed-REST Client but with Kraken's
// HMAC-SHA512 signing scheme and a mandatory strictly-increasing nonce
// pulled from internal/nonce.Store on every private call.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"apex-engine/internal/domain"
	"apex-engine/internal/nonce"
	"apex-engine/pkg/apexerr"
	"apex-engine/pkg/broker"
)

// Config holds Kraken API credentials.
type Config struct {
	APIKey    string
	APISecret string // base64-encoded, as issued by Kraken
}

// Client is the Kraken Pro BrokerAdapter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *broker.RateLimiter
	candles    *broker.TTLCache
	products   *broker.TTLCache
	idem       *broker.IdempotencyTable
	nonces     *nonce.Store
}

// New builds a Kraken client. Connect binds it to the account's nonce
// store, since Kraken rejects any private call whose nonce does not exceed
// the last one it saw for that key pair.
func New(cfg Config, nonces *nonce.Store) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    "https://api.kraken.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    broker.NewRateLimiter(time.Second),
		candles:    broker.NewTTLCache(30 * time.Second),
		products:   broker.NewTTLCache(time.Hour),
		idem:       broker.NewIdempotencyTable(),
		nonces:     nonces,
	}
}

func (c *Client) Name() domain.BrokerType { return domain.BrokerKraken }

func (c *Client) Capabilities() domain.Capabilities {
	return domain.Capabilities{Spot: true, Futures: false, Short: false}
}

func (c *Client) Connect(ctx context.Context, creds domain.CredentialsHandle) (domain.AccountIdentity, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "kraken: API key/secret required")
	}
	if _, err := c.private(ctx, "/0/private/Balance", url.Values{}); err != nil {
		return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "kraken connect", err)
	}
	return domain.AccountIdentity{AccountID: creds.Ref, Broker: domain.BrokerKraken}, nil
}

func (c *Client) GetBalance(ctx context.Context, quoteCcy string) (domain.Balance, error) {
	body, err := c.private(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeNetwork, "kraken balance", err)
	}
	var res krakenResponse[map[string]string]
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode balance", err)
	}
	if err := res.err(); err != nil {
		return domain.Balance{}, err
	}
	for asset, v := range res.Result {
		if krakenAssetMatches(asset, quoteCcy) {
			f, _ := strconv.ParseFloat(v, 64)
			return domain.Balance{Available: f, Total: f}, nil
		}
	}
	return domain.Balance{}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]domain.RawPosition, error) {
	body, err := c.private(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "kraken balance", err)
	}
	var res krakenResponse[map[string]string]
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode balance", err)
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	var positions []domain.RawPosition
	for asset, v := range res.Result {
		if krakenAssetMatches(asset, "USD") || krakenAssetMatches(asset, "USDT") {
			continue
		}
		qty, _ := strconv.ParseFloat(v, 64)
		if qty <= 0 {
			continue
		}
		// Filter dust by USD notional so position counts stay consistent
		// with the cleanup enforcer. A failed price lookup keeps the
		// balance (fail open; the enforcer re-checks with its own prices).
		if price, perr := c.GetCurrentPrice(ctx, asset+"USD"); perr == nil && qty*price < domain.DefaultDustThresholdUSD {
			continue
		}
		positions = append(positions, domain.RawPosition{Symbol: asset, Qty: qty, Side: domain.Long})
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
	c.limiter.Wait("ohlc")
	u := fmt.Sprintf("%s/0/public/OHLC?pair=%s&interval=%d", c.baseURL, symbol, krakenInterval(timeframe))
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "kraken ohlc", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var res krakenResponse[map[string]json.RawMessage]
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode ohlc", err)
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	var rows [][]any
	for k, raw := range res.Result {
		if k == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err == nil {
			break
		}
	}
	candles := make([]domain.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			continue
		}
		ts, _ := r[0].(float64)
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.Unix(int64(ts), 0).UTC(),
			Open:      parseAny(r[1]),
			High:      parseAny(r[2]),
			Low:       parseAny(r[3]),
			Close:     parseAny(r[4]),
			Volume:    parseAny(r[6]),
		})
	}
	if len(candles) > n && n > 0 {
		candles = candles[len(candles)-n:]
	}
	c.candles.Set(cacheKey, candles)
	return candles, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.limiter.Wait("ticker")
	resp, err := c.httpClient.Get(c.baseURL + "/0/public/Ticker?pair=" + symbol)
	if err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "kraken ticker", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var res krakenResponse[map[string]struct {
		C []string `json:"c"`
	}]
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode ticker", err)
	}
	if err := res.err(); err != nil {
		return 0, err
	}
	for _, t := range res.Result {
		if len(t.C) > 0 {
			f, _ := strconv.ParseFloat(t.C[0], 64)
			return f, nil
		}
	}
	return 0, apexerr.Msg(apexerr.CodeUnknownSymbol, "kraken: no ticker data for "+symbol)
}

func (c *Client) GetProducts(ctx context.Context) ([]string, error) {
	if v, ok := c.products.Get("pairs"); ok {
		if syms, ok := v.([]string); ok {
			return syms, nil
		}
	}
	resp, err := c.httpClient.Get(c.baseURL + "/0/public/AssetPairs")
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "kraken asset pairs", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var res krakenResponse[map[string]struct {
		Status string `json:"status"`
	}]
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode asset pairs", err)
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	var syms []string
	for pair, info := range res.Result {
		if info.Status == "" || info.Status == "online" {
			syms = append(syms, pair)
		}
	}
	c.products.Set("pairs", syms)
	return syms, nil
}

// PlaceMarket adds an order via AddOrder. Kraken's userref field is numeric
// and too narrow to carry our string ClientID, so idempotency is enforced
// purely through the local IdempotencyTable rather than a broker-side key.
func (c *Client) PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.ClientID != "" {
		if existing, ok := c.idem.Lookup(req.ClientID); ok {
			return existing, nil
		}
	}
	params := url.Values{}
	params.Set("pair", req.Symbol)
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("ordertype", "market")
	switch {
	case req.Qty > 0:
		params.Set("volume", formatFloat(req.Qty))
	case req.Notional > 0:
		// Kraken has no native quote-notional market order; convert
		// through the current price.
		price, perr := c.GetCurrentPrice(ctx, req.Symbol)
		if perr != nil {
			return domain.Order{}, perr
		}
		if price <= 0 {
			return domain.Order{}, apexerr.Msg(apexerr.CodeUnknownSymbol, "kraken: no price for "+req.Symbol)
		}
		params.Set("volume", formatFloat(req.Notional/price))
	default:
		return domain.Order{}, apexerr.Msg(apexerr.CodeMinNotional, "kraken: order needs Qty or Notional")
	}

	c.limiter.Wait("order:" + req.AccountID)
	body, err := c.private(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeNetwork, "kraken add order", err)
	}
	var res krakenResponse[struct {
		TxID []string `json:"txid"`
	}]
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode add order", err)
	}
	if err := res.err(); err != nil {
		return domain.Order{}, err
	}
	brokerID := ""
	if len(res.Result.TxID) > 0 {
		brokerID = res.Result.TxID[0]
	}
	order := domain.Order{
		ClientID:      req.ClientID,
		BrokerOrderID: brokerID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.Market,
		State:         domain.Pending,
	}
	if req.ClientID != "" {
		c.idem.Record(order)
	}
	return order, nil
}

func (c *Client) Cancel(ctx context.Context, ref domain.OrderRef) error {
	params := url.Values{}
	params.Set("txid", ref.BrokerOrderID)
	body, err := c.private(ctx, "/0/private/CancelOrder", params)
	if err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "kraken cancel order", err)
	}
	var res krakenResponse[map[string]any]
	if err := json.Unmarshal(body, &res); err != nil {
		return apexerr.Wrap(apexerr.CodeDecodeFailed, "decode cancel order", err)
	}
	return res.err()
}

// private signs and POSTs params to a Kraken private endpoint, consuming
// one strictly-increasing nonce per call.
func (c *Client) private(ctx context.Context, path string, params url.Values) ([]byte, error) {
	n, err := c.nonces.Next()
	if err != nil {
		return nil, fmt.Errorf("kraken: nonce: %w", err)
	}
	params.Set("nonce", strconv.FormatInt(n, 10))

	postData := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	sig, err := sign(path, n, postData, c.cfg.APISecret)
	if err != nil {
		return nil, err
	}
	req.Header.Set("API-Sign", sig)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("kraken %s status %d: %s", path, res.StatusCode, string(body))
	}
	return body, nil
}

// sign implements Kraken's HMAC-SHA512 scheme: signature = HMAC-SHA512(
// secret, path + SHA256(nonce + postdata)), base64-encoded both ways.
func sign(path string, n int64, postData, secretB64 string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return "", fmt.Errorf("kraken: invalid API secret: %w", err)
	}
	sha := sha256.New()
	sha.Write([]byte(strconv.FormatInt(n, 10) + postData))
	shaSum := sha.Sum(nil)

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(shaSum)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// krakenResponse wraps Kraken's uniform {error:[...], result:{...}} envelope.
type krakenResponse[T any] struct {
	Error  []string `json:"error"`
	Result T        `json:"result"`
}

func (r krakenResponse[T]) err() error {
	if len(r.Error) == 0 {
		return nil
	}
	return apexerr.Msg(classifyKrakenError(r.Error[0]), "kraken: "+strings.Join(r.Error, "; "))
}

func classifyKrakenError(e string) apexerr.Code {
	switch {
	case strings.Contains(e, "Invalid nonce"):
		return apexerr.CodeNonceCollision
	case strings.Contains(e, "Insufficient funds"):
		return apexerr.CodeInsufficientFunds
	case strings.Contains(e, "Unknown asset pair"):
		return apexerr.CodeUnknownSymbol
	case strings.Contains(e, "Invalid key") || strings.Contains(e, "Permission denied"):
		return apexerr.CodePermissionDenied
	case strings.Contains(e, "Rate limit"):
		return apexerr.CodeRateLimit
	default:
		return apexerr.CodeBroker5xx
	}
}

func krakenAssetMatches(asset, ccy string) bool {
	asset = strings.ToUpper(asset)
	ccy = strings.ToUpper(ccy)
	return asset == ccy || asset == "Z"+ccy || asset == "X"+ccy
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

// krakenIntervals are the OHLC granularities the venue accepts, in minutes.
var krakenIntervals = []int{1, 5, 15, 30, 60, 240, 1440, 10080, 21600}

func krakenInterval(tf string) int {
	m := broker.SnapMinutes(broker.TimeframeMinutes(tf), krakenIntervals)
	if m <= 0 {
		return 5
	}
	return m
}
