// Package okx implements broker.Adapter for OKX, structurally modeled on
// pkg/broker/kraken's signed-REST Client shape but with OKX's
// HMAC-SHA256-over-(timestamp+method+path+body) signing scheme and its
// four-header auth envelope (OK-ACCESS-KEY/SIGN/TIMESTAMP/PASSPHRASE).
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

// Config holds OKX API credentials. Passphrase is mandatory: OKX's API-key
// creation flow requires one and every signed request echoes it back.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Client is the OKX BrokerAdapter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *broker.RateLimiter
	candles    *broker.TTLCache
	products   *broker.TTLCache
	idem       *broker.IdempotencyTable
}

// New builds an OKX client.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    "https://www.okx.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    broker.NewRateLimiter(time.Second),
		candles:    broker.NewTTLCache(30 * time.Second),
		products:   broker.NewTTLCache(time.Hour),
		idem:       broker.NewIdempotencyTable(),
	}
}

func (c *Client) Name() domain.BrokerType { return domain.BrokerOKX }

func (c *Client) Capabilities() domain.Capabilities {
	return domain.Capabilities{Spot: true, Futures: true, Short: false}
}

func (c *Client) Connect(ctx context.Context, creds domain.CredentialsHandle) (domain.AccountIdentity, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" || c.cfg.Passphrase == "" {
		return domain.AccountIdentity{}, apexerr.Msg(apexerr.CodeAuthInvalid, "okx: API key/secret/passphrase required")
	}
	if _, err := c.signed(ctx, http.MethodGet, "/api/v5/account/balance", nil); err != nil {
		return domain.AccountIdentity{}, apexerr.Wrap(apexerr.CodeAuthInvalid, "okx connect", err)
	}
	return domain.AccountIdentity{AccountID: creds.Ref, Broker: domain.BrokerOKX}, nil
}

func (c *Client) GetBalance(ctx context.Context, quoteCcy string) (domain.Balance, error) {
	var res okxEnvelope[[]struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			Eq       string `json:"eq"`
		} `json:"details"`
	}]
	body, err := c.signed(ctx, http.MethodGet, "/api/v5/account/balance?ccy="+quoteCcy, nil)
	if err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeNetwork, "okx balance", err)
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.Balance{}, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx balance", err)
	}
	if err := res.err(); err != nil {
		return domain.Balance{}, err
	}
	for _, acct := range res.Data {
		for _, d := range acct.Details {
			if strings.EqualFold(d.Ccy, quoteCcy) {
				return domain.Balance{Available: parseF(d.AvailBal), Total: parseF(d.Eq)}, nil
			}
		}
	}
	return domain.Balance{}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]domain.RawPosition, error) {
	var res okxEnvelope[[]struct {
		InstID  string `json:"instId"`
		Pos     string `json:"pos"`
		PosSide string `json:"posSide"`
	}]
	body, err := c.signed(ctx, http.MethodGet, "/api/v5/account/positions", nil)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "okx positions", err)
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx positions", err)
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	out := make([]domain.RawPosition, 0, len(res.Data))
	for _, p := range res.Data {
		qty := parseF(p.Pos)
		if qty == 0 {
			continue
		}
		if price, perr := c.GetCurrentPrice(ctx, p.InstID); perr == nil && qty*price < domain.DefaultDustThresholdUSD && -qty*price < domain.DefaultDustThresholdUSD {
			continue
		}
		side := domain.Long
		if qty < 0 || strings.EqualFold(p.PosSide, "short") {
			side = domain.Short
			qty = -qty
		}
		out = append(out, domain.RawPosition{Symbol: p.InstID, Qty: qty, Side: side})
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
	u := fmt.Sprintf("%s/api/v5/market/candles?instId=%s&bar=%s&limit=%d", c.baseURL, symbol, okxBar(timeframe), n)
	resp, err := c.httpClient.Get(u)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "okx candles", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var res okxEnvelope[[][]string]
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx candles", err)
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	// OKX returns newest-first; reverse to oldest-first like every other adapter.
	candles := make([]domain.Candle, 0, len(res.Data))
	for i := len(res.Data) - 1; i >= 0; i-- {
		row := res.Data[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(ms).UTC(),
			Open:      parseF(row[1]),
			High:      parseF(row[2]),
			Low:       parseF(row[3]),
			Close:     parseF(row[4]),
			Volume:    parseF(row[5]),
		})
	}
	c.candles.Set(cacheKey, candles)
	return candles, nil
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.limiter.Wait("ticker")
	resp, err := c.httpClient.Get(c.baseURL + "/api/v5/market/ticker?instId=" + symbol)
	if err != nil {
		return 0, apexerr.Wrap(apexerr.CodeNetwork, "okx ticker", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var res okxEnvelope[[]struct {
		Last string `json:"last"`
	}]
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx ticker", err)
	}
	if err := res.err(); err != nil {
		return 0, err
	}
	if len(res.Data) == 0 {
		return 0, apexerr.Msg(apexerr.CodeUnknownSymbol, "okx: no ticker data for "+symbol)
	}
	return parseF(res.Data[0].Last), nil
}

func (c *Client) GetProducts(ctx context.Context) ([]string, error) {
	if v, ok := c.products.Get("instruments"); ok {
		if syms, ok := v.([]string); ok {
			return syms, nil
		}
	}
	resp, err := c.httpClient.Get(c.baseURL + "/api/v5/public/instruments?instType=SPOT")
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeNetwork, "okx instruments", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var res okxEnvelope[[]struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
	}]
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx instruments", err)
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	var syms []string
	for _, i := range res.Data {
		if i.State == "live" {
			syms = append(syms, i.InstID)
		}
	}
	c.products.Set("instruments", syms)
	return syms, nil
}

// PlaceMarket submits a spot market order. OKX accepts a native
// clOrdId field, so idempotency is broker-native here rather than
// local-map-only (though the local table still short-circuits retries
// within this process without a round trip).
func (c *Client) PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.ClientID != "" {
		if existing, ok := c.idem.Lookup(req.ClientID); ok {
			return existing, nil
		}
	}
	body := map[string]any{
		"instId":  req.Symbol,
		"tdMode":  "cash",
		"side":    strings.ToLower(string(req.Side)),
		"ordType": "market",
		"clOrdId": sanitizeClOrdID(req.ClientID),
	}
	if req.Qty > 0 {
		body["sz"] = formatFloat(req.Qty)
	} else if req.Notional > 0 {
		body["sz"] = formatFloat(req.Notional)
		body["tgtCcy"] = "quote_ccy"
	}
	payload, _ := json.Marshal(body)

	c.limiter.Wait("order:" + req.AccountID)
	respBody, err := c.signed(ctx, http.MethodPost, "/api/v5/trade/order", payload)
	if err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeNetwork, "okx place order", err)
	}
	var res okxEnvelope[[]struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}]
	if err := json.Unmarshal(respBody, &res); err != nil {
		return domain.Order{}, apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx order", err)
	}
	if err := res.err(); err != nil {
		return domain.Order{}, err
	}
	if len(res.Data) > 0 && res.Data[0].SCode != "0" {
		return domain.Order{}, apexerr.Msg(classifyOKXError(res.Data[0].SCode), "okx: "+res.Data[0].SMsg)
	}
	brokerID := ""
	if len(res.Data) > 0 {
		brokerID = res.Data[0].OrdID
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
	body, _ := json.Marshal(map[string]string{"instId": ref.Symbol, "ordId": ref.BrokerOrderID})
	respBody, err := c.signed(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body)
	if err != nil {
		return apexerr.Wrap(apexerr.CodeNetwork, "okx cancel order", err)
	}
	var res okxEnvelope[[]struct{}]
	if err := json.Unmarshal(respBody, &res); err != nil {
		return apexerr.Wrap(apexerr.CodeDecodeFailed, "decode okx cancel", err)
	}
	return res.err()
}

// signed issues one authenticated OKX request: the signature covers
// timestamp+method+requestPath+body exactly, base64-encoded.
func (c *Client) signed(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	sig := sign(ts, method, path, body, c.cfg.APISecret)
	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	respBody, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("okx %s status %d: %s", path, res.StatusCode, string(respBody))
	}
	return respBody, nil
}

// sign implements OKX's HMAC-SHA256(secret, timestamp+method+path+body)
// scheme, base64-encoded.
func sign(ts, method, path string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + strings.ToUpper(method) + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// okxEnvelope wraps OKX's uniform {code, msg, data:[...]} response shape.
type okxEnvelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (r okxEnvelope[T]) err() error {
	if r.Code == "" || r.Code == "0" {
		return nil
	}
	return apexerr.Msg(classifyOKXError(r.Code), "okx: "+r.Msg)
}

func classifyOKXError(code string) apexerr.Code {
	switch code {
	case "50011", "50013":
		return apexerr.CodeRateLimit
	case "50004", "50026":
		return apexerr.CodeBroker5xx
	case "51008", "51004":
		return apexerr.CodeInsufficientFunds
	case "51001":
		return apexerr.CodeUnknownSymbol
	case "50102", "50103", "50104":
		return apexerr.CodeAuthInvalid
	case "50113", "50114":
		return apexerr.CodePermissionDenied
	default:
		return apexerr.CodeBroker5xx
	}
}

// sanitizeClOrdID strips characters OKX's clOrdId field rejects (only
// alphanumerics, max 32 chars) while keeping the value derivable enough to
// still double as a human-greppable idempotency key in the trade journal.
func sanitizeClOrdID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[len(s)-32:]
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// okxBars are the candle granularities the venue accepts, in minutes.
var okxBars = []int{1, 3, 5, 15, 30, 60, 120, 240, 360, 720, 1440}

func okxBar(tf string) string {
	m := broker.SnapMinutes(broker.TimeframeMinutes(tf), okxBars)
	switch {
	case m <= 0:
		return tf
	case m < 60:
		return fmt.Sprintf("%dm", m)
	case m < 1440:
		return fmt.Sprintf("%dH", m/60)
	default:
		return fmt.Sprintf("%dD", m/1440)
	}
}
