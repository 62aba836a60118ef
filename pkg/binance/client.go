// Package binance talks to the Binance spot REST and stream APIs: candle
// history for the market data store, signed orders for LIVE crews, and the
// kline stream that pushes closed candles into the feed.
package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/crews/pkg/clock"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	MainnetURL       = "https://api.binance.us"
	TestnetURL       = "https://testnet.binance.vision"
	MainnetStreamURL = "wss://stream.binance.us:9443"
	TestnetStreamURL = "wss://stream.testnet.binance.vision"

	// klineLimit is the most klines Binance returns per call.
	klineLimit = 1000

	codeInvalidSymbol = -1121
	codeTimeout       = -1007
	codeOrderRejected = -2010
	codeNoSuchOrder   = -2013
)

type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL overrides the URL picked from Testnet.
	BaseURL string
	// RequestsPerSecond throttles every REST call. Zero means 10.
	RequestsPerSecond float64
	Timeout           time.Duration
	RecvWindow        time.Duration
}

func (c Config) baseURL() string {
	switch {
	case c.BaseURL != "":
		return c.BaseURL
	case c.Testnet:
		return TestnetURL
	default:
		return MainnetURL
	}
}

// StreamURL is the websocket endpoint matching the REST environment.
func (c Config) StreamURL() string {
	if c.Testnet {
		return TestnetStreamURL
	}
	return MainnetStreamURL
}

type Client struct {
	baseURL    string
	apiKey     string
	signer     *Signer
	recvWindow time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      clock.Clock
	logger     *logrus.Logger
}

func NewClient(cfg Config, clk clock.Clock, logger *logrus.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = 5 * time.Second
	}

	env := "mainnet"
	if cfg.Testnet {
		env = "testnet"
	}
	logger.WithFields(logrus.Fields{"env": env, "base_url": cfg.baseURL()}).Info("Binance client configured")

	return &Client{
		baseURL:    cfg.baseURL(),
		apiKey:     cfg.APIKey,
		signer:     NewSigner(cfg.APISecret),
		recvWindow: recv,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		clock:      clk,
		logger:     logger,
	}
}

// APIError is the error body Binance sends with a non-2xx status.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// transient reports whether the call may succeed if repeated.
func (e *APIError) transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == 418 || e.Code == codeTimeout
}

// Fetch returns the klines of symbol with OpenTime in [start, end), paging
// through the API klineLimit at a time.
func (c *Client) Fetch(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	if !interval.Valid() {
		return nil, &models.InvalidIntervalError{Interval: string(interval)}
	}

	var out []models.Candle
	cursor := start
	for cursor.Before(end) {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("interval", string(interval))
		q.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		q.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
		q.Set("limit", strconv.Itoa(klineLimit))

		body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", q, false)
		if err != nil {
			return nil, sourceError(symbol, err)
		}
		page, err := parseKlines(symbol, interval, body)
		if err != nil {
			return nil, &models.SourceError{Kind: models.SourceRejected, Symbol: symbol, Err: err}
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			if k.OpenTime.Before(end) {
				out = append(out, k)
			}
		}
		cursor = page[len(page)-1].OpenTime.Add(interval.Duration())
		if len(page) < klineLimit {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
		"start":    start,
		"end":      end,
		"candles":  len(out),
	}).Debug("Fetched klines")
	return out, nil
}

func sourceError(symbol string, err error) error {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol:
		return &models.SourceError{Kind: models.SourceNotFound, Symbol: symbol, Err: err}
	case errors.As(err, &apiErr) && !apiErr.transient():
		return &models.SourceError{Kind: models.SourceRejected, Symbol: symbol, Err: err}
	default:
		return &models.SourceError{Kind: models.SourceTransient, Symbol: symbol, Err: err}
	}
}

// parseKlines decodes the positional kline arrays Binance returns.
func parseKlines(symbol string, interval models.Interval, body []byte) ([]models.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	out := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 11 {
			return nil, fmt.Errorf("kline %d has %d fields", i, len(row))
		}
		var (
			openMs, closeMs, trades         int64
			open, high, low, closePx, vol   string
			quoteVol, takerBase, takerQuote string
		)
		targets := []any{&openMs, &open, &high, &low, &closePx, &vol, &closeMs, &quoteVol, &trades, &takerBase, &takerQuote}
		for j, dst := range targets {
			if err := json.Unmarshal(row[j], dst); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j, err)
			}
		}

		c := models.Candle{
			Symbol:     symbol,
			Interval:   interval,
			OpenTime:   time.UnixMilli(openMs).UTC(),
			CloseTime:  time.UnixMilli(closeMs).UTC(),
			TradeCount: trades,
		}
		decs := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, closePx},
			{&c.Volume, vol}, {&c.QuoteVolume, quoteVol},
			{&c.TakerBuyBase, takerBase}, {&c.TakerBuyQuote, takerQuote},
		}
		for _, d := range decs {
			v, err := decimal.NewFromString(d.src)
			if err != nil {
				return nil, fmt.Errorf("kline %d: %w", i, err)
			}
			*d.dst = v
		}
		out = append(out, c)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.clock.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	payload := params.Encode()
	if signed {
		// The signature covers the payload exactly as sent and goes last.
		payload += "&signature=" + c.signer.Sign(payload)
	}

	target := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		target += "?" + payload
	} else {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

// isTimeout reports network level timeouts, including an expired ctx.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
