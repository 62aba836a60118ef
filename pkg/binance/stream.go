package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Publisher takes closed candles pushed by the stream.
type Publisher interface {
	Publish(ctx context.Context, c models.Candle) error
}

// klineEvent names every key of the payload: keys differing only in case
// would otherwise be matched to the wrong field.
type klineEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Kline     struct {
			OpenTime   int64           `json:"t"`
			CloseTime  int64           `json:"T"`
			Symbol     string          `json:"s"`
			Interval   string          `json:"i"`
			FirstTrade int64           `json:"f"`
			LastTrade  int64           `json:"L"`
			Ignore     string          `json:"B"`
			Open       decimal.Decimal `json:"o"`
			Close      decimal.Decimal `json:"c"`
			High       decimal.Decimal `json:"h"`
			Low        decimal.Decimal `json:"l"`
			Volume     decimal.Decimal `json:"v"`
			Trades     int64           `json:"n"`
			Closed     bool            `json:"x"`
			QuoteVol   decimal.Decimal `json:"q"`
			TakerBase  decimal.Decimal `json:"V"`
			TakerQuote decimal.Decimal `json:"Q"`
		} `json:"k"`
	} `json:"data"`
}

// KlineStream subscribes to the combined kline stream of a set of series and
// publishes each candle once Binance marks it closed. Open candles are
// dropped so only final bars reach crews.
type KlineStream struct {
	url       string
	publisher Publisher
	keys      []models.SeriesKey
	dialer    websocket.Dialer
	pingEvery time.Duration
	logger    *logrus.Logger
}

func NewKlineStream(streamURL string, publisher Publisher, keys []models.SeriesKey, logger *logrus.Logger) *KlineStream {
	return &KlineStream{
		url:       strings.TrimRight(streamURL, "/"),
		publisher: publisher,
		keys:      keys,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingEvery: 30 * time.Second,
		logger:    logger,
	}
}

// Endpoint is the combined stream URL for the configured series.
func (s *KlineStream) Endpoint() string {
	names := make([]string, 0, len(s.keys))
	for _, k := range s.keys {
		names = append(names, strings.ToLower(k.Symbol)+"@kline_"+string(k.Interval))
	}
	return s.url + "/stream?streams=" + strings.Join(names, "/")
}

// Run keeps the stream connected until ctx is done, reconnecting with
// backoff after every disconnect.
func (s *KlineStream) Run(ctx context.Context) error {
	if len(s.keys) == 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute

	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.WithError(err).WithField("retry_in", wait).Warn("Kline stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *KlineStream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.Endpoint(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to kline stream: %w", err)
	}
	defer conn.Close()

	s.logger.WithField("streams", len(s.keys)).Info("Kline stream connected")

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c, ok, err := decodeKline(data)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to decode kline event")
			continue
		}
		if !ok {
			continue
		}
		if err := s.publisher.Publish(ctx, c); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":    c.Symbol,
				"interval":  c.Interval,
				"open_time": c.OpenTime,
			}).Error("Failed to publish candle")
		}
	}
}

func (s *KlineStream) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.logger.WithError(err).Debug("Failed to send ping")
				return
			}
		}
	}
}

// decodeKline returns the candle of a closed kline event. ok is false for
// other events and for candles still forming.
func decodeKline(data []byte) (models.Candle, bool, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Candle{}, false, err
	}
	if ev.Data.Event != "kline" || !ev.Data.Kline.Closed {
		return models.Candle{}, false, nil
	}
	k := ev.Data.Kline
	interval, err := models.ParseInterval(k.Interval)
	if err != nil {
		return models.Candle{}, false, err
	}
	return models.Candle{
		Symbol:        ev.Data.Symbol,
		Interval:      interval,
		OpenTime:      time.UnixMilli(k.OpenTime).UTC(),
		CloseTime:     time.UnixMilli(k.CloseTime).UTC(),
		Open:          k.Open,
		High:          k.High,
		Low:           k.Low,
		Close:         k.Close,
		Volume:        k.Volume,
		QuoteVolume:   k.QuoteVol,
		TradeCount:    k.Trades,
		TakerBuyBase:  k.TakerBase,
		TakerBuyQuote: k.TakerQuote,
	}, true, nil
}
