// Package cache persists closed candles in Redis so the market data store
// survives restarts without refetching settled history.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires an idle series. Zero keeps it forever.
	TTL time.Duration
}

// RedisArchive stores each series as two sorted sets scored by open time:
// the candles themselves and the ranges already fetched from upstream.
type RedisArchive struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, cfg Config) (*RedisArchive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisArchive(client, cfg.Prefix, cfg.TTL), nil
}

func NewRedisArchive(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisArchive {
	if prefix == "" {
		prefix = "crews"
	}
	return &RedisArchive{client: client, prefix: prefix, ttl: ttl}
}

func (a *RedisArchive) candleKey(key models.SeriesKey) string {
	return fmt.Sprintf("%s:candles:%s:%s", a.prefix, key.Symbol, key.Interval)
}

func (a *RedisArchive) coverageKey(key models.SeriesKey) string {
	return fmt.Sprintf("%s:coverage:%s:%s", a.prefix, key.Symbol, key.Interval)
}

// Load returns every archived candle and covered range of key.
func (a *RedisArchive) Load(ctx context.Context, key models.SeriesKey) ([]models.Candle, []models.TimeRange, error) {
	raw, err := a.client.ZRange(ctx, a.candleKey(key), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load candles for %s: %w", key, err)
	}
	candles := make([]models.Candle, 0, len(raw))
	for _, v := range raw {
		var c models.Candle
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, nil, fmt.Errorf("failed to decode archived candle for %s: %w", key, err)
		}
		candles = append(candles, c)
	}

	members, err := a.client.ZRange(ctx, a.coverageKey(key), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load coverage for %s: %w", key, err)
	}
	covered := make([]models.TimeRange, 0, len(members))
	for _, m := range members {
		r, err := decodeRange(m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode coverage for %s: %w", key, err)
		}
		covered = append(covered, r)
	}
	return candles, covered, nil
}

// Append writes candles and marks covered as fetched in one transaction.
func (a *RedisArchive) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle, covered models.TimeRange) error {
	ck, rk := a.candleKey(key), a.coverageKey(key)

	pipe := a.client.TxPipeline()
	if len(candles) > 0 {
		zs := make([]redis.Z, 0, len(candles))
		for _, c := range candles {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal candle: %w", err)
			}
			zs = append(zs, redis.Z{Score: float64(c.OpenTime.UnixMilli()), Member: data})
		}
		pipe.ZAdd(ctx, ck, zs...)
	}
	if !covered.Empty() {
		pipe.ZAdd(ctx, rk, redis.Z{Score: float64(covered.Start.UnixMilli()), Member: encodeRange(covered)})
	}
	if a.ttl > 0 {
		pipe.Expire(ctx, ck, a.ttl)
		pipe.Expire(ctx, rk, a.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive candles for %s: %w", key, err)
	}
	return nil
}

// Trim drops archived candles and coverage that start before cutoff.
func (a *RedisArchive) Trim(ctx context.Context, key models.SeriesKey, cutoff time.Time) error {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	pipe := a.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, a.candleKey(key), "-inf", upper)
	pipe.ZRemRangeByScore(ctx, a.coverageKey(key), "-inf", upper)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to trim archive for %s: %w", key, err)
	}
	return nil
}

func (a *RedisArchive) Close() error {
	return a.client.Close()
}

func encodeRange(r models.TimeRange) string {
	return strconv.FormatInt(r.Start.UnixMilli(), 10) + "-" + strconv.FormatInt(r.End.UnixMilli(), 10)
}

func decodeRange(s string) (models.TimeRange, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return models.TimeRange{}, fmt.Errorf("malformed range %q", s)
	}
	startMs, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return models.TimeRange{}, fmt.Errorf("malformed range %q: %w", s, err)
	}
	endMs, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return models.TimeRange{}, fmt.Errorf("malformed range %q: %w", s, err)
	}
	return models.TimeRange{Start: time.UnixMilli(startMs).UTC(), End: time.UnixMilli(endMs).UTC()}, nil
}
