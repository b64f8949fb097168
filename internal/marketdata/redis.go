package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/orderbook"
	"github.com/powershare/energymatch/shared/events"
)

const (
	UpdatesChannel = "trading_updates"
	recentLimit    = 100
	depthTTL       = 60 * time.Second
	depthLevels    = 20
	seenTTL        = 24 * time.Hour
)

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DepthSource supplies book snapshots for the depth cache.
type DepthSource interface {
	Snapshot(commodity energy.Source, depth int) orderbook.Depth
}

// Update is the message published on UpdatesChannel.
type Update struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RedisPublisher is a messaging.Sink that keeps a recent-trades list per
// commodity, fans updates out on a pub/sub channel and caches book depth.
type RedisPublisher struct {
	rdb   redisClient
	depth DepthSource
}

// NewRedisPublisher wraps rdb. depth may be nil, which disables the depth cache.
func NewRedisPublisher(rdb redisClient, depth DepthSource) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, depth: depth}
}

func recentKey(commodity string) string { return "trades:recent:" + commodity }
func depthKey(commodity string) string  { return "orderbook:" + commodity }
func seenKey(id uuid.UUID) string         { return "seen:" + id.String() }

// Publish implements messaging.Sink. Each event id is claimed with SETNX
// before it touches the tape or the channel, so a redelivered batch is
// skipped; the claim is released when the push fails.
func (p *RedisPublisher) Publish(ctx context.Context, evs []events.Event) error {
	var errs []error
	touched := make(map[string]struct{})

	for i := range evs {
		ev := &evs[i]
		if ev.Type != events.TradeExecuted && ev.Type != events.MatchProduced {
			continue
		}
		claimed, err := p.claim(ctx, ev.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}

		switch ev.Type {
		case events.TradeExecuted:
			var commodity string
			if commodity, err = p.pushTrade(ctx, ev); err == nil {
				touched[commodity] = struct{}{}
			}
		case events.MatchProduced:
			err = p.announce(ctx, "match", ev.Data)
		}
		if err != nil {
			errs = append(errs, err)
			p.release(ctx, ev.ID)
		}
	}

	for commodity := range touched {
		if err := p.cacheDepth(ctx, commodity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// claim reports whether id is new.
func (p *RedisPublisher) claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := p.rdb.SetNX(ctx, seenKey(id), 1, seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", id, err)
	}
	return ok, nil
}

func (p *RedisPublisher) release(ctx context.Context, id uuid.UUID) {
	_ = p.rdb.Del(ctx, seenKey(id)).Err()
}

func (p *RedisPublisher) pushTrade(ctx context.Context, ev *events.Event) (string, error) {
	data, err := events.ParseData[events.TradeExecutedData](ev)
	if err != nil {
		return "", fmt.Errorf("decode trade event %s: %w", ev.ID, err)
	}
	tick, err := tickFrom(data)
	if err != nil {
		return "", fmt.Errorf("trade %s: %w", data.TradeID, err)
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		return "", err
	}

	key := recentKey(tick.Commodity)
	if err := p.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return "", fmt.Errorf("lpush %s: %w", key, err)
	}
	if err := p.rdb.LTrim(ctx, key, 0, recentLimit-1).Err(); err != nil {
		return "", fmt.Errorf("ltrim %s: %w", key, err)
	}
	if err := p.announce(ctx, "trade", payload); err != nil {
		return "", err
	}
	return tick.Commodity, nil
}

func (p *RedisPublisher) announce(ctx context.Context, kind string, data []byte) error {
	msg, err := json.Marshal(Update{Type: kind, Data: data})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, UpdatesChannel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s update: %w", kind, err)
	}
	return nil
}

func (p *RedisPublisher) cacheDepth(ctx context.Context, commodity string) error {
	if p.depth == nil {
		return nil
	}
	source, err := energy.ParseSource(commodity)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(p.depth.Snapshot(source, depthLevels))
	if err != nil {
		return err
	}
	if err := p.rdb.Set(ctx, depthKey(commodity), payload, depthTTL).Err(); err != nil {
		return fmt.Errorf("cache depth %s: %w", commodity, err)
	}
	return nil
}

// Recent reads up to limit cached ticks for commodity, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, commodity string, limit int) ([]Tick, error) {
	if limit <= 0 || limit > recentLimit {
		limit = recentLimit
	}
	raw, err := p.rdb.LRange(ctx, recentKey(commodity), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Tick, 0, len(raw))
	for _, s := range raw {
		var tick Tick
		if err := json.Unmarshal([]byte(s), &tick); err != nil {
			return nil, fmt.Errorf("decode cached tick: %w", err)
		}
		out = append(out, tick)
	}
	return out, nil
}

// CachedDepth returns the cached snapshot, or false when it has expired.
func (p *RedisPublisher) CachedDepth(ctx context.Context, commodity string) (orderbook.Depth, bool, error) {
	raw, err := p.rdb.Get(ctx, depthKey(commodity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orderbook.Depth{}, false, nil
	}
	if err != nil {
		return orderbook.Depth{}, false, err
	}
	var d orderbook.Depth
	if err := json.Unmarshal(raw, &d); err != nil {
		return orderbook.Depth{}, false, err
	}
	return d, true, nil
}
