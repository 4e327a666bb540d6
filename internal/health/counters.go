package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/cart-recovery/internal/model"
)

type Metric string

const (
	MetricSent      Metric = "sent"
	MetricFailed    Metric = "failed"
	MetricDelivered Metric = "delivered"
	MetricRead      Metric = "read"
)

// Days of daily buckets summed into the trailing-week counters.
const trailingDays = 7

// Window is a point-in-time read of a channel's rolling counters.
type Window struct {
	SentMinute  int64
	SentHour    int64
	SentDay     int64
	Sent7d      int64
	Failed7d    int64
	Delivered7d int64
	Read7d      int64
}

// Counters holds self-expiring send counters per channel.
type Counters interface {
	// IncrSent bumps the minute, hour and day windows and today's sent bucket.
	IncrSent(ctx context.Context, key model.ChannelKey, now time.Time) error
	// Incr bumps today's bucket for a quality metric.
	Incr(ctx context.Context, key model.ChannelKey, m Metric, now time.Time) error
	Window(ctx context.Context, key model.ChannelKey, now time.Time) (Window, error)
}

// ---- key scheme (shared by both implementations) ----

const keyPrefix = "cartrec:h:"

func minuteKey(k model.ChannelKey, t time.Time) string {
	return keyPrefix + string(k) + ":m:" + t.UTC().Format("200601021504")
}

func hourKey(k model.ChannelKey, t time.Time) string {
	return keyPrefix + string(k) + ":h:" + t.UTC().Format("2006010215")
}

func bucketKey(k model.ChannelKey, m Metric, t time.Time) string {
	return keyPrefix + string(k) + ":d:" + string(m) + ":" + t.UTC().Format("20060102")
}

// minuteExpiry clears the minute counter 60s after its minute ends.
func minuteExpiry(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute).Add(2 * time.Minute)
}

// hourExpiry clears the hour counter at the top of the next hour.
func hourExpiry(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func bucketExpiry(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, trailingDays+1)
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// windowKeys lists minute, hour, then trailingDays buckets for each metric (today first).
func windowKeys(k model.ChannelKey, now time.Time) []string {
	keys := []string{minuteKey(k, now), hourKey(k, now)}
	for _, m := range []Metric{MetricSent, MetricFailed, MetricDelivered, MetricRead} {
		for d := 0; d < trailingDays; d++ {
			keys = append(keys, bucketKey(k, m, now.AddDate(0, 0, -d)))
		}
	}
	return keys
}

func foldWindow(vals []int64) Window {
	var w Window
	w.SentMinute, w.SentHour = vals[0], vals[1]
	sum := func(i int) int64 {
		var s int64
		for d := 0; d < trailingDays; d++ {
			s += vals[2+i*trailingDays+d]
		}
		return s
	}
	w.SentDay = vals[2]
	w.Sent7d = sum(0)
	w.Failed7d = sum(1)
	w.Delivered7d = sum(2)
	w.Read7d = sum(3)
	return w
}

// ---- Redis ----

type RedisCounters struct {
	rdb *redis.Client
}

func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

var _ Counters = (*RedisCounters)(nil)

func (c *RedisCounters) IncrSent(ctx context.Context, key model.ChannelKey, now time.Time) error {
	mk, hk, dk := minuteKey(key, now), hourKey(key, now), bucketKey(key, MetricSent, now)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, mk)
	pipe.ExpireAt(ctx, mk, minuteExpiry(now))
	pipe.Incr(ctx, hk)
	pipe.ExpireAt(ctx, hk, hourExpiry(now))
	pipe.Incr(ctx, dk)
	pipe.ExpireAt(ctx, dk, bucketExpiry(now))
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCounters) Incr(ctx context.Context, key model.ChannelKey, m Metric, now time.Time) error {
	k := bucketKey(key, m, now)
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.ExpireAt(ctx, k, bucketExpiry(now))
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCounters) Window(ctx context.Context, key model.ChannelKey, now time.Time) (Window, error) {
	keys := windowKeys(key, now)
	raw, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Window{}, err
	}
	vals := make([]int64, len(keys))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue // missing key
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("counter %s: %w", keys[i], err)
		}
		vals[i] = n
	}
	return foldWindow(vals), nil
}

// ---- memory ----

type memEntry struct {
	val      int64
	expireAt time.Time
}

// MemoryCounters mirrors RedisCounters' keys and expiry in process memory.
type MemoryCounters struct {
	mu sync.Mutex
	m  map[string]memEntry
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{m: map[string]memEntry{}}
}

var _ Counters = (*MemoryCounters)(nil)

func (c *MemoryCounters) incr(k string, now, expireAt time.Time) {
	e := c.m[k]
	if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
		e = memEntry{}
	}
	e.val++
	e.expireAt = expireAt
	c.m[k] = e
}

func (c *MemoryCounters) IncrSent(_ context.Context, key model.ChannelKey, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incr(minuteKey(key, now), now, minuteExpiry(now))
	c.incr(hourKey(key, now), now, hourExpiry(now))
	c.incr(bucketKey(key, MetricSent, now), now, bucketExpiry(now))
	return nil
}

func (c *MemoryCounters) Incr(_ context.Context, key model.ChannelKey, m Metric, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incr(bucketKey(key, m, now), now, bucketExpiry(now))
	return nil
}

func (c *MemoryCounters) Window(_ context.Context, key model.ChannelKey, now time.Time) (Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := windowKeys(key, now)
	vals := make([]int64, len(keys))
	for i, k := range keys {
		if e, ok := c.m[k]; ok && now.Before(e.expireAt) {
			vals[i] = e.val
		}
	}
	return foldWindow(vals), nil
}
