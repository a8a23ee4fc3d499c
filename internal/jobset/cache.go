// Cache caches Jobset scheduling shares and rolling step-duration history
// in Redis, so the queue monitor doesn't have to rescan 10 scheduling
// windows of BuildSteps on every process restart. Adapted from the
// teacher's internal/queue/redis_queue.go: the same TxPipeline and
// ZAdd/ZRangeByScore sorted-set idiom used there for the scheduled-job
// set, reused here for a time-windowed sample history.
package jobset

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a Redis-backed read-through cache for jobset accounting.
type Cache struct {
	client *redis.Client
}

// NewCache builds a Cache over an existing Redis client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func sharesKey(project, name string) string {
	return fmt.Sprintf("jobset:shares:%s:%s", project, name)
}

func historyKey(project, name string) string {
	return fmt.Sprintf("jobset:history:%s:%s", project, name)
}

// GetShares returns the cached schedulingShares value, if present.
func (c *Cache) GetShares(ctx context.Context, project, name string) (uint, bool, error) {
	v, err := c.client.Get(ctx, sharesKey(project, name)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached shares: %w", err)
	}
	return uint(n), true, nil
}

// SetShares caches the schedulingShares value for (project, name).
func (c *Cache) SetShares(ctx context.Context, project, name string, shares uint) error {
	return c.client.Set(ctx, sharesKey(project, name), shares, 0).Err()
}

// AddSample records one (start, duration) sample in the jobset's rolling
// history, scored by start time so stale samples can be trimmed by range.
func (c *Cache) AddSample(ctx context.Context, project, name string, start time.Time, duration time.Duration) error {
	member := fmt.Sprintf("%d:%d", start.UnixMilli(), duration.Milliseconds())
	return c.client.ZAdd(ctx, historyKey(project, name), redis.Z{
		Score:  float64(start.UnixMilli()),
		Member: member,
	}).Err()
}

// LoadHistory returns every cached sample whose start is at or after
// `since`, and opportunistically trims samples older than that in the
// same pipeline.
func (c *Cache) LoadHistory(ctx context.Context, project, name string, since time.Time) ([]Sample, error) {
	key := historyKey(project, name)

	pipe := c.client.TxPipeline()
	rangeCmd := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", since.UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobset history: %w", err)
	}

	members, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("read jobset history: %w", err)
	}

	out := make([]Sample, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		startMs, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		durMs, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Sample{
			Start:    time.UnixMilli(startMs),
			Duration: time.Duration(durMs) * time.Millisecond,
		})
	}
	return out, nil
}
