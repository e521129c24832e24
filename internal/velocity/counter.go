// Package velocity tracks per-identity transaction bursts over a sliding
// window, backed by Redis sorted sets.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/metrics"
)

const keyPattern = "velocity:%s"

// DefaultWindow is the trailing span a count covers.
const DefaultWindow = 600 * time.Second

// Counter records timestamped markers per identity and counts how many fall
// inside the trailing window. Insert, prune and expiry run as a pipeline,
// not a transaction; a race between them can transiently over- or
// under-count, which is accepted.
type Counter struct {
	client redis.UniversalClient
	window time.Duration
	logger *zap.Logger
}

// NewCounter builds a counter over an existing Redis client. A
// non-positive window falls back to DefaultWindow.
func NewCounter(client redis.UniversalClient, window time.Duration, logger *zap.Logger) *Counter {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{client: client, window: window, logger: logger}
}

func key(identity string) string {
	return fmt.Sprintf(keyPattern, identity)
}

// Record inserts a marker at the event time, prunes markers older than the
// window, and resets the structure's expiry to twice the window so idle
// identities are reclaimed.
func (c *Counter) Record(ctx context.Context, identity string, ts time.Time) error {
	k := key(identity)
	score := float64(ts.UnixNano()) / float64(time.Second)
	member := strconv.FormatFloat(score, 'f', 9, 64)
	cutoff := score - c.window.Seconds()

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatFloat(cutoff, 'f', 9, 64))
	pipe.Expire(ctx, k, 2*c.window)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.VelocityFailures.WithLabelValues("record").Inc()
		return fmt.Errorf("record velocity marker: %w", err)
	}
	return nil
}

// Count returns the number of markers inside the trailing window as of now.
// Failures degrade to zero at the caller, not here; the error is surfaced so
// the caller can decide.
func (c *Counter) Count(ctx context.Context, identity string, now time.Time) (int, error) {
	min := float64(now.UnixNano())/float64(time.Second) - c.window.Seconds()
	n, err := c.client.ZCount(ctx, key(identity),
		strconv.FormatFloat(min, 'f', 9, 64), "+inf").Result()
	if err != nil {
		metrics.VelocityFailures.WithLabelValues("count").Inc()
		return 0, fmt.Errorf("count velocity markers: %w", err)
	}
	return int(n), nil
}
