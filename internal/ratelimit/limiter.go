package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/pkg/logger"
)

// Limiter is a sliding-window rate limiter over arbitrary string keys,
// backed by one ZSET per key with request timestamps as scores. The
// ZREMRANGEBYSCORE -> ZADD -> ZCARD -> EXPIRE sequence runs pipelined so
// concurrent callers across processes count each other correctly.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) error
}

type redisLimiter struct {
	cli *redis.Client
	l   logger.Logger
	now func() time.Time
}

func NewRedisLimiter(cli *redis.Client, l logger.Logger) Limiter {
	return &redisLimiter{
		cli: cli,
		l:   l,
		now: time.Now,
	}
}

func (r *redisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	now := r.now()
	nowScore := float64(now.UnixNano()) / float64(time.Second)
	cutoff := nowScore - window.Seconds()

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	pipe := r.cli.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', -1, 64))
	pipe.ZAdd(ctx, key, redis.Z{Score: nowScore, Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisLimiter.Allow: %v", err)
		return fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
	}

	if card.Val() > int64(limit) {
		r.l.Warnf(ctx, "Rate limit exceeded: %s (%d/%d)", key, card.Val(), limit)
		return &apperrors.RateLimitError{Limit: limit, RetryAfter: window}
	}

	return nil
}
