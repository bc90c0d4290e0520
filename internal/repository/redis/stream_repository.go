package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamhub/listenroom/pkg/logger"
)

// StreamRepository backs the resolution cache and the cluster-wide
// extraction lock for the media resolver.
type StreamRepository interface {
	GetStream(ctx context.Context, mediaID string) (string, bool, error)
	SetStream(ctx context.Context, mediaID, url string, ttl time.Duration) error
	DeleteStream(ctx context.Context, mediaID string) error

	AcquireLock(ctx context.Context, mediaID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, mediaID string) error
}

type redisStreamRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisStreamRepository(cli *redis.Client, l logger.Logger) StreamRepository {
	return &redisStreamRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisStreamRepository) GetStream(ctx context.Context, mediaID string) (string, bool, error) {
	url, err := r.cli.Get(ctx, r.streamKey(mediaID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}

		r.l.Errorf(ctx, "redisStreamRepository.GetStream: %v", err)
		return "", false, err
	}

	return url, true, nil
}

func (r *redisStreamRepository) SetStream(ctx context.Context, mediaID, url string, ttl time.Duration) error {
	if err := r.cli.Set(ctx, r.streamKey(mediaID), url, ttl).Err(); err != nil {
		r.l.Errorf(ctx, "redisStreamRepository.SetStream: %v", err)
		return err
	}

	return nil
}

func (r *redisStreamRepository) DeleteStream(ctx context.Context, mediaID string) error {
	if err := r.cli.Del(ctx, r.streamKey(mediaID)).Err(); err != nil {
		r.l.Errorf(ctx, "redisStreamRepository.DeleteStream: %v", err)
		return err
	}

	return nil
}

// AcquireLock takes the extraction lock via SET NX EX. The TTL is a safety
// net against a crashed holder, not the release path.
func (r *redisStreamRepository) AcquireLock(ctx context.Context, mediaID string, ttl time.Duration) (bool, error) {
	ok, err := r.cli.SetNX(ctx, r.lockKey(mediaID), "1", ttl).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisStreamRepository.AcquireLock: %v", err)
		return false, err
	}

	return ok, nil
}

func (r *redisStreamRepository) ReleaseLock(ctx context.Context, mediaID string) error {
	if err := r.cli.Del(ctx, r.lockKey(mediaID)).Err(); err != nil {
		r.l.Errorf(ctx, "redisStreamRepository.ReleaseLock: %v", err)
		return err
	}

	return nil
}

func (r *redisStreamRepository) streamKey(mediaID string) string {
	return fmt.Sprintf("stream:%s", mediaID)
}

func (r *redisStreamRepository) lockKey(mediaID string) string {
	return fmt.Sprintf("lock:extract:%s", mediaID)
}
