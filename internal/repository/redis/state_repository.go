package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jamhub/listenroom/internal/models"
	"github.com/jamhub/listenroom/pkg/logger"
)

// StateRepository owns the raw Redis operations backing a room's runtime
// state: the playback hash, the participant set and the per-song vote sets.
// Every mutation is a single atomic command or a pipeline; callers never
// read-modify-write through this layer.
type StateRepository interface {
	InitRoom(ctx context.Context, slug string, meta map[string]string) error
	GetState(ctx context.Context, slug string) (models.PlaybackState, error)
	UpdateState(ctx context.Context, slug string, fields map[string]string) error
	GetStateField(ctx context.Context, slug, field string) (string, error)
	SetStateField(ctx context.Context, slug, field, value string) error

	AddParticipant(ctx context.Context, slug, userID string) error
	RemoveParticipant(ctx context.Context, slug, userID string) error
	ParticipantCount(ctx context.Context, slug string) (int64, error)

	AddVote(ctx context.Context, slug string, songID int64, userID string) (int64, error)
	VoteCount(ctx context.Context, slug string, songID int64) (int64, error)
	ClearVotes(ctx context.Context, slug string, songID int64) error
}

type redisStateRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisStateRepository(cli *redis.Client, l logger.Logger) StateRepository {
	return &redisStateRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisStateRepository) InitRoom(ctx context.Context, slug string, meta map[string]string) error {
	pipe := r.cli.Pipeline()
	for k, v := range meta {
		pipe.HSet(ctx, r.metaKey(slug), k, v)
	}
	pipe.Del(ctx, r.stateKey(slug))
	pipe.Del(ctx, r.usersKey(slug))

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.InitRoom: %v", err)
		return err
	}

	r.l.Debugf(ctx, "Room state initialized: %s", slug)

	return nil
}

func (r *redisStateRepository) GetState(ctx context.Context, slug string) (models.PlaybackState, error) {
	raw, err := r.cli.HGetAll(ctx, r.stateKey(slug)).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisStateRepository.GetState: %v", err)
		return models.PlaybackState{}, err
	}

	if len(raw) == 0 {
		return models.IdlePlaybackState(), nil
	}

	return parseState(raw), nil
}

func (r *redisStateRepository) UpdateState(ctx context.Context, slug string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	if err := r.cli.HSet(ctx, r.stateKey(slug), args...).Err(); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.UpdateState: %v", err)
		return err
	}

	return nil
}

func (r *redisStateRepository) GetStateField(ctx context.Context, slug, field string) (string, error) {
	val, err := r.cli.HGet(ctx, r.stateKey(slug), field).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}

		r.l.Errorf(ctx, "redisStateRepository.GetStateField: %v", err)
		return "", err
	}

	return val, nil
}

func (r *redisStateRepository) SetStateField(ctx context.Context, slug, field, value string) error {
	if err := r.cli.HSet(ctx, r.stateKey(slug), field, value).Err(); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.SetStateField: %v", err)
		return err
	}

	return nil
}

func (r *redisStateRepository) AddParticipant(ctx context.Context, slug, userID string) error {
	if err := r.cli.SAdd(ctx, r.usersKey(slug), userID).Err(); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.AddParticipant: %v", err)
		return err
	}

	return nil
}

func (r *redisStateRepository) RemoveParticipant(ctx context.Context, slug, userID string) error {
	if err := r.cli.SRem(ctx, r.usersKey(slug), userID).Err(); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.RemoveParticipant: %v", err)
		return err
	}

	return nil
}

func (r *redisStateRepository) ParticipantCount(ctx context.Context, slug string) (int64, error) {
	count, err := r.cli.SCard(ctx, r.usersKey(slug)).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisStateRepository.ParticipantCount: %v", err)
		return 0, err
	}

	return count, nil
}

// AddVote adds the voter to the song's vote set and returns the new
// cardinality. SADD is idempotent, so repeat votes never double-count.
func (r *redisStateRepository) AddVote(ctx context.Context, slug string, songID int64, userID string) (int64, error) {
	pipe := r.cli.Pipeline()
	pipe.SAdd(ctx, r.votesKey(slug, songID), userID)
	card := pipe.SCard(ctx, r.votesKey(slug, songID))

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.AddVote: %v", err)
		return 0, err
	}

	return card.Val(), nil
}

func (r *redisStateRepository) VoteCount(ctx context.Context, slug string, songID int64) (int64, error) {
	count, err := r.cli.SCard(ctx, r.votesKey(slug, songID)).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisStateRepository.VoteCount: %v", err)
		return 0, err
	}

	return count, nil
}

func (r *redisStateRepository) ClearVotes(ctx context.Context, slug string, songID int64) error {
	if err := r.cli.Del(ctx, r.votesKey(slug, songID)).Err(); err != nil {
		r.l.Errorf(ctx, "redisStateRepository.ClearVotes: %v", err)
		return err
	}

	return nil
}

func parseState(raw map[string]string) models.PlaybackState {
	state := models.IdlePlaybackState()

	if v, ok := raw["status"]; ok && v != "" {
		state.Status = models.PlaybackStatus(v)
	}
	state.CurrentSongID = raw["current_song_id"]
	state.StreamURL = raw["stream_url"]

	if v, err := strconv.ParseInt(raw["current_song_db_id"], 10, 64); err == nil {
		state.CurrentSongDB = v
	}
	if v, err := strconv.ParseInt(raw["position_ms"], 10, 64); err == nil {
		state.PositionMS = v
	}
	if v, err := strconv.ParseInt(raw["updated_at"], 10, 64); err == nil {
		state.UpdatedAt = v
	}
	if v, err := strconv.ParseFloat(raw["speed"], 64); err == nil {
		state.Speed = v
	}

	return state
}

func (r *redisStateRepository) metaKey(slug string) string {
	return fmt.Sprintf("room:%s:meta", slug)
}

func (r *redisStateRepository) stateKey(slug string) string {
	return fmt.Sprintf("room:%s:state", slug)
}

func (r *redisStateRepository) usersKey(slug string) string {
	return fmt.Sprintf("room:%s:users", slug)
}

func (r *redisStateRepository) votesKey(slug string, songID int64) string {
	return fmt.Sprintf("room:%s:votes:%d", slug, songID)
}
