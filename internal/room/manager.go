package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/models"
	repo "github.com/jamhub/listenroom/internal/repository/redis"
	"github.com/jamhub/listenroom/pkg/logger"
)

// Manager owns the authoritative, cluster-wide playback state per room and
// the vote-skip tally. Playback fields are written last-writer-wins, which
// is sound only because a single authorized host issues playback-authority
// calls; vote and participant operations are atomic set operations.
//
// Any store failure surfaces as ErrStateUnavailable. The manager never
// invents local fallback state, since a stale local copy would split-brain
// the cluster.
type Manager struct {
	stateRepo repo.StateRepository
	l         logger.Logger
	now       func() time.Time
}

func NewManager(stateRepo repo.StateRepository, l logger.Logger) *Manager {
	return &Manager{
		stateRepo: stateRepo,
		l:         l,
		now:       time.Now,
	}
}

// InitializeRoom writes the room's meta hash and clears any stale runtime
// state left over from a previous room with the same slug.
func (m *Manager) InitializeRoom(ctx context.Context, slug, hostID string, settings models.RoomSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	meta := map[string]string{
		"host_id":  hostID,
		"active":   "1",
		"settings": string(raw),
	}

	if err := m.stateRepo.InitRoom(ctx, slug, meta); err != nil {
		return m.unavailable(err)
	}

	return nil
}

func (m *Manager) GetState(ctx context.Context, slug string) (models.PlaybackState, error) {
	state, err := m.stateRepo.GetState(ctx, slug)
	if err != nil {
		return models.PlaybackState{}, m.unavailable(err)
	}

	return state, nil
}

// Play starts playback of a media item and returns the resulting snapshot
// for immediate broadcast. The song pointer and stream URL reset in the
// same write; the caller fills them in once resolution succeeds, so a
// failed resolve never leaves the previous song's URL behind.
func (m *Manager) Play(ctx context.Context, slug, mediaID string, positionMS int64) (models.PlaybackState, error) {
	now := m.serverTimeMS()
	fields := map[string]string{
		"status":             string(models.PlaybackStatusPlaying),
		"current_song_id":    mediaID,
		"current_song_db_id": "0",
		"position_ms":        strconv.FormatInt(positionMS, 10),
		"updated_at":         strconv.FormatInt(now, 10),
		"speed":              "1.0",
		"stream_url":         "",
	}

	if err := m.stateRepo.UpdateState(ctx, slug, fields); err != nil {
		return models.PlaybackState{}, m.unavailable(err)
	}

	return m.GetState(ctx, slug)
}

// ResumeAt restarts playback of the current item, leaving the song pointer
// and cached stream URL untouched.
func (m *Manager) ResumeAt(ctx context.Context, slug string, positionMS int64) (models.PlaybackState, error) {
	now := m.serverTimeMS()
	fields := map[string]string{
		"status":      string(models.PlaybackStatusPlaying),
		"position_ms": strconv.FormatInt(positionMS, 10),
		"updated_at":  strconv.FormatInt(now, 10),
	}

	if err := m.stateRepo.UpdateState(ctx, slug, fields); err != nil {
		return models.PlaybackState{}, m.unavailable(err)
	}

	return m.GetState(ctx, slug)
}

func (m *Manager) PauseAt(ctx context.Context, slug string, positionMS int64) (models.PlaybackState, error) {
	now := m.serverTimeMS()
	fields := map[string]string{
		"status":      string(models.PlaybackStatusPaused),
		"position_ms": strconv.FormatInt(positionMS, 10),
		"updated_at":  strconv.FormatInt(now, 10),
	}

	if err := m.stateRepo.UpdateState(ctx, slug, fields); err != nil {
		return models.PlaybackState{}, m.unavailable(err)
	}

	return m.GetState(ctx, slug)
}

func (m *Manager) Seek(ctx context.Context, slug string, positionMS int64) (models.PlaybackState, error) {
	now := m.serverTimeMS()
	fields := map[string]string{
		"position_ms": strconv.FormatInt(positionMS, 10),
		"updated_at":  strconv.FormatInt(now, 10),
	}

	if err := m.stateRepo.UpdateState(ctx, slug, fields); err != nil {
		return models.PlaybackState{}, m.unavailable(err)
	}

	return m.GetState(ctx, slug)
}

// SetIdle clears the current item. Keeps the invariant that an idle room
// has no current song and position 0.
func (m *Manager) SetIdle(ctx context.Context, slug string) (models.PlaybackState, error) {
	now := m.serverTimeMS()
	fields := map[string]string{
		"status":             string(models.PlaybackStatusIdle),
		"current_song_id":    "",
		"current_song_db_id": "0",
		"position_ms":        "0",
		"updated_at":         strconv.FormatInt(now, 10),
		"stream_url":         "",
	}

	if err := m.stateRepo.UpdateState(ctx, slug, fields); err != nil {
		return models.PlaybackState{}, m.unavailable(err)
	}

	return m.GetState(ctx, slug)
}

func (m *Manager) SetCurrentSongDB(ctx context.Context, slug string, songID int64) error {
	err := m.stateRepo.SetStateField(ctx, slug, "current_song_db_id", strconv.FormatInt(songID, 10))
	if err != nil {
		return m.unavailable(err)
	}

	return nil
}

func (m *Manager) CurrentSongDB(ctx context.Context, slug string) (int64, error) {
	val, err := m.stateRepo.GetStateField(ctx, slug, "current_song_db_id")
	if err != nil {
		return 0, m.unavailable(err)
	}

	if val == "" {
		return 0, nil
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}

	return id, nil
}

// SetStreamURL stores the resolved URL in the playback hash so late joiners
// can fetch it without a fresh resolution.
func (m *Manager) SetStreamURL(ctx context.Context, slug, url string) error {
	if err := m.stateRepo.SetStateField(ctx, slug, "stream_url", url); err != nil {
		return m.unavailable(err)
	}

	return nil
}

func (m *Manager) StreamURL(ctx context.Context, slug string) (string, error) {
	url, err := m.stateRepo.GetStateField(ctx, slug, "stream_url")
	if err != nil {
		return "", m.unavailable(err)
	}

	return url, nil
}

// AddVote records a skip vote and returns the new distinct-voter count.
// The caller decides skip policy; this layer only tallies.
func (m *Manager) AddVote(ctx context.Context, slug string, songID int64, userID string) (int64, error) {
	count, err := m.stateRepo.AddVote(ctx, slug, songID, userID)
	if err != nil {
		return 0, m.unavailable(err)
	}

	return count, nil
}

func (m *Manager) VoteCount(ctx context.Context, slug string, songID int64) (int64, error) {
	count, err := m.stateRepo.VoteCount(ctx, slug, songID)
	if err != nil {
		return 0, m.unavailable(err)
	}

	return count, nil
}

// ClearVotes is idempotent. It must run whenever a song stops being the
// current item, otherwise votes leak into the next song.
func (m *Manager) ClearVotes(ctx context.Context, slug string, songID int64) error {
	if err := m.stateRepo.ClearVotes(ctx, slug, songID); err != nil {
		return m.unavailable(err)
	}

	return nil
}

func (m *Manager) AddParticipant(ctx context.Context, slug, userID string) error {
	if err := m.stateRepo.AddParticipant(ctx, slug, userID); err != nil {
		return m.unavailable(err)
	}

	return nil
}

func (m *Manager) RemoveParticipant(ctx context.Context, slug, userID string) error {
	if err := m.stateRepo.RemoveParticipant(ctx, slug, userID); err != nil {
		return m.unavailable(err)
	}

	return nil
}

func (m *Manager) ParticipantCount(ctx context.Context, slug string) (int64, error) {
	count, err := m.stateRepo.ParticipantCount(ctx, slug)
	if err != nil {
		return 0, m.unavailable(err)
	}

	return count, nil
}

func (m *Manager) serverTimeMS() int64 {
	return m.now().UnixMilli()
}

func (m *Manager) unavailable(err error) error {
	return fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
}
