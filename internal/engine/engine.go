package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jamhub/listenroom/config"
	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/kafka"
	"github.com/jamhub/listenroom/internal/models"
	"github.com/jamhub/listenroom/internal/ratelimit"
	sqliterepo "github.com/jamhub/listenroom/internal/repository/sqlite"
	"github.com/jamhub/listenroom/internal/resolver"
	"github.com/jamhub/listenroom/internal/room"
	"github.com/jamhub/listenroom/pkg/logger"
)

// StreamResolver is the slice of the media resolver gateway the engine
// needs: search-then-add and best-effort stream resolution on transition.
type StreamResolver interface {
	Search(ctx context.Context, query string, maxResults int) ([]resolver.SearchResult, error)
	ResolveStream(ctx context.Context, mediaID string) (string, error)
	RefreshStream(ctx context.Context, mediaID string) (string, error)
}

// Publisher fans a room event out to every process hosting the room.
type Publisher interface {
	Publish(ctx context.Context, slug string, eventType models.EventType, data any) error
}

// Engine decides what plays next. Every mutation that can change the
// current song funnels through it: adds, votes, host skips and natural song
// ends. The record store's conditional status update is the linearization
// point; when two processes race on the same transition, exactly one wins
// and the loser leaves the queue alone.
type Engine struct {
	roomRepo sqliterepo.RoomRepository
	songRepo sqliterepo.SongRepository
	voteRepo sqliterepo.VoteRepository
	rooms    *room.Manager
	resolver StreamResolver
	fanout   Publisher
	limiter  ratelimit.Limiter
	prod     kafka.Producer
	limits   config.RateLimitConfig
	l        logger.Logger
}

func New(
	roomRepo sqliterepo.RoomRepository,
	songRepo sqliterepo.SongRepository,
	voteRepo sqliterepo.VoteRepository,
	rooms *room.Manager,
	streamResolver StreamResolver,
	fanout Publisher,
	limiter ratelimit.Limiter,
	prod kafka.Producer,
	limits config.RateLimitConfig,
	l logger.Logger,
) *Engine {
	return &Engine{
		roomRepo: roomRepo,
		songRepo: songRepo,
		voteRepo: voteRepo,
		rooms:    rooms,
		resolver: streamResolver,
		fanout:   fanout,
		limiter:  limiter,
		prod:     prod,
		limits:   limits,
		l:        l,
	}
}

type AddSongInput struct {
	Query      string
	MediaID    string
	Title      string
	DurationMS int64
}

// AddSong appends a song to the room's queue, resolving a search query to a
// media id first when no id was given. If the room is idle the add triggers
// an immediate transition; otherwise only the queue snapshot is broadcast.
func (e *Engine) AddSong(ctx context.Context, slug, userID string, in AddSongInput) (*models.Song, error) {
	key := fmt.Sprintf("rl:queue:%s", slug)
	if err := e.limiter.Allow(ctx, key, e.limits.QueueAddLimit, e.limits.QueueAddWindow); err != nil {
		return nil, err
	}

	roomRec, err := e.roomRepo.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	mediaID, title, durationMS := in.MediaID, in.Title, in.DurationMS
	if in.Query != "" && mediaID == "" {
		results, err := e.resolver.Search(ctx, in.Query, 1)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, &apperrors.ResolutionError{Detail: "no results for query"}
		}

		top := results[0]
		mediaID = top.MediaID
		title = top.Title
		durationMS = top.DurationS * 1000
	}

	if mediaID == "" || title == "" {
		return nil, apperrors.ErrInvalidSong
	}

	maxPos, err := e.songRepo.MaxPosition(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to get max position: %w", err)
	}

	song := &models.Song{
		RoomSlug:   slug,
		UserID:     userID,
		Token:      uuid.NewString(),
		MediaID:    mediaID,
		Title:      title,
		DurationMS: durationMS,
		Status:     models.SongStatusQueued,
		Position:   maxPos + 1,
		CreatedAt:  time.Now(),
	}
	if err := e.songRepo.Insert(ctx, song); err != nil {
		return nil, fmt.Errorf("failed to insert song: %w", err)
	}

	e.l.Infof(ctx, "Song added: room=%s song=%d media=%s", slug, song.ID, mediaID)

	state, err := e.rooms.GetState(ctx, slug)
	if err != nil {
		return nil, err
	}

	if state.Status == models.PlaybackStatusIdle {
		if _, err := e.transitionToNext(ctx, roomRec); err != nil {
			return nil, err
		}
	} else {
		if err := e.broadcastQueue(ctx, slug); err != nil {
			e.l.Warnf(ctx, "Failed to broadcast queue after add: %v", err)
		}
	}

	return song, nil
}

// VoteSkip records one skip vote for the current song. A host vote, or a
// distinct-voter tally reaching the room's threshold fraction of
// participants, forces the skip. The vote_update broadcast goes out in
// every case.
func (e *Engine) VoteSkip(ctx context.Context, slug, userID string) (models.VoteUpdateData, error) {
	roomRec, err := e.roomRepo.Get(ctx, slug)
	if err != nil {
		return models.VoteUpdateData{}, err
	}

	currentID, err := e.rooms.CurrentSongDB(ctx, slug)
	if err != nil {
		return models.VoteUpdateData{}, err
	}
	if currentID == 0 {
		return models.VoteUpdateData{}, apperrors.ErrNoSongPlaying
	}

	voteCount, err := e.rooms.AddVote(ctx, slug, currentID, userID)
	if err != nil {
		return models.VoteUpdateData{}, err
	}

	participants, err := e.rooms.ParticipantCount(ctx, slug)
	if err != nil {
		return models.VoteUpdateData{}, err
	}

	// Durable backup of the vote; the Redis set remains authoritative.
	if err := e.voteRepo.Add(ctx, currentID, userID, sqliterepo.VoteTypeSkip); err != nil {
		e.l.Warnf(ctx, "Failed to persist vote: %v", err)
	}

	threshold := roomRec.Settings.VoteSkipThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	data := models.VoteUpdateData{
		SongID:           currentID,
		VoteCount:        voteCount,
		Threshold:        threshold,
		ParticipantCount: participants,
	}

	forced := roomRec.IsHost(userID) ||
		(participants > 0 && float64(voteCount)/float64(participants) >= threshold)

	if forced {
		finished, ok, err := e.finishCurrent(ctx, slug, models.SongStatusSkipped)
		if err != nil {
			return models.VoteUpdateData{}, err
		}
		if ok {
			data.Skipped = true
			if _, err := e.transitionToNext(ctx, roomRec); err != nil {
				return models.VoteUpdateData{}, err
			}
			e.publishSkipped(ctx, slug, finished, voteCount, false)
		}
	}

	if err := e.fanout.Publish(ctx, slug, models.EventVoteUpdate, data); err != nil {
		e.l.Warnf(ctx, "Failed to broadcast vote update: %v", err)
	}

	return data, nil
}

// HostSkip advances the queue immediately, bypassing the vote threshold.
func (e *Engine) HostSkip(ctx context.Context, slug, userID string) (models.PlaybackState, error) {
	roomRec, err := e.roomRepo.Get(ctx, slug)
	if err != nil {
		return models.PlaybackState{}, err
	}

	if !roomRec.IsHost(userID) {
		return models.PlaybackState{}, apperrors.ErrNotHost
	}

	finished, ok, err := e.finishCurrent(ctx, slug, models.SongStatusSkipped)
	if err != nil {
		return models.PlaybackState{}, err
	}
	if !ok && finished != nil {
		// Lost the race to a concurrent transition; report current state.
		return e.rooms.GetState(ctx, slug)
	}

	state, err := e.transitionToNext(ctx, roomRec)
	if err != nil {
		return models.PlaybackState{}, err
	}

	if ok {
		e.publishSkipped(ctx, slug, finished, 0, true)
	}

	return state, nil
}

// SongEnded handles a client-reported natural end of the current song. Two
// concurrent reports advance the queue exactly once: the conditional status
// update only succeeds for the first.
func (e *Engine) SongEnded(ctx context.Context, slug string) (models.PlaybackState, error) {
	roomRec, err := e.roomRepo.Get(ctx, slug)
	if err != nil {
		return models.PlaybackState{}, err
	}

	finished, ok, err := e.finishCurrent(ctx, slug, models.SongStatusPlayed)
	if err != nil {
		return models.PlaybackState{}, err
	}
	if !ok && finished != nil {
		return e.rooms.GetState(ctx, slug)
	}

	return e.transitionToNext(ctx, roomRec)
}

// Search resolves a free-text query to playable media metadata, rate
// limited per identity.
func (e *Engine) Search(ctx context.Context, userID, query string) ([]resolver.SearchResult, error) {
	key := fmt.Sprintf("rl:search:%s", userID)
	if err := e.limiter.Allow(ctx, key, e.limits.SearchLimit, e.limits.SearchWindow); err != nil {
		return nil, err
	}

	return e.resolver.Search(ctx, query, 5)
}

// ResolveStreamURL serves late joiners that need the current stream URL
// without triggering a queue transition.
func (e *Engine) ResolveStreamURL(ctx context.Context, mediaID string) (string, error) {
	return e.resolver.ResolveStream(ctx, mediaID)
}

// RefreshStream force-replaces a stale cached stream URL.
func (e *Engine) RefreshStream(ctx context.Context, mediaID string) (string, error) {
	return e.resolver.RefreshStream(ctx, mediaID)
}

// Pause, Resume and SeekTo are host-only playback authority operations.
// Authorization happens here; the state manager itself accepts any writer.

func (e *Engine) Pause(ctx context.Context, slug, userID string, positionMS int64) (models.PlaybackState, error) {
	if err := e.requireHost(ctx, slug, userID); err != nil {
		return models.PlaybackState{}, err
	}

	state, err := e.rooms.PauseAt(ctx, slug, positionMS)
	if err != nil {
		return models.PlaybackState{}, err
	}

	e.publishPlayback(ctx, slug, state)
	return state, nil
}

func (e *Engine) Resume(ctx context.Context, slug, userID string, positionMS int64) (models.PlaybackState, error) {
	if err := e.requireHost(ctx, slug, userID); err != nil {
		return models.PlaybackState{}, err
	}

	state, err := e.rooms.GetState(ctx, slug)
	if err != nil {
		return models.PlaybackState{}, err
	}
	if state.CurrentSongID == "" {
		return models.PlaybackState{}, apperrors.ErrNoSongPlaying
	}

	state, err = e.rooms.ResumeAt(ctx, slug, positionMS)
	if err != nil {
		return models.PlaybackState{}, err
	}

	e.publishPlayback(ctx, slug, state)
	return state, nil
}

func (e *Engine) SeekTo(ctx context.Context, slug, userID string, positionMS int64) (models.PlaybackState, error) {
	if err := e.requireHost(ctx, slug, userID); err != nil {
		return models.PlaybackState{}, err
	}

	state, err := e.rooms.Seek(ctx, slug, positionMS)
	if err != nil {
		return models.PlaybackState{}, err
	}

	e.publishPlayback(ctx, slug, state)
	return state, nil
}

// QueueSnapshot returns the fully materialized now-playing entry and
// pending queue for the room.
func (e *Engine) QueueSnapshot(ctx context.Context, slug string) (models.QueueUpdateData, error) {
	queued, err := e.songRepo.ListQueued(ctx, slug)
	if err != nil {
		return models.QueueUpdateData{}, fmt.Errorf("failed to list queue: %w", err)
	}

	snapshot := models.QueueUpdateData{Queue: queued}

	playing, err := e.songRepo.GetPlaying(ctx, slug)
	if err != nil {
		if !errors.Is(err, apperrors.ErrSongNotFound) {
			return models.QueueUpdateData{}, err
		}
		return snapshot, nil
	}

	np := models.NowPlaying{Song: *playing}
	if url, err := e.rooms.StreamURL(ctx, slug); err == nil {
		np.StreamURL = url
	}
	snapshot.NowPlaying = &np

	return snapshot, nil
}

// finishCurrent marks the room's current song with its terminal status and
// clears its vote set. Reports ok=false when there is no current song or
// when a concurrent caller already transitioned it; the returned song is
// non-nil whenever a current song existed.
func (e *Engine) finishCurrent(ctx context.Context, slug string, to models.SongStatus) (*models.Song, bool, error) {
	currentID, err := e.rooms.CurrentSongDB(ctx, slug)
	if err != nil {
		return nil, false, err
	}
	if currentID == 0 {
		return nil, false, nil
	}

	song, err := e.songRepo.Get(ctx, currentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrSongNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	changed, err := e.songRepo.TransitionStatus(ctx, currentID, models.SongStatusPlaying, to)
	if err != nil {
		return song, false, err
	}
	if !changed {
		e.l.Debugf(ctx, "Song %d already transitioned, skipping", currentID)
		return song, false, nil
	}

	if err := e.rooms.ClearVotes(ctx, slug, currentID); err != nil {
		e.l.Warnf(ctx, "Failed to clear votes for song %d: %v", currentID, err)
	}

	song.Status = to
	return song, true, nil
}

// transitionToNext selects the next queued song, marks it playing, starts
// playback at 0 and broadcasts the new playback and queue snapshots. Stream
// resolution is best effort: a failed resolution degrades to a null stream
// URL instead of blocking the transition. With an empty queue the room goes
// idle.
func (e *Engine) transitionToNext(ctx context.Context, roomRec *models.Room) (models.PlaybackState, error) {
	slug := roomRec.Slug

	if roomRec.Settings.RepeatMode == models.RepeatModeOne {
		if state, ok, err := e.replayCurrent(ctx, slug); err != nil {
			return models.PlaybackState{}, err
		} else if ok {
			return state, nil
		}
	}

	requeued := false
	for {
		// A concurrent transition may already have claimed a song. At most
		// one row per room is ever playing, so bail instead of claiming a
		// second one. This also catches losing a claim below: the winner's
		// row shows up here on the retry.
		if _, err := e.songRepo.GetPlaying(ctx, slug); err == nil {
			return e.rooms.GetState(ctx, slug)
		} else if !errors.Is(err, apperrors.ErrSongNotFound) {
			return models.PlaybackState{}, fmt.Errorf("failed to check current song: %w", err)
		}

		next, err := e.songRepo.NextQueued(ctx, slug)
		if err != nil {
			if !errors.Is(err, apperrors.ErrSongNotFound) {
				return models.PlaybackState{}, fmt.Errorf("failed to select next song: %w", err)
			}

			if roomRec.Settings.RepeatMode == models.RepeatModeAll && !requeued {
				if _, err := e.songRepo.RequeueAll(ctx, slug); err != nil {
					return models.PlaybackState{}, err
				}
				requeued = true
				continue
			}

			return e.goIdle(ctx, slug)
		}

		changed, err := e.songRepo.TransitionStatus(ctx, next.ID, models.SongStatusQueued, models.SongStatusPlaying)
		if err != nil {
			return models.PlaybackState{}, err
		}
		if !changed {
			// Another process claimed it first; pick again.
			continue
		}

		return e.startSong(ctx, slug, next)
	}
}

// replayCurrent re-plays the song that just finished, for repeat-one rooms.
func (e *Engine) replayCurrent(ctx context.Context, slug string) (models.PlaybackState, bool, error) {
	currentID, err := e.rooms.CurrentSongDB(ctx, slug)
	if err != nil || currentID == 0 {
		return models.PlaybackState{}, false, err
	}

	song, err := e.songRepo.Get(ctx, currentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrSongNotFound) {
			return models.PlaybackState{}, false, nil
		}
		return models.PlaybackState{}, false, err
	}

	changed, err := e.songRepo.TransitionStatus(ctx, song.ID, song.Status, models.SongStatusPlaying)
	if err != nil {
		return models.PlaybackState{}, false, err
	}
	if !changed {
		return models.PlaybackState{}, false, nil
	}

	state, err := e.startSong(ctx, slug, song)
	if err != nil {
		return models.PlaybackState{}, false, err
	}

	return state, true, nil
}

func (e *Engine) startSong(ctx context.Context, slug string, song *models.Song) (models.PlaybackState, error) {
	state, err := e.rooms.Play(ctx, slug, song.MediaID, 0)
	if err != nil {
		return models.PlaybackState{}, err
	}

	if err := e.rooms.SetCurrentSongDB(ctx, slug, song.ID); err != nil {
		return models.PlaybackState{}, err
	}
	state.CurrentSongDB = song.ID

	url, err := e.resolver.ResolveStream(ctx, song.MediaID)
	if err != nil {
		e.l.Errorf(ctx, "Failed to resolve stream for %s: %v", song.MediaID, err)
		state.StreamURL = ""
	} else {
		if err := e.rooms.SetStreamURL(ctx, slug, url); err != nil {
			e.l.Warnf(ctx, "Failed to store stream URL: %v", err)
		}
		state.StreamURL = url
	}

	e.l.Infof(ctx, "Now playing: room=%s song=%d media=%s", slug, song.ID, song.MediaID)

	e.publishPlayback(ctx, slug, state)
	if err := e.broadcastQueue(ctx, slug); err != nil {
		e.l.Warnf(ctx, "Failed to broadcast queue: %v", err)
	}

	if e.prod != nil {
		if err := e.prod.PublishSongPlayed(ctx, kafka.SongPlayedEvent{
			RoomSlug: slug,
			SongID:   song.ID,
			MediaID:  song.MediaID,
			Title:    song.Title,
		}); err != nil {
			e.l.Warnf(ctx, "Failed to publish song played event: %v", err)
		}
	}

	return state, nil
}

func (e *Engine) goIdle(ctx context.Context, slug string) (models.PlaybackState, error) {
	state, err := e.rooms.SetIdle(ctx, slug)
	if err != nil {
		return models.PlaybackState{}, err
	}

	e.publishPlayback(ctx, slug, state)
	if err := e.broadcastQueue(ctx, slug); err != nil {
		e.l.Warnf(ctx, "Failed to broadcast queue: %v", err)
	}

	return state, nil
}

func (e *Engine) broadcastQueue(ctx context.Context, slug string) error {
	snapshot, err := e.QueueSnapshot(ctx, slug)
	if err != nil {
		return err
	}

	return e.fanout.Publish(ctx, slug, models.EventQueueUpdate, snapshot)
}

func (e *Engine) publishPlayback(ctx context.Context, slug string, state models.PlaybackState) {
	if err := e.fanout.Publish(ctx, slug, models.EventPlaybackUpdate, state); err != nil {
		e.l.Warnf(ctx, "Failed to broadcast playback update: %v", err)
	}
}

func (e *Engine) publishSkipped(ctx context.Context, slug string, song *models.Song, votes int64, byHost bool) {
	if e.prod == nil || song == nil {
		return
	}

	if err := e.prod.PublishSongSkipped(ctx, kafka.SongSkippedEvent{
		RoomSlug:  slug,
		SongID:    song.ID,
		MediaID:   song.MediaID,
		VoteCount: votes,
		ByHost:    byHost,
	}); err != nil {
		e.l.Warnf(ctx, "Failed to publish song skipped event: %v", err)
	}
}

func (e *Engine) requireHost(ctx context.Context, slug, userID string) error {
	roomRec, err := e.roomRepo.Get(ctx, slug)
	if err != nil {
		return err
	}

	if !roomRec.IsHost(userID) {
		return apperrors.ErrNotHost
	}

	return nil
}
