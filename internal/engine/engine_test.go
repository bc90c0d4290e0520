package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamhub/listenroom/config"
	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/models"
	redisrepo "github.com/jamhub/listenroom/internal/repository/redis"
	sqliterepo "github.com/jamhub/listenroom/internal/repository/sqlite"
	"github.com/jamhub/listenroom/internal/resolver"
	"github.com/jamhub/listenroom/internal/room"
	"github.com/jamhub/listenroom/pkg/logger"
)

type fakeRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]*models.Room
}

func (f *fakeRoomRepo) Create(ctx context.Context, r *models.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.rooms[r.Slug] = &cp
	return nil
}

func (f *fakeRoomRepo) Get(ctx context.Context, slug string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[slug]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRoomRepo) SetActive(ctx context.Context, slug string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[slug]; ok {
		r.IsActive = active
	}
	return nil
}

type fakeSongRepo struct {
	mu     sync.Mutex
	nextID int64
	songs  map[int64]*models.Song
}

func newFakeSongRepo() *fakeSongRepo {
	return &fakeSongRepo{nextID: 1, songs: make(map[int64]*models.Song)}
}

func (f *fakeSongRepo) Insert(ctx context.Context, song *models.Song) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	song.ID = f.nextID
	f.nextID++
	cp := *song
	f.songs[song.ID] = &cp
	return nil
}

func (f *fakeSongRepo) Get(ctx context.Context, id int64) (*models.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.songs[id]
	if !ok {
		return nil, apperrors.ErrSongNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSongRepo) inRoom(slug string, status models.SongStatus) []*models.Song {
	out := make([]*models.Song, 0)
	for _, s := range f.songs {
		if s.RoomSlug == slug && s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *fakeSongRepo) NextQueued(ctx context.Context, slug string) (*models.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queued := f.inRoom(slug, models.SongStatusQueued)
	if len(queued) == 0 {
		return nil, apperrors.ErrSongNotFound
	}
	cp := *queued[0]
	return &cp, nil
}

func (f *fakeSongRepo) ListQueued(ctx context.Context, slug string) ([]models.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queued := f.inRoom(slug, models.SongStatusQueued)
	out := make([]models.Song, 0, len(queued))
	for _, s := range queued {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSongRepo) GetPlaying(ctx context.Context, slug string) (*models.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	playing := f.inRoom(slug, models.SongStatusPlaying)
	if len(playing) == 0 {
		return nil, apperrors.ErrSongNotFound
	}
	cp := *playing[0]
	return &cp, nil
}

func (f *fakeSongRepo) MaxPosition(ctx context.Context, slug string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, s := range f.songs {
		if s.RoomSlug == slug && s.Position > max {
			max = s.Position
		}
	}
	return max, nil
}

func (f *fakeSongRepo) TransitionStatus(ctx context.Context, id int64, from, to models.SongStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.songs[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (f *fakeSongRepo) RequeueAll(ctx context.Context, slug string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.songs {
		if s.RoomSlug == slug && s.Status != models.SongStatusQueued {
			s.Status = models.SongStatusQueued
			n++
		}
	}
	return n, nil
}

type fakeVoteRepo struct {
	mu    sync.Mutex
	votes int
}

func (f *fakeVoteRepo) Add(ctx context.Context, songID int64, userID string, voteType sqliterepo.VoteType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes++
	return nil
}

type fakeResolver struct {
	mu            sync.Mutex
	searchResults []resolver.SearchResult
	searchErr     error
	url           string
	resolveErr    error
	resolveCalls  int
}

func (f *fakeResolver) Search(ctx context.Context, query string, maxResults int) ([]resolver.SearchResult, error) {
	return f.searchResults, f.searchErr
}

func (f *fakeResolver) ResolveStream(ctx context.Context, mediaID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	return f.url, f.resolveErr
}

func (f *fakeResolver) RefreshStream(ctx context.Context, mediaID string) (string, error) {
	return f.url, f.resolveErr
}

type publishedEvent struct {
	Slug string
	Type models.EventType
	Data any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, slug string, eventType models.EventType, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Slug: slug, Type: eventType, Data: data})
	return nil
}

func (f *fakePublisher) ofType(eventType models.EventType) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedEvent, 0)
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeLimiter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fixture struct {
	eng      *Engine
	rooms    *room.Manager
	roomRepo *fakeRoomRepo
	songRepo *fakeSongRepo
	pub      *fakePublisher
	limiter  *fakeLimiter
	resolver *fakeResolver
}

func newFixture(t *testing.T, settings models.RoomSettings) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })

	l := logger.InitializeTestZapLogger()
	rooms := room.NewManager(redisrepo.NewRedisStateRepository(cli, l), l)

	f := &fixture{
		rooms:    rooms,
		roomRepo: &fakeRoomRepo{rooms: make(map[string]*models.Room)},
		songRepo: newFakeSongRepo(),
		pub:      &fakePublisher{},
		limiter:  &fakeLimiter{},
		resolver: &fakeResolver{url: "https://cdn.example/audio.m4a"},
	}

	f.eng = New(
		f.roomRepo, f.songRepo, &fakeVoteRepo{}, rooms,
		f.resolver, f.pub, f.limiter, nil,
		config.RateLimitConfig{
			QueueAddLimit:  5,
			QueueAddWindow: 30 * time.Second,
			SearchLimit:    10,
			SearchWindow:   time.Minute,
		},
		l,
	)

	ctx := context.Background()
	roomRec := &models.Room{
		Slug:     "ABC123",
		Name:     "test room",
		HostID:   "host-1",
		IsActive: true,
		Settings: settings,
	}
	require.NoError(t, f.roomRepo.Create(ctx, roomRec))
	require.NoError(t, rooms.InitializeRoom(ctx, "ABC123", "host-1", settings))

	return f
}

func (f *fixture) addParticipants(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, f.rooms.AddParticipant(context.Background(), "ABC123", u))
	}
}

func TestAddSongToIdleRoomStartsPlayback(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	song, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{
		MediaID:    "media-1",
		Title:      "First Song",
		DurationMS: 215000,
	})
	require.NoError(t, err)

	stored, err := f.songRepo.Get(ctx, song.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusPlaying, stored.Status)

	state, err := f.rooms.GetState(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackStatusPlaying, state.Status)
	assert.Equal(t, "media-1", state.CurrentSongID)
	assert.Equal(t, song.ID, state.CurrentSongDB)
	assert.Equal(t, "https://cdn.example/audio.m4a", state.StreamURL)

	assert.NotEmpty(t, f.pub.ofType(models.EventPlaybackUpdate))
	assert.NotEmpty(t, f.pub.ofType(models.EventQueueUpdate))
}

func TestAddSongWhilePlayingOnlyQueues(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	first, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	second, err := f.eng.AddSong(ctx, "ABC123", "user-2", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	stored, err := f.songRepo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusQueued, stored.Status)
	assert.Greater(t, stored.Position, first.Position)

	// The current song keeps playing.
	state, err := f.rooms.GetState(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "media-1", state.CurrentSongID)
}

func TestAddSongResolvesQueryToTopResult(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.resolver.searchResults = []resolver.SearchResult{
		{MediaID: "found-1", Title: "Found Song", DurationS: 200},
		{MediaID: "found-2", Title: "Runner Up", DurationS: 180},
	}
	ctx := context.Background()

	song, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{Query: "some song"})
	require.NoError(t, err)

	assert.Equal(t, "found-1", song.MediaID)
	assert.Equal(t, "Found Song", song.Title)
	assert.Equal(t, int64(200000), song.DurationMS)
}

func TestAddSongRejectsMissingMetadata(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())

	_, err := f.eng.AddSong(context.Background(), "ABC123", "user-1", AddSongInput{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSong))
}

func TestAddSongRateLimited(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.limiter.err = &apperrors.RateLimitError{Limit: 5, RetryAfter: 30 * time.Second}

	_, err := f.eng.AddSong(context.Background(), "ABC123", "user-1", AddSongInput{MediaID: "m", Title: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))

	// Nothing was inserted.
	songs, err := f.songRepo.ListQueued(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.Empty(t, songs)
}

func TestAddSongDegradesWhenResolutionFails(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.resolver.resolveErr = &apperrors.ResolutionError{MediaID: "media-1", Detail: "upstream down"}
	ctx := context.Background()

	_, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	// Playback starts anyway; the stream URL is simply absent.
	state, err := f.rooms.GetState(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackStatusPlaying, state.Status)
	assert.Empty(t, state.StreamURL)
}

func TestFailedResolutionDoesNotServePreviousStreamURL(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	_, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)
	_, err = f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	// Resolution breaks before the transition to the second song.
	f.resolver.resolveErr = &apperrors.ResolutionError{MediaID: "media-2", Detail: "upstream down"}

	state, err := f.eng.SongEnded(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "media-2", state.CurrentSongID)
	assert.Empty(t, state.StreamURL)

	// Late joiners must not be handed the first song's URL.
	url, err := f.rooms.StreamURL(ctx, "ABC123")
	require.NoError(t, err)
	assert.Empty(t, url)

	snapshot, err := f.eng.QueueSnapshot(ctx, "ABC123")
	require.NoError(t, err)
	require.NotNil(t, snapshot.NowPlaying)
	assert.Empty(t, snapshot.NowPlaying.StreamURL)
}

func TestVoteSkipBelowThreshold(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.addParticipants(t, "host-1", "user-1", "user-2", "user-3")
	ctx := context.Background()

	song, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	data, err := f.eng.VoteSkip(ctx, "ABC123", "user-1")
	require.NoError(t, err)

	// 1 of 4 is below the default 0.5 threshold.
	assert.False(t, data.Skipped)
	assert.Equal(t, int64(1), data.VoteCount)
	assert.Equal(t, int64(4), data.ParticipantCount)

	stored, err := f.songRepo.Get(ctx, song.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusPlaying, stored.Status)

	assert.Len(t, f.pub.ofType(models.EventVoteUpdate), 1)
}

func TestVoteSkipReachingThresholdAdvancesQueue(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.addParticipants(t, "host-1", "user-1", "user-2", "user-3")
	ctx := context.Background()

	first, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)
	second, err := f.eng.AddSong(ctx, "ABC123", "user-2", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	_, err = f.eng.VoteSkip(ctx, "ABC123", "user-1")
	require.NoError(t, err)

	// 2 of 4 hits the 0.5 threshold exactly.
	data, err := f.eng.VoteSkip(ctx, "ABC123", "user-2")
	require.NoError(t, err)
	assert.True(t, data.Skipped)

	stored, err := f.songRepo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusSkipped, stored.Status)

	state, err := f.rooms.GetState(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "media-2", state.CurrentSongID)
	assert.Equal(t, second.ID, state.CurrentSongDB)

	// The finished song's votes are gone.
	count, err := f.rooms.VoteCount(ctx, "ABC123", first.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHostVoteForcesSkip(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.addParticipants(t, "host-1", "user-1", "user-2", "user-3")
	ctx := context.Background()

	song, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	data, err := f.eng.VoteSkip(ctx, "ABC123", "host-1")
	require.NoError(t, err)
	assert.True(t, data.Skipped)

	stored, err := f.songRepo.Get(ctx, song.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusSkipped, stored.Status)
}

func TestVoteSkipWithNothingPlaying(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())

	_, err := f.eng.VoteSkip(context.Background(), "ABC123", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoSongPlaying))
}

func TestHostSkipRequiresHost(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	_, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	_, err = f.eng.HostSkip(ctx, "ABC123", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotHost))

	_, err = f.eng.HostSkip(ctx, "ABC123", "host-1")
	require.NoError(t, err)
}

func TestSongEndedAdvancesToNext(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	first, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)
	second, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	state, err := f.eng.SongEnded(ctx, "ABC123")
	require.NoError(t, err)

	assert.Equal(t, models.PlaybackStatusPlaying, state.Status)
	assert.Equal(t, second.ID, state.CurrentSongDB)

	stored, err := f.songRepo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusPlayed, stored.Status)
}

func TestSongEndedWithEmptyQueueGoesIdle(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	_, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	state, err := f.eng.SongEnded(ctx, "ABC123")
	require.NoError(t, err)

	assert.Equal(t, models.PlaybackStatusIdle, state.Status)
	assert.Empty(t, state.CurrentSongID)
	assert.Zero(t, state.CurrentSongDB)
}

func TestStaleSongEndedReportDoesNotAdvance(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	first, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)
	second, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	// Another process already transitioned the current song but has not yet
	// advanced the pointer; a duplicate report must not advance again.
	changed, err := f.songRepo.TransitionStatus(ctx, first.ID, models.SongStatusPlaying, models.SongStatusPlayed)
	require.NoError(t, err)
	require.True(t, changed)

	state, err := f.eng.SongEnded(ctx, "ABC123")
	require.NoError(t, err)

	// The pointer still names the finished song; the queued song stays queued.
	assert.Equal(t, first.ID, state.CurrentSongDB)

	stored, err := f.songRepo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusQueued, stored.Status)
}

func TestAddSongDuringConcurrentClaimKeepsOneSongPlaying(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	// A concurrent process claimed a song for playback but has not yet
	// written the shared playback state, so this process still reads idle.
	claimed := &models.Song{
		RoomSlug: "ABC123",
		UserID:   "user-1",
		MediaID:  "media-1",
		Title:    "First",
		Status:   models.SongStatusQueued,
		Position: 1,
	}
	require.NoError(t, f.songRepo.Insert(ctx, claimed))
	changed, err := f.songRepo.TransitionStatus(ctx, claimed.ID, models.SongStatusQueued, models.SongStatusPlaying)
	require.NoError(t, err)
	require.True(t, changed)

	added, err := f.eng.AddSong(ctx, "ABC123", "user-2", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	// The add must not start a second transition; its song waits in the queue.
	stored, err := f.songRepo.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SongStatusQueued, stored.Status)

	playing := 0
	for _, id := range []int64{claimed.ID, added.ID} {
		s, err := f.songRepo.Get(ctx, id)
		require.NoError(t, err)
		if s.Status == models.SongStatusPlaying {
			playing++
		}
	}
	assert.Equal(t, 1, playing)
}

func TestRepeatAllRequeuesFinishedSongs(t *testing.T) {
	settings := models.DefaultRoomSettings()
	settings.RepeatMode = models.RepeatModeAll
	f := newFixture(t, settings)
	ctx := context.Background()

	first, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	state, err := f.eng.SongEnded(ctx, "ABC123")
	require.NoError(t, err)

	// The only song loops back instead of the room going idle.
	assert.Equal(t, models.PlaybackStatusPlaying, state.Status)
	assert.Equal(t, first.ID, state.CurrentSongDB)
}

func TestRepeatOneReplaysCurrentSong(t *testing.T) {
	settings := models.DefaultRoomSettings()
	settings.RepeatMode = models.RepeatModeOne
	f := newFixture(t, settings)
	ctx := context.Background()

	first, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)
	_, err = f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	state, err := f.eng.SongEnded(ctx, "ABC123")
	require.NoError(t, err)

	// The same song plays again; the queue does not advance.
	assert.Equal(t, first.ID, state.CurrentSongDB)
	assert.Equal(t, "media-1", state.CurrentSongID)
}

func TestPlaybackAuthorityIsHostOnly(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	_, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)

	_, err = f.eng.Pause(ctx, "ABC123", "user-1", 5000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotHost))

	state, err := f.eng.Pause(ctx, "ABC123", "host-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackStatusPaused, state.Status)
	assert.Equal(t, int64(5000), state.PositionMS)

	state, err = f.eng.Resume(ctx, "ABC123", "host-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackStatusPlaying, state.Status)

	state, err = f.eng.SeekTo(ctx, "ABC123", "host-1", 60000)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), state.PositionMS)
}

func TestSearchRateLimited(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	f.limiter.err = &apperrors.RateLimitError{Limit: 10, RetryAfter: time.Minute}

	_, err := f.eng.Search(context.Background(), "user-1", "some query")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))
}

func TestQueueSnapshotCarriesStreamURL(t *testing.T) {
	f := newFixture(t, models.DefaultRoomSettings())
	ctx := context.Background()

	playing, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-1", Title: "First"})
	require.NoError(t, err)
	queued, err := f.eng.AddSong(ctx, "ABC123", "user-1", AddSongInput{MediaID: "media-2", Title: "Second"})
	require.NoError(t, err)

	snapshot, err := f.eng.QueueSnapshot(ctx, "ABC123")
	require.NoError(t, err)

	require.NotNil(t, snapshot.NowPlaying)
	assert.Equal(t, playing.ID, snapshot.NowPlaying.ID)
	assert.Equal(t, "https://cdn.example/audio.m4a", snapshot.NowPlaying.StreamURL)

	require.Len(t, snapshot.Queue, 1)
	assert.Equal(t, queued.ID, snapshot.Queue[0].ID)
}
