package repository

import (
	"context"
	"database/sql"

	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/models"
	"github.com/jamhub/listenroom/pkg/logger"
)

type SongRepository interface {
	Insert(ctx context.Context, song *models.Song) error
	Get(ctx context.Context, id int64) (*models.Song, error)
	NextQueued(ctx context.Context, slug string) (*models.Song, error)
	ListQueued(ctx context.Context, slug string) ([]models.Song, error)
	GetPlaying(ctx context.Context, slug string) (*models.Song, error)
	MaxPosition(ctx context.Context, slug string) (int64, error)

	// TransitionStatus moves a song from one status to another in a single
	// conditional update and reports whether the row actually changed. This
	// is the linearization point concurrent transitions race on: exactly one
	// caller observes changed=true.
	TransitionStatus(ctx context.Context, id int64, from, to models.SongStatus) (bool, error)

	// RequeueAll resets every non-queued song in the room back to queued.
	// Used by the repeat-all policy when the queue runs out.
	RequeueAll(ctx context.Context, slug string) (int64, error)
}

const songColumns = `id, room_slug, user_id, token, media_id, title, duration_ms, status, position, created_at`

type sqliteSongRepository struct {
	db *sql.DB
	l  logger.Logger
}

func NewSQLiteSongRepository(db *sql.DB, l logger.Logger) SongRepository {
	return &sqliteSongRepository{
		db: db,
		l:  l,
	}
}

func (r *sqliteSongRepository) Insert(ctx context.Context, song *models.Song) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO songs (room_slug, user_id, token, media_id, title, duration_ms, status, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		song.RoomSlug, song.UserID, song.Token, song.MediaID, song.Title,
		song.DurationMS, song.Status, song.Position, song.CreatedAt,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.Insert: %v", err)
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.Insert: %v", err)
		return err
	}
	song.ID = id

	return nil
}

func (r *sqliteSongRepository) Get(ctx context.Context, id int64) (*models.Song, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+songColumns+` FROM songs WHERE id = ?`, id,
	)

	return r.scanSong(ctx, row)
}

func (r *sqliteSongRepository) NextQueued(ctx context.Context, slug string) (*models.Song, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+songColumns+` FROM songs
		 WHERE room_slug = ? AND status = ?
		 ORDER BY position ASC, id ASC
		 LIMIT 1`,
		slug, models.SongStatusQueued,
	)

	return r.scanSong(ctx, row)
}

func (r *sqliteSongRepository) ListQueued(ctx context.Context, slug string) ([]models.Song, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+songColumns+` FROM songs
		 WHERE room_slug = ? AND status = ?
		 ORDER BY position ASC, id ASC`,
		slug, models.SongStatusQueued,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.ListQueued: %v", err)
		return nil, err
	}
	defer rows.Close()

	songs := make([]models.Song, 0)
	for rows.Next() {
		var s models.Song
		if err := rows.Scan(&s.ID, &s.RoomSlug, &s.UserID, &s.Token, &s.MediaID,
			&s.Title, &s.DurationMS, &s.Status, &s.Position, &s.CreatedAt); err != nil {
			r.l.Errorf(ctx, "sqliteSongRepository.ListQueued: %v", err)
			return nil, err
		}
		songs = append(songs, s)
	}

	return songs, rows.Err()
}

func (r *sqliteSongRepository) GetPlaying(ctx context.Context, slug string) (*models.Song, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+songColumns+` FROM songs
		 WHERE room_slug = ? AND status = ?
		 LIMIT 1`,
		slug, models.SongStatusPlaying,
	)

	return r.scanSong(ctx, row)
}

func (r *sqliteSongRepository) MaxPosition(ctx context.Context, slug string) (int64, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM songs WHERE room_slug = ?`, slug,
	).Scan(&max)
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.MaxPosition: %v", err)
		return 0, err
	}

	return max.Int64, nil
}

func (r *sqliteSongRepository) TransitionStatus(ctx context.Context, id int64, from, to models.SongStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE songs SET status = ? WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.TransitionStatus: %v", err)
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.TransitionStatus: %v", err)
		return false, err
	}

	return affected > 0, nil
}

func (r *sqliteSongRepository) RequeueAll(ctx context.Context, slug string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE songs SET status = ? WHERE room_slug = ? AND status != ?`,
		models.SongStatusQueued, slug, models.SongStatusQueued,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.RequeueAll: %v", err)
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		r.l.Errorf(ctx, "sqliteSongRepository.RequeueAll: %v", err)
		return 0, err
	}

	if affected > 0 {
		r.l.Debugf(ctx, "Requeued %d songs in room %s", affected, slug)
	}

	return affected, nil
}

func (r *sqliteSongRepository) scanSong(ctx context.Context, row *sql.Row) (*models.Song, error) {
	var s models.Song
	err := row.Scan(&s.ID, &s.RoomSlug, &s.UserID, &s.Token, &s.MediaID,
		&s.Title, &s.DurationMS, &s.Status, &s.Position, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrSongNotFound
		}

		r.l.Errorf(ctx, "sqliteSongRepository.scanSong: %v", err)
		return nil, err
	}

	return &s, nil
}
