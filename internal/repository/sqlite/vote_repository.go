package repository

import (
	"context"
	"database/sql"

	"github.com/jamhub/listenroom/pkg/logger"
)

type VoteType string

const (
	VoteTypeSkip VoteType = "skip"
	VoteTypeLike VoteType = "like"
)

// VoteRepository persists votes as a durable backup of the Redis vote sets.
// Inserts are idempotent; a repeated vote is silently ignored.
type VoteRepository interface {
	Add(ctx context.Context, songID int64, userID string, voteType VoteType) error
}

type sqliteVoteRepository struct {
	db *sql.DB
	l  logger.Logger
}

func NewSQLiteVoteRepository(db *sql.DB, l logger.Logger) VoteRepository {
	return &sqliteVoteRepository{
		db: db,
		l:  l,
	}
}

func (r *sqliteVoteRepository) Add(ctx context.Context, songID int64, userID string, voteType VoteType) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO votes (song_id, user_id, type) VALUES (?, ?, ?)`,
		songID, userID, voteType,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteVoteRepository.Add: %v", err)
		return err
	}

	return nil
}
