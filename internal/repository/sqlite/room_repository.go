package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/models"
	"github.com/jamhub/listenroom/pkg/logger"
)

type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	Get(ctx context.Context, slug string) (*models.Room, error)
	SetActive(ctx context.Context, slug string, active bool) error
}

type sqliteRoomRepository struct {
	db *sql.DB
	l  logger.Logger
}

func NewSQLiteRoomRepository(db *sql.DB, l logger.Logger) RoomRepository {
	return &sqliteRoomRepository{
		db: db,
		l:  l,
	}
}

func (r *sqliteRoomRepository) Create(ctx context.Context, room *models.Room) error {
	settings, err := json.Marshal(room.Settings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO rooms (slug, name, host_id, is_active, settings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		room.Slug, room.Name, room.HostID, room.IsActive, string(settings), room.CreatedAt,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteRoomRepository.Create: %v", err)
		return err
	}

	return nil
}

func (r *sqliteRoomRepository) Get(ctx context.Context, slug string) (*models.Room, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT slug, name, host_id, is_active, settings, created_at
		 FROM rooms WHERE slug = ?`, slug,
	)

	var room models.Room
	var settings string
	if err := row.Scan(&room.Slug, &room.Name, &room.HostID, &room.IsActive, &settings, &room.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrRoomNotFound
		}

		r.l.Errorf(ctx, "sqliteRoomRepository.Get: %v", err)
		return nil, err
	}

	if err := json.Unmarshal([]byte(settings), &room.Settings); err != nil {
		r.l.Errorf(ctx, "sqliteRoomRepository.Get: %v", err)
		return nil, err
	}

	return &room, nil
}

func (r *sqliteRoomRepository) SetActive(ctx context.Context, slug string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rooms SET is_active = ? WHERE slug = ?`, active, slug,
	)
	if err != nil {
		r.l.Errorf(ctx, "sqliteRoomRepository.SetActive: %v", err)
		return err
	}

	return nil
}
