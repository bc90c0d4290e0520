package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	slug       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	host_id    TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	settings   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS songs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	room_slug   TEXT NOT NULL REFERENCES rooms(slug),
	user_id     TEXT NOT NULL,
	token       TEXT NOT NULL UNIQUE,
	media_id    TEXT NOT NULL,
	title       TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'queued',
	position    INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_songs_room_status_position
	ON songs (room_slug, status, position);

CREATE TABLE IF NOT EXISTS votes (
	song_id INTEGER NOT NULL REFERENCES songs(id),
	user_id TEXT NOT NULL,
	type    TEXT NOT NULL,
	PRIMARY KEY (song_id, user_id, type)
);
`

// Open opens the record store and applies the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}
