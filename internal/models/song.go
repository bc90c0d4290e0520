package models

import "time"

type SongStatus string

const (
	SongStatusQueued  SongStatus = "queued"
	SongStatusPlaying SongStatus = "playing"
	SongStatusPlayed  SongStatus = "played"
	SongStatusSkipped SongStatus = "skipped"
)

// Song is one queue entry. Status advances queued -> playing -> played or
// skipped; a row is only reset back to queued by a repeat-all requeue.
type Song struct {
	ID         int64      `json:"id"`
	RoomSlug   string     `json:"room_id"`
	UserID     string     `json:"user_id"`
	Token      string     `json:"token"`
	MediaID    string     `json:"media_id"`
	Title      string     `json:"title"`
	DurationMS int64      `json:"duration"`
	Status     SongStatus `json:"status"`
	Position   int64      `json:"position"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NowPlaying is the wire shape of the currently playing song, carrying the
// cached stream URL when one has been resolved.
type NowPlaying struct {
	Song
	StreamURL string `json:"stream_url,omitempty"`
}
