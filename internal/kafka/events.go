package kafka

import "time"

const (
	TopicRoomCreated = "room.created"
	TopicSongPlayed  = "room.song.played"
	TopicSongSkipped = "room.song.skipped"
)

type RoomCreatedEvent struct {
	RoomSlug  string    `json:"room_slug"`
	HostID    string    `json:"host_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

type SongPlayedEvent struct {
	RoomSlug  string    `json:"room_slug"`
	SongID    int64     `json:"song_id"`
	MediaID   string    `json:"media_id"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

type SongSkippedEvent struct {
	RoomSlug  string    `json:"room_slug"`
	SongID    int64     `json:"song_id"`
	MediaID   string    `json:"media_id"`
	VoteCount int64     `json:"vote_count"`
	ByHost    bool      `json:"by_host"`
	Timestamp time.Time `json:"timestamp"`
}
