package models

type EventType string

const (
	EventPlaybackUpdate    EventType = "playback_update"
	EventQueueUpdate       EventType = "queue_update"
	EventVoteUpdate        EventType = "vote_update"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
)

// RoomEvent is the envelope published on a room's broadcast channel. Every
// process subscribed to the room relays it verbatim to its local clients.
// Data is always a full snapshot, never a diff; consumers must tolerate
// out-of-order delivery.
type RoomEvent struct {
	Type     EventType `json:"type"`
	Data     any       `json:"data"`
	RoomSlug string    `json:"room_slug"`
}

type QueueUpdateData struct {
	NowPlaying *NowPlaying `json:"now_playing"`
	Queue      []Song      `json:"queue"`
}

type VoteUpdateData struct {
	SongID           int64   `json:"song_id"`
	VoteCount        int64   `json:"vote_count"`
	Threshold        float64 `json:"threshold"`
	ParticipantCount int64   `json:"participant_count"`
	Skipped          bool    `json:"skipped"`
}

type ParticipantUpdateData struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}
