package models

import "time"

type RepeatMode string

const (
	RepeatModeOff RepeatMode = "off"
	RepeatModeOne RepeatMode = "one"
	RepeatModeAll RepeatMode = "all"
)

// RoomSettings is stored as a JSON blob on the room row and mirrored into
// the Redis meta hash when the room is initialized.
type RoomSettings struct {
	VoteSkipThreshold float64    `json:"vote_skip_threshold"`
	AllowGuests       bool       `json:"allow_guests"`
	RepeatMode        RepeatMode `json:"repeat_mode"`
}

func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		VoteSkipThreshold: 0.5,
		AllowGuests:       true,
		RepeatMode:        RepeatModeOff,
	}
}

type Room struct {
	Slug      string       `json:"slug"`
	Name      string       `json:"name"`
	HostID    string       `json:"host_id"`
	IsActive  bool         `json:"is_active"`
	Settings  RoomSettings `json:"settings"`
	CreatedAt time.Time    `json:"created_at"`
}

func (r *Room) IsHost(userID string) bool {
	return r.HostID == userID
}
