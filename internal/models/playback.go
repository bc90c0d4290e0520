package models

import "time"

type PlaybackStatus string

const (
	PlaybackStatusIdle    PlaybackStatus = "idle"
	PlaybackStatusPlaying PlaybackStatus = "playing"
	PlaybackStatusPaused  PlaybackStatus = "paused"
)

// PlaybackState is the authoritative per-room playback snapshot kept in the
// shared state store. UpdatedAt is a server timestamp in unix milliseconds;
// readers derive the live position from it rather than trusting their own
// clocks against each other.
type PlaybackState struct {
	Status        PlaybackStatus `json:"status"`
	CurrentSongID string         `json:"current_song_id"`
	CurrentSongDB int64          `json:"current_song_db_id"`
	PositionMS    int64          `json:"position_ms"`
	UpdatedAt     int64          `json:"updated_at"`
	Speed         float64        `json:"speed"`
	StreamURL     string         `json:"stream_url,omitempty"`
}

func IdlePlaybackState() PlaybackState {
	return PlaybackState{
		Status: PlaybackStatusIdle,
		Speed:  1.0,
	}
}

// EffectivePositionMS returns the drift-corrected position at time now:
// position_ms + (now - updated_at) while playing, the stored position
// otherwise.
func (s PlaybackState) EffectivePositionMS(now time.Time) int64 {
	if s.Status != PlaybackStatusPlaying {
		return s.PositionMS
	}
	elapsed := now.UnixMilli() - s.UpdatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	return s.PositionMS + elapsed
}
