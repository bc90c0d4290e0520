package errors

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomInactive    = errors.New("room is not active")
	ErrGuestNotAllowed = errors.New("guests are not allowed in this room")
	ErrNotHost         = errors.New("only the host can perform this action")
	ErrSongNotFound    = errors.New("song not found")
	ErrInvalidSong     = errors.New("either a query or a media id and title are required")
	ErrNoSongPlaying   = errors.New("no song is currently playing")

	// ErrStateUnavailable signals that the shared state store is unreachable.
	// Callers must surface it; there is no local fallback state.
	ErrStateUnavailable = errors.New("room state unavailable")
)
