package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jamhub/listenroom/internal/engine"
	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/fanout"
	"github.com/jamhub/listenroom/internal/models"
	"github.com/jamhub/listenroom/internal/service"
	"github.com/jamhub/listenroom/pkg/logger"
	"github.com/jamhub/listenroom/pkg/token"
)

type Handler struct {
	roomSvc   service.RoomService
	engine    *engine.Engine
	fanout    *fanout.Manager
	tokens    *token.Manager
	logger    logger.Logger
	validator *validator.Validate
}

func NewHandler(
	roomSvc service.RoomService,
	eng *engine.Engine,
	fan *fanout.Manager,
	tokens *token.Manager,
	l logger.Logger,
) *Handler {
	return &Handler{
		roomSvc:   roomSvc,
		engine:    eng,
		fanout:    fan,
		tokens:    tokens,
		logger:    l,
		validator: validator.New(),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(WithIdentity(h.tokens))

	r.Get("/healthz", h.HealthCheck)
	r.Get("/stats", h.Stats)
	r.Post("/auth/guest", h.GuestToken)

	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", h.CreateRoom)
		r.Route("/{slug}", func(r chi.Router) {
			r.Get("/", h.GetRoom)
			r.Post("/join", h.JoinRoom)
			r.Post("/leave", h.LeaveRoom)
			r.Post("/close", h.CloseRoom)

			r.Post("/queue", h.AddToQueue)
			r.Get("/queue", h.GetQueue)
			r.Post("/queue/skip", h.HostSkip)
			r.Post("/queue/vote-skip", h.VoteSkip)
			r.Post("/queue/song-ended", h.SongEnded)

			r.Post("/playback/pause", h.Pause)
			r.Post("/playback/resume", h.Resume)
			r.Post("/playback/seek", h.Seek)
		})
	})

	r.Get("/search", h.Search)
	r.Get("/search/stream/{mediaID}", h.StreamURL)

	r.Get("/ws/{slug}", h.ServeWS)

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "listenroom",
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.fanout.Stats())
}

type guestTokenRequest struct {
	Username string `json:"username" validate:"required,min=1,max=32"`
}

// GuestToken issues a signed identity token for a display name. Full
// account management lives outside this service.
func (h *Handler) GuestToken(w http.ResponseWriter, r *http.Request) {
	var req guestTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID := "user-" + req.Username
	signed, err := h.tokens.Generate(userID, req.Username)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"token":   signed,
		"user_id": userID,
	})
}

type createRoomRequest struct {
	Name     string               `json:"name" validate:"required,min=1,max=64"`
	Settings *models.RoomSettings `json:"settings"`
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	settings := models.DefaultRoomSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	identity := IdentityFrom(r.Context())
	room, err := h.roomSvc.CreateRoom(r.Context(), req.Name, identity.UserID, settings)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, room)
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	state, err := h.roomSvc.GetRoom(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	state, err := h.roomSvc.JoinRoom(r.Context(), chi.URLParam(r, "slug"), identity.UserID, identity.Guest)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	if err := h.roomSvc.LeaveRoom(r.Context(), chi.URLParam(r, "slug"), identity.UserID); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (h *Handler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	if err := h.roomSvc.CloseRoom(r.Context(), chi.URLParam(r, "slug"), identity.UserID); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type addSongRequest struct {
	Query      string `json:"query"`
	MediaID    string `json:"media_id"`
	Title      string `json:"title"`
	DurationMS int64  `json:"duration_ms"`
}

func (h *Handler) AddToQueue(w http.ResponseWriter, r *http.Request) {
	var req addSongRequest
	if !h.decode(w, r, &req) {
		return
	}

	identity := IdentityFrom(r.Context())
	song, err := h.engine.AddSong(r.Context(), chi.URLParam(r, "slug"), identity.UserID, engine.AddSongInput{
		Query:      req.Query,
		MediaID:    req.MediaID,
		Title:      req.Title,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, song)
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.engine.QueueSnapshot(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) HostSkip(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	state, err := h.engine.HostSkip(r.Context(), chi.URLParam(r, "slug"), identity.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"status": "skipped", "playback": state})
}

func (h *Handler) VoteSkip(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())
	result, err := h.engine.VoteSkip(r.Context(), chi.URLParam(r, "slug"), identity.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handler) SongEnded(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.SongEnded(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"status": "transitioned", "playback": state})
}

type playbackRequest struct {
	PositionMS int64 `json:"position_ms" validate:"gte=0"`
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.playbackOp(w, r, h.engine.Pause)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.playbackOp(w, r, h.engine.Resume)
}

func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	h.playbackOp(w, r, h.engine.SeekTo)
}

func (h *Handler) playbackOp(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, slug, userID string, positionMS int64) (models.PlaybackState, error),
) {
	var req playbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	identity := IdentityFrom(r.Context())
	state, err := op(r.Context(), chi.URLParam(r, "slug"), identity.UserID, req.PositionMS)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "query parameter q is required"})
		return
	}

	identity := IdentityFrom(r.Context())
	results, err := h.engine.Search(r.Context(), identity.UserID, query)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, results)
}

// StreamURL serves late joiners and clients whose cached stream expired.
func (h *Handler) StreamURL(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")

	refresh := r.URL.Query().Get("refresh") == "true"

	var url string
	var err error
	if refresh {
		url, err = h.engine.RefreshStream(r.Context(), mediaID)
	} else {
		url, err = h.engine.ResolveStreamURL(r.Context(), mediaID)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"media_id":   mediaID,
		"stream_url": url,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("validation failed: %v", err)})
		return false
	}

	return true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Errorf(context.Background(), "Handler.respondJSON: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	var rateErr *apperrors.RateLimitError

	switch {
	case errors.Is(err, apperrors.ErrRoomNotFound), errors.Is(err, apperrors.ErrSongNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, apperrors.ErrNotHost), errors.Is(err, apperrors.ErrGuestNotAllowed):
		status = http.StatusForbidden
		message = err.Error()
	case errors.Is(err, apperrors.ErrRoomInactive):
		status = http.StatusGone
		message = err.Error()
	case errors.Is(err, apperrors.ErrNoSongPlaying), errors.Is(err, apperrors.ErrInvalidSong):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.As(err, &rateErr):
		status = http.StatusTooManyRequests
		message = rateErr.Error()
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
	case errors.Is(err, apperrors.ErrResolution), errors.Is(err, apperrors.ErrLockTimeout):
		status = http.StatusBadGateway
		message = err.Error()
	case errors.Is(err, apperrors.ErrStateUnavailable):
		status = http.StatusServiceUnavailable
		message = "room state temporarily unavailable"
	default:
		h.logger.Errorf(r.Context(), "Handler.respondError: %v", err)
	}

	h.respondJSON(w, status, map[string]string{"error": message})
}
