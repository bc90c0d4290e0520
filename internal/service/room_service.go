package service

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	apperrors "github.com/jamhub/listenroom/internal/errors"
	"github.com/jamhub/listenroom/internal/kafka"
	"github.com/jamhub/listenroom/internal/models"
	sqliterepo "github.com/jamhub/listenroom/internal/repository/sqlite"
	"github.com/jamhub/listenroom/internal/room"
	"github.com/jamhub/listenroom/pkg/logger"
)

const slugAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RoomState is the join/get response: persisted room metadata plus the live
// playback snapshot and occupancy.
type RoomState struct {
	Room             *models.Room         `json:"meta"`
	Playback         models.PlaybackState `json:"playback"`
	ParticipantCount int64                `json:"participant_count"`
}

type RoomService interface {
	CreateRoom(ctx context.Context, name, hostID string, settings models.RoomSettings) (*models.Room, error)
	JoinRoom(ctx context.Context, slug, userID string, guest bool) (*RoomState, error)
	LeaveRoom(ctx context.Context, slug, userID string) error
	GetRoom(ctx context.Context, slug string) (*RoomState, error)
	CloseRoom(ctx context.Context, slug, userID string) error
	ParticipantCount(ctx context.Context, slug string) (int64, error)
}

type roomService struct {
	roomRepo   sqliterepo.RoomRepository
	rooms      *room.Manager
	prod       kafka.Producer
	slugLength int
	l          logger.Logger
}

func NewRoomService(
	roomRepo sqliterepo.RoomRepository,
	rooms *room.Manager,
	prod kafka.Producer,
	slugLength int,
	l logger.Logger,
) RoomService {
	return &roomService{
		roomRepo:   roomRepo,
		rooms:      rooms,
		prod:       prod,
		slugLength: slugLength,
		l:          l,
	}
}

func (s *roomService) CreateRoom(ctx context.Context, name, hostID string, settings models.RoomSettings) (*models.Room, error) {
	if settings.VoteSkipThreshold <= 0 {
		settings.VoteSkipThreshold = models.DefaultRoomSettings().VoteSkipThreshold
	}
	if settings.RepeatMode == "" {
		settings.RepeatMode = models.RepeatModeOff
	}

	// Retry on the unlikely slug collision.
	var roomRec *models.Room
	for attempt := 0; attempt < 5; attempt++ {
		slug, err := generateSlug(s.slugLength)
		if err != nil {
			return nil, err
		}

		if _, err := s.roomRepo.Get(ctx, slug); err == nil {
			continue
		} else if !errors.Is(err, apperrors.ErrRoomNotFound) {
			return nil, err
		}

		roomRec = &models.Room{
			Slug:      slug,
			Name:      name,
			HostID:    hostID,
			IsActive:  true,
			Settings:  settings,
			CreatedAt: time.Now(),
		}
		if err := s.roomRepo.Create(ctx, roomRec); err != nil {
			return nil, err
		}
		break
	}
	if roomRec == nil {
		return nil, errors.New("failed to allocate a room slug")
	}

	if err := s.rooms.InitializeRoom(ctx, roomRec.Slug, hostID, roomRec.Settings); err != nil {
		return nil, err
	}

	if err := s.rooms.AddParticipant(ctx, roomRec.Slug, hostID); err != nil {
		return nil, err
	}

	if s.prod != nil {
		if err := s.prod.PublishRoomCreated(ctx, kafka.RoomCreatedEvent{
			RoomSlug: roomRec.Slug,
			HostID:   hostID,
			Name:     name,
		}); err != nil {
			s.l.Warnf(ctx, "Failed to publish room created event: %v", err)
		}
	}

	s.l.Infof(ctx, "Room created: slug=%s host=%s", roomRec.Slug, hostID)

	return roomRec, nil
}

func (s *roomService) JoinRoom(ctx context.Context, slug, userID string, guest bool) (*RoomState, error) {
	roomRec, err := s.roomRepo.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	if !roomRec.IsActive {
		return nil, apperrors.ErrRoomInactive
	}

	if guest && !roomRec.Settings.AllowGuests {
		return nil, apperrors.ErrGuestNotAllowed
	}

	if err := s.rooms.AddParticipant(ctx, slug, userID); err != nil {
		return nil, err
	}

	return s.snapshot(ctx, roomRec)
}

func (s *roomService) LeaveRoom(ctx context.Context, slug, userID string) error {
	return s.rooms.RemoveParticipant(ctx, slug, userID)
}

func (s *roomService) GetRoom(ctx context.Context, slug string) (*RoomState, error) {
	roomRec, err := s.roomRepo.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	return s.snapshot(ctx, roomRec)
}

func (s *roomService) CloseRoom(ctx context.Context, slug, userID string) error {
	roomRec, err := s.roomRepo.Get(ctx, slug)
	if err != nil {
		return err
	}

	if !roomRec.IsHost(userID) {
		return apperrors.ErrNotHost
	}

	return s.roomRepo.SetActive(ctx, slug, false)
}

func (s *roomService) ParticipantCount(ctx context.Context, slug string) (int64, error) {
	return s.rooms.ParticipantCount(ctx, slug)
}

func (s *roomService) snapshot(ctx context.Context, roomRec *models.Room) (*RoomState, error) {
	state, err := s.rooms.GetState(ctx, roomRec.Slug)
	if err != nil {
		return nil, err
	}

	count, err := s.rooms.ParticipantCount(ctx, roomRec.Slug)
	if err != nil {
		return nil, err
	}

	return &RoomState{
		Room:             roomRec,
		Playback:         state,
		ParticipantCount: count,
	}, nil
}

func generateSlug(length int) (string, error) {
	slug := make([]byte, length)
	for i := range slug {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(slugAlphabet))))
		if err != nil {
			return "", err
		}
		slug[i] = slugAlphabet[n.Int64()]
	}

	return string(slug), nil
}
