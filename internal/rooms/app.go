package rooms

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"blindtest/internal/models"
)

// RoomRepository defines what the app layer needs from the repository.
type RoomRepository interface {
	CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListRooms(ctx context.Context) ([]*models.Room, error)
	UpdateRoom(ctx context.Context, id uuid.UUID, req UpdateRoomRequest) (*models.Room, error)
	DeleteRoom(ctx context.Context, id uuid.UUID) error
}

// App handles room business logic: validation on top of storage.
type App struct {
	repo RoomRepository
}

// NewApp creates a new rooms App.
func NewApp(repo RoomRepository) *App {
	return &App{
		repo: repo,
	}
}

// CreateRoom creates a room after validating it.
func (a *App) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("validation failed: name is required")
	}
	if err := validateClips(req.Clips); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	room, err := a.repo.CreateRoom(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("room_id", room.ID.String()).
		Str("name", room.Name).
		Int("clips", len(room.Clips)).
		Msg("room created")
	return room, nil
}

// GetRoom retrieves a room by ID.
func (a *App) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	return a.repo.GetRoom(ctx, id)
}

// FetchRoom is the read dependency the session engine uses at join and
// start time. Same as GetRoom; named for the engine-facing interface.
func (a *App) FetchRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	return a.repo.GetRoom(ctx, id)
}

// ListRooms returns all rooms.
func (a *App) ListRooms(ctx context.Context) ([]*models.Room, error) {
	return a.repo.ListRooms(ctx)
}

// UpdateRoom applies a partial update after validating it.
func (a *App) UpdateRoom(ctx context.Context, id uuid.UUID, req UpdateRoomRequest) (*models.Room, error) {
	if req.Name != nil && *req.Name == "" {
		return nil, fmt.Errorf("validation failed: name cannot be empty")
	}
	if req.Clips != nil {
		if err := validateClips(*req.Clips); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
	}

	room, err := a.repo.UpdateRoom(ctx, id, req)
	if err != nil {
		return nil, err
	}

	log.Info().Str("room_id", room.ID.String()).Msg("room updated")
	return room, nil
}

// DeleteRoom deletes a room by ID.
func (a *App) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	if err := a.repo.DeleteRoom(ctx, id); err != nil {
		return err
	}
	log.Info().Str("room_id", id.String()).Msg("room deleted")
	return nil
}

func validateClips(clips []models.Clip) error {
	for i, c := range clips {
		if c.URL == "" {
			return fmt.Errorf("clip %d: url is required", i)
		}
		if c.Answer == "" {
			return fmt.Errorf("clip %d: answer is required", i)
		}
	}
	return nil
}
