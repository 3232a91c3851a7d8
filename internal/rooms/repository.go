package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blindtest/internal/models"
)

// ErrNotFound is returned when no room exists for the given ID.
var ErrNotFound = errors.New("room not found")

// Repository implements room data access against Postgres. Clips are stored
// as a JSONB column; their order is significant and preserved.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new rooms repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

type CreateRoomRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Clips       []models.Clip `json:"musicLinks"`
}

// UpdateRoomRequest carries partial updates; nil fields are left unchanged.
type UpdateRoomRequest struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Clips       *[]models.Clip `json:"musicLinks"`
}

const roomColumns = "id, name, description, clips, created_at, updated_at"

// CreateRoom inserts a new room.
func (r *Repository) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	clips, err := marshalClips(req.Clips)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, name, description, clips)
		VALUES ($1, $2, $3, $4)
		RETURNING `+roomColumns,
		uuid.New(), req.Name, req.Description, clips,
	)

	room, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return room, nil
}

// GetRoom retrieves a room by ID.
func (r *Repository) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE id = $1`,
		id,
	)

	room, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// ListRooms returns all rooms, newest first.
func (r *Repository) ListRooms(ctx context.Context) ([]*models.Room, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return out, nil
}

// UpdateRoom applies a partial update and returns the new state.
func (r *Repository) UpdateRoom(ctx context.Context, id uuid.UUID, req UpdateRoomRequest) (*models.Room, error) {
	var clips []byte
	if req.Clips != nil {
		var err error
		clips, err = marshalClips(*req.Clips)
		if err != nil {
			return nil, err
		}
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE rooms
		SET name        = COALESCE($2, name),
		    description = COALESCE($3, description),
		    clips       = COALESCE($4, clips),
		    updated_at  = now()
		WHERE id = $1
		RETURNING `+roomColumns,
		id, req.Name, req.Description, clips,
	)

	room, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	return room, nil
}

// DeleteRoom deletes a room by ID.
func (r *Repository) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalClips(clips []models.Clip) ([]byte, error) {
	if clips == nil {
		clips = []models.Clip{}
	}
	data, err := json.Marshal(clips)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal clips: %w", err)
	}
	return data, nil
}

func scanRoom(row pgx.Row) (*models.Room, error) {
	var (
		room  models.Room
		clips []byte
	)
	if err := row.Scan(&room.ID, &room.Name, &room.Description, &clips, &room.CreatedAt, &room.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(clips, &room.Clips); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clips: %w", err)
	}
	return &room, nil
}
