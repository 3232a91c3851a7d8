package models

import (
	"time"

	"github.com/google/uuid"
)

// Clip is one playable entry of a room: a music source reference and the
// answer the leader grades against.
type Clip struct {
	URL    string `json:"url"`
	Answer string `json:"answer"`
}

// Room is the persisted quiz definition managed through the admin API.
type Room struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Clips       []Clip    `json:"musicLinks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
