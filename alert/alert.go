package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind of alert raised by a viewer
type Kind string

// Kind instances
const (
	KindStuck   Kind = "stuck"
	KindTimeout Kind = "timeout"
)

// Alert is a user-facing playback problem of one viewer
type Alert struct {
	ID       uuid.UUID `json:"id"`
	Kind     Kind      `json:"kind"`
	ViewerID string    `json:"viewerID"`
	At       time.Time `json:"at"`
}

// New creates an alert with a fresh id
func New(kind Kind, viewerID string, at time.Time) Alert {
	return Alert{
		ID:       uuid.New(),
		Kind:     kind,
		ViewerID: viewerID,
		At:       at.UTC(),
	}
}

// Publisher delivers alerts to whoever watches the fleet
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
	Close() error
}
