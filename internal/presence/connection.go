package presence

import (
	"context"
	"fmt"
	"math/rand"
)

// Connection is the membership record of one open client session.
type Connection struct {
	ID          string
	Floor       string
	DisplayName string
	Color       string
}

// ConnectionStore owns Connection rows. Implementations must make UpdateFloor
// atomic for a single id; nothing else is required to be transactional.
type ConnectionStore interface {
	// Put inserts or fully overwrites the row keyed by c.ID.
	Put(ctx context.Context, c Connection) error
	// Get returns ErrNotFound when the id is unknown.
	Get(ctx context.Context, id string) (Connection, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id string) error
	// UpdateFloor sets the floor of id and returns the floor it replaced.
	UpdateFloor(ctx context.Context, id, newFloor string) (string, error)
	// ScanByFloor returns every row whose floor equals floor, in no
	// particular order. It is a full scan of the store.
	ScanByFloor(ctx context.Context, floor string) ([]Connection, error)
}

// RandomColor returns a display color in #RRGGBB form. Two connections may
// receive the same color.
func RandomColor() string {
	return fmt.Sprintf("#%06X", rand.Intn(1<<24))
}
