// Package store persists canonical user records in the destination table.
package store

import (
	"errors"
	"time"

	"userpipe/internal/pipeline"
)

// ErrInvalidTable is returned when the configured table name is unusable.
var ErrInvalidTable = errors.New("destination table name is required")

// Row is a destination row as read back from the store.
type Row struct {
	pipeline.CanonicalRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}
