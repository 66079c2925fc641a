// Package quarantine archives transfer parts that the perimeter filters
// blocked. Quarantined material is kept out of drive storage entirely so a
// later review (or deletion sweep) can inspect what was refused without any
// chance of it becoming visible through the query surface.
package quarantine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Entry describes one archived part.
type Entry struct {
	// StateItemID is the transfer whose part was quarantined
	StateItemID uuid.UUID `json:"stateItemId"`

	// PartName is the multipart section name the part arrived under
	PartName string `json:"partName"`

	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Archive stores quarantined parts keyed by transfer and part name.
//
// Implementations must tolerate Put being called more than once for the
// same key (last write wins) since a retried transfer reuses its state
// item id.
type Archive interface {
	// Put archives one part, consuming the reader
	Put(ctx context.Context, stateItemID uuid.UUID, partName string, r io.Reader) error

	// Open returns the archived bytes of one part
	Open(ctx context.Context, stateItemID uuid.UUID, partName string) (io.ReadCloser, error)

	// List enumerates the archived parts of one transfer
	List(ctx context.Context, stateItemID uuid.UUID) ([]Entry, error)
}
