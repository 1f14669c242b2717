// Package store persists class metadata. The signaling hub keeps the
// live roster in memory; this package only holds the durable class
// descriptions behind it.
package store

import (
	"context"
	"errors"

	"github.com/fitpulse/livemesh/internal/models"
)

// ErrClassNotFound indicates no metadata exists for the class ID.
var ErrClassNotFound = errors.New("class not found")

// ClassStore is the persistence boundary for class metadata.
type ClassStore interface {
	// Put stores or replaces the metadata for a class.
	Put(ctx context.Context, class models.ClassMetadata) error
	// Get returns the metadata for a class, or ErrClassNotFound.
	Get(ctx context.Context, classID string) (models.ClassMetadata, error)
	// SetStatus updates only the lifecycle status of a class.
	SetStatus(ctx context.Context, classID string, status models.ClassStatus) error
}
