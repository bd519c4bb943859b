package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/entityres/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict indicates a compare-and-swap lost against a
	// concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateBinding indicates a source binding is already held by a
	// different entity.
	ErrDuplicateBinding = errors.New("duplicate source binding")
)

// Unavailable wraps a driver or I/O failure so callers can match it with
// types.ErrStorageUnavailable while keeping the cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, types.ErrStorageUnavailable, err)
}

// IsDomainError reports whether err is an expected outcome of a well-formed
// call rather than a sign of an unhealthy backend.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrDuplicateBinding)
}

// ListOptions filters ListEntities.
type ListOptions struct {
	// Type restricts results to one entity type when non-nil.
	Type *types.EntityType

	// IncludeArchived includes archived entities. By default only active
	// entities are returned.
	IncludeArchived bool

	// ConfidenceBelow keeps only entities with confidence strictly below
	// the value when non-nil. Results are then ordered by confidence
	// ascending, then ID.
	ConfidenceBelow *float64

	// NormalizedName keeps only entities whose normalized canonical name
	// equals the value when non-empty.
	NormalizedName string

	// Limit caps the result size; 0 means no limit.
	Limit int
}

// Normalize applies defaults.
func (o *ListOptions) Normalize() {
	if o.Limit < 0 {
		o.Limit = 0
	}
}

// Matches reports whether e passes the filters. Backends without a query
// language (memory, kv) use it directly.
func (o ListOptions) Matches(e *types.CanonicalEntity) bool {
	if !o.IncludeArchived && !e.IsActive() {
		return false
	}
	if o.Type != nil && e.Type != *o.Type {
		return false
	}
	if o.ConfidenceBelow != nil && !(e.Confidence < *o.ConfidenceBelow) {
		return false
	}
	if o.NormalizedName != "" && e.NormalizedName != o.NormalizedName {
		return false
	}
	return true
}

// Collect filters, orders and truncates entities the way ListEntities
// promises: by confidence ascending then ID when ConfidenceBelow is set,
// otherwise by ID.
func Collect(all []*types.CanonicalEntity, opts ListOptions) []*types.CanonicalEntity {
	opts.Normalize()
	out := make([]*types.CanonicalEntity, 0, len(all))
	for _, e := range all {
		if opts.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.ConfidenceBelow != nil && out[i].Confidence != out[j].Confidence {
			return out[i].Confidence < out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// SortableTimeLayout is a fixed-width UTC layout; strings in this layout
// sort chronologically.
const SortableTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SortableTime formats t in SortableTimeLayout.
func SortableTime(t time.Time) string {
	return t.UTC().Format(SortableTimeLayout)
}
