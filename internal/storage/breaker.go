package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/scrypster/entityres/pkg/types"
)

// BreakerConfig configures the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive infrastructure failures that
	// trip the circuit. Default: 5
	MaxFailures uint32

	// Timeout is how long the circuit stays open before probing again.
	// Default: 15 seconds
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of probes allowed while half-open.
	// Default: 1
	HalfOpenMaxRequests uint32
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:         5,
		Timeout:             15 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// BreakerStore guards a Store with a circuit breaker. Domain outcomes such as
// ErrNotFound or ErrVersionConflict count as successes; only infrastructure
// errors move the breaker toward open. While open, calls fail fast with
// types.ErrStorageUnavailable.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

// NewBreakerStore wraps inner. Zero config fields take their defaults.
func NewBreakerStore(inner Store, cfg BreakerConfig, log logrus.FieldLogger) *BreakerStore {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	settings := gobreaker.Settings{
		Name:        "storage",
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsDomainError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("storage circuit breaker state changed")
			}
		},
	}
	return &BreakerStore{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state, for health endpoints.
func (b *BreakerStore) State() string {
	return b.breaker.State().String()
}

func (b *BreakerStore) run(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", types.ErrStorageUnavailable, err)
	}
	return err
}

func (b *BreakerStore) CreateEntity(ctx context.Context, e *types.CanonicalEntity) error {
	return b.run(func() error { return b.inner.CreateEntity(ctx, e) })
}

func (b *BreakerStore) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	var out *types.CanonicalEntity
	err := b.run(func() error {
		var err error
		out, err = b.inner.GetEntity(ctx, id)
		return err
	})
	return out, err
}

func (b *BreakerStore) UpdateEntity(ctx context.Context, e *types.CanonicalEntity, expectedVersion int64) error {
	return b.run(func() error { return b.inner.UpdateEntity(ctx, e, expectedVersion) })
}

func (b *BreakerStore) FindBySource(ctx context.Context, binding types.SourceBinding) (*types.CanonicalEntity, error) {
	var out *types.CanonicalEntity
	err := b.run(func() error {
		var err error
		out, err = b.inner.FindBySource(ctx, binding)
		return err
	})
	return out, err
}

func (b *BreakerStore) ListEntities(ctx context.Context, opts ListOptions) ([]*types.CanonicalEntity, error) {
	var out []*types.CanonicalEntity
	err := b.run(func() error {
		var err error
		out, err = b.inner.ListEntities(ctx, opts)
		return err
	})
	return out, err
}

func (b *BreakerStore) AppendEvent(ctx context.Context, ev *types.ResolutionEvent) error {
	return b.run(func() error { return b.inner.AppendEvent(ctx, ev) })
}

func (b *BreakerStore) GetEvent(ctx context.Context, id string) (*types.ResolutionEvent, error) {
	var out *types.ResolutionEvent
	err := b.run(func() error {
		var err error
		out, err = b.inner.GetEvent(ctx, id)
		return err
	})
	return out, err
}

func (b *BreakerStore) ListEventsByEntity(ctx context.Context, entityID string, limit int) ([]*types.ResolutionEvent, error) {
	var out []*types.ResolutionEvent
	err := b.run(func() error {
		var err error
		out, err = b.inner.ListEventsByEntity(ctx, entityID, limit)
		return err
	})
	return out, err
}

func (b *BreakerStore) AppendConfidenceChange(ctx context.Context, c *types.ConfidenceChange) error {
	return b.run(func() error { return b.inner.AppendConfidenceChange(ctx, c) })
}

func (b *BreakerStore) ListConfidenceChanges(ctx context.Context, entityID string) ([]*types.ConfidenceChange, error) {
	var out []*types.ConfidenceChange
	err := b.run(func() error {
		var err error
		out, err = b.inner.ListConfidenceChanges(ctx, entityID)
		return err
	})
	return out, err
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
