package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityType is the closed set of real-world entity kinds the resolver handles.
type EntityType string

// Entity type constants.
const (
	EntityTypeCompany  EntityType = "company"
	EntityTypePerson   EntityType = "person"
	EntityTypeProperty EntityType = "property"
	EntityTypeCustomer EntityType = "customer"
)

// ValidEntityTypes lists every supported entity type in a stable order.
var ValidEntityTypes = []EntityType{
	EntityTypeCompany,
	EntityTypePerson,
	EntityTypeProperty,
	EntityTypeCustomer,
}

// ParseEntityType converts a case-insensitive name into an EntityType.
// Unknown names fail with ErrInvalidEntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, s)
	}
	return t, nil
}

// Valid reports whether t is one of ValidEntityTypes.
func (t EntityType) Valid() bool {
	for _, v := range ValidEntityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// EntityStatus is the lifecycle flag of a canonical entity. Entities are never
// physically deleted; archiving keeps past resolution events resolvable.
type EntityStatus string

const (
	StatusActive   EntityStatus = "active"
	StatusArchived EntityStatus = "archived"
)

// AliasStat counts independent confirmations of one alias (keyed by its
// normalized form) and whether the repeat-confirmation bonus was paid out.
type AliasStat struct {
	Confirmations int  `json:"confirmations"`
	BonusApplied  bool `json:"bonus_applied"`
}

// CanonicalEntity is the single authoritative record for one real-world entity.
type CanonicalEntity struct {
	ID             string     `json:"id"`
	Type           EntityType `json:"entity_type"`
	CanonicalName  string     `json:"canonical_name"`
	NormalizedName string     `json:"normalized_name"`

	// SourceIDs maps a source-system name to that system's identifier.
	SourceIDs map[string]string `json:"source_ids,omitempty"`

	// Aliases holds raw name variants confirmed for this entity. It always
	// contains CanonicalName.
	Aliases    []string             `json:"aliases"`
	AliasStats map[string]AliasStat `json:"alias_stats,omitempty"`

	Confidence float64      `json:"confidence"`
	Metadata   Signals      `json:"metadata,omitempty"`
	Status     EntityStatus `json:"status"`

	// AppliedEvents lists the most recent resolution events whose feedback
	// has been applied, oldest first. It is written with the entity so the
	// version check covers it.
	AppliedEvents []string `json:"applied_events,omitempty"`

	// Version is the optimistic-concurrency counter; every successful
	// write increments it by one.
	Version int64 `json:"version"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// IsActive reports whether the entity participates in resolution.
func (e *CanonicalEntity) IsActive() bool {
	return e.Status == "" || e.Status == StatusActive
}

// Clone returns a deep copy so callers can mutate without sharing maps or
// slices with a store or cache.
func (e *CanonicalEntity) Clone() *CanonicalEntity {
	if e == nil {
		return nil
	}
	c := *e
	if e.SourceIDs != nil {
		c.SourceIDs = make(map[string]string, len(e.SourceIDs))
		for k, v := range e.SourceIDs {
			c.SourceIDs[k] = v
		}
	}
	if e.Aliases != nil {
		c.Aliases = append([]string(nil), e.Aliases...)
	}
	if e.AliasStats != nil {
		c.AliasStats = make(map[string]AliasStat, len(e.AliasStats))
		for k, v := range e.AliasStats {
			c.AliasStats[k] = v
		}
	}
	if e.AppliedEvents != nil {
		c.AppliedEvents = append([]string(nil), e.AppliedEvents...)
	}
	c.Metadata = e.Metadata.Clone()
	return &c
}

// HasAppliedEvent reports whether feedback for eventID was already applied.
func (e *CanonicalEntity) HasAppliedEvent(eventID string) bool {
	for _, id := range e.AppliedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkEventApplied records eventID, keeping at most limit entries. The
// oldest entries are dropped first.
func (e *CanonicalEntity) MarkEventApplied(eventID string, limit int) {
	if eventID == "" || e.HasAppliedEvent(eventID) {
		return
	}
	e.AppliedEvents = append(e.AppliedEvents, eventID)
	if limit > 0 && len(e.AppliedEvents) > limit {
		e.AppliedEvents = append([]string(nil), e.AppliedEvents[len(e.AppliedEvents)-limit:]...)
	}
}

// HasAlias reports whether raw is already an alias, comparing exactly.
func (e *CanonicalEntity) HasAlias(raw string) bool {
	for _, a := range e.Aliases {
		if a == raw {
			return true
		}
	}
	return false
}

// SourceBinding is one (source system, source id) pair.
type SourceBinding struct {
	System   string `json:"system"`
	SourceID string `json:"source_id"`
}

// Key returns the binding's uniqueness key.
func (b SourceBinding) Key() string {
	return b.System + "\x00" + b.SourceID
}

// Validate checks that both halves of the binding are present.
func (b SourceBinding) Validate() error {
	if strings.TrimSpace(b.System) == "" || strings.TrimSpace(b.SourceID) == "" {
		return fmt.Errorf("%w: source binding requires system and source_id", ErrInvalidInput)
	}
	return nil
}

// Bindings returns the entity's source bindings sorted by system name.
func (e *CanonicalEntity) Bindings() []SourceBinding {
	out := make([]SourceBinding, 0, len(e.SourceIDs))
	for sys, id := range e.SourceIDs {
		out = append(out, SourceBinding{System: sys, SourceID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].System < out[j].System })
	return out
}
