package types

import "time"

// ResolutionMethod records how (or whether) a resolution event selected an entity.
type ResolutionMethod string

const (
	MethodAutoResolved       ResolutionMethod = "auto_resolved"
	MethodResolvedWithNotice ResolutionMethod = "resolved_with_notice"
	MethodUserClarified      ResolutionMethod = "user_clarified"
	MethodUserRegisteredNew  ResolutionMethod = "user_registered_new"

	// Non-resolving methods; SelectedEntityID is always empty for these.
	MethodClarificationRequested ResolutionMethod = "clarification_requested"
	MethodNoMatch                ResolutionMethod = "no_match"
)

// Resolved reports whether events with this method carry a selected entity.
func (m ResolutionMethod) Resolved() bool {
	switch m {
	case MethodAutoResolved, MethodResolvedWithNotice, MethodUserClarified, MethodUserRegisteredNew:
		return true
	}
	return false
}

// ScoredCandidate is one entity considered during a resolution, with its score.
type ScoredCandidate struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// ResolutionEvent is the append-only audit record of one resolution attempt.
type ResolutionEvent struct {
	ID              string            `json:"id"`
	QueryText       string            `json:"query_text"`
	NormalizedQuery string            `json:"normalized_query"`
	EntityTypeHint  *EntityType       `json:"entity_type_hint,omitempty"`
	CallerContext   string            `json:"caller_context,omitempty"`
	Candidates      []ScoredCandidate `json:"candidates"`

	// SelectedEntityID is empty when no resolution occurred.
	SelectedEntityID string           `json:"selected_entity_id,omitempty"`
	Method           ResolutionMethod `json:"resolution_method"`
	SessionID        string           `json:"session_id,omitempty"`
	UserConfirmed    bool             `json:"user_confirmed"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ConfidenceChange is the audit record written for every confidence mutation.
type ConfidenceChange struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	EventID   string    `json:"event_id,omitempty"`
	Reason    string    `json:"reason"`
	Delta     float64   `json:"delta"`
	Before    float64   `json:"before"`
	After     float64   `json:"after"`
	CreatedAt time.Time `json:"created_at"`
}
