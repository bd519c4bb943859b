package types

import "time"

// SessionState is the clarification state machine: open -> resolved |
// abandoned | expired. All but open are terminal.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionResolved  SessionState = "resolved"
	SessionAbandoned SessionState = "abandoned"
	SessionExpired   SessionState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s != SessionOpen
}

// ClarificationSession tracks an ambiguous resolution awaiting a human choice.
type ClarificationSession struct {
	ID                 string            `json:"id"`
	QueryText          string            `json:"query_text"`
	NormalizedQuery    string            `json:"normalized_query"`
	CallerContext      string            `json:"caller_context,omitempty"`
	EntityTypeHint     *EntityType       `json:"entity_type_hint,omitempty"`
	CandidateEntityIDs []string          `json:"candidate_entity_ids"`
	Candidates         []ScoredCandidate `json:"candidates"`
	Signals            Signals           `json:"signals,omitempty"`
	State              SessionState      `json:"state"`
	SelectedEntityID   string            `json:"selected_entity_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	ClosedAt           *time.Time        `json:"closed_at,omitempty"`
}

// HasCandidate reports whether id was offered in this session.
func (s *ClarificationSession) HasCandidate(id string) bool {
	for _, c := range s.CandidateEntityIDs {
		if c == id {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether an open session has passed its deadline at now.
func (s *ClarificationSession) ExpiredAt(now time.Time) bool {
	return s.State == SessionOpen && !now.Before(s.ExpiresAt)
}
