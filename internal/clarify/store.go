package clarify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/entityres/pkg/types"
)

// Store persists sessions. Implementations make Create and Update atomic per
// session; Update callbacks may run more than once.
type Store interface {
	// Create stores s unless an open, unexpired session already exists for
	// key at now. In that case the existing session is returned and created
	// is false.
	Create(ctx context.Context, key string, s *types.ClarificationSession, now time.Time) (session *types.ClarificationSession, created bool, err error)

	// Get fails with types.ErrSessionNotFound for unknown or purged IDs.
	Get(ctx context.Context, id string) (*types.ClarificationSession, error)

	// Update applies fn to the current session and persists the result
	// unless fn returns an error, which is passed through.
	Update(ctx context.Context, id string, fn func(s *types.ClarificationSession) error) (*types.ClarificationSession, error)

	// Due lists IDs of open sessions whose deadline is at or before now.
	Due(ctx context.Context, now time.Time) ([]string, error)

	// Purge drops terminal sessions closed before the cutoff and reports
	// how many went. Stores with native expiry may return zero.
	Purge(ctx context.Context, closedBefore time.Time) (int, error)
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*types.ClarificationSession
	open     map[string]string // session key -> open session ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.ClarificationSession),
		open:     make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, key string, s *types.ClarificationSession, now time.Time) (*types.ClarificationSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.open[key]; ok {
		if cur, ok := m.sessions[id]; ok && cur.State == types.SessionOpen && !cur.ExpiredAt(now) {
			return cloneSession(cur), false, nil
		}
	}
	if _, ok := m.sessions[s.ID]; ok {
		return nil, false, fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	m.open[key] = s.ID
	return cloneSession(s), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.ClarificationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(s *types.ClarificationSession) error) (*types.ClarificationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	next := cloneSession(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.sessions[id] = next
	if next.State.Terminal() {
		k := sessionKey(next.NormalizedQuery, next.CallerContext)
		if m.open[k] == id {
			delete(m.open, k)
		}
	}
	return cloneSession(next), nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.ExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Purge(_ context.Context, closedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.State.Terminal() && s.ClosedAt != nil && s.ClosedAt.Before(closedBefore) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func cloneSession(s *types.ClarificationSession) *types.ClarificationSession {
	cp := *s
	cp.CandidateEntityIDs = append([]string(nil), s.CandidateEntityIDs...)
	cp.Candidates = append([]types.ScoredCandidate(nil), s.Candidates...)
	cp.Signals = s.Signals.Clone()
	if s.EntityTypeHint != nil {
		t := *s.EntityTypeHint
		cp.EntityTypeHint = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// sessionKey identifies the conversation a session belongs to.
func sessionKey(normalized, callerContext string) string {
	return callerContext + "\x00" + normalized
}
