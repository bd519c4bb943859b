// Package index provides the blocking index used to narrow a query to a
// small candidate set before exact scoring.
//
// Every active entity is posted under each token of its normalized canonical
// name and aliases, and under the first PrefixLen runes of each of those
// tokens. A query retrieves the union of postings for its own tokens and
// prefixes. An entity that shares no token or prefix with the query is never
// retrieved even if a holistic fuzzy score would be high; that recall loss
// is accepted in exchange for bounded candidate sets.
package index

import (
	"sort"
	"sync"

	"github.com/scrypster/entityres/internal/normalize"
	"github.com/scrypster/entityres/pkg/types"
)

const (
	// DefaultPrefixLen is the rune length of prefix keys.
	DefaultPrefixLen = 3

	// DefaultMaxCandidates bounds a single lookup.
	DefaultMaxCandidates = 200
)

// Config tunes an Index.
type Config struct {
	PrefixLen     int
	MaxCandidates int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{PrefixLen: DefaultPrefixLen, MaxCandidates: DefaultMaxCandidates}
}

type entry struct {
	typ  types.EntityType
	keys []string
}

// Index is safe for concurrent use. It is derived state: Rebuild from the
// registry reconstructs it completely.
type Index struct {
	cfg        Config
	normalizer *normalize.Normalizer

	mu       sync.RWMutex
	postings map[string]map[string]struct{}
	entries  map[string]entry
}

// New returns an empty Index. A nil normalizer selects the default one.
func New(cfg Config, n *normalize.Normalizer) *Index {
	if cfg.PrefixLen <= 0 {
		cfg.PrefixLen = DefaultPrefixLen
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	if n == nil {
		n = normalize.New()
	}
	return &Index{
		cfg:        cfg,
		normalizer: n,
		postings:   make(map[string]map[string]struct{}),
		entries:    make(map[string]entry),
	}
}

// Len returns the number of indexed entities.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Upsert (re)indexes an entity. Archived entities are removed instead.
func (ix *Index) Upsert(e *types.CanonicalEntity) {
	if e == nil || e.ID == "" {
		return
	}
	if !e.IsActive() {
		ix.Remove(e.ID)
		return
	}
	keys := ix.entityKeys(e)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(e.ID)
	ix.addLocked(e.ID, entry{typ: e.Type, keys: keys})
}

// Remove drops an entity from the index. Unknown IDs are ignored.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

// Rebuild replaces the whole index with the given entities.
func (ix *Index) Rebuild(entities []*types.CanonicalEntity) {
	postings := make(map[string]map[string]struct{})
	entries := make(map[string]entry, len(entities))
	for _, e := range entities {
		if e == nil || !e.IsActive() {
			continue
		}
		en := entry{typ: e.Type, keys: ix.entityKeys(e)}
		entries[e.ID] = en
		for _, k := range en.keys {
			set, ok := postings[k]
			if !ok {
				set = make(map[string]struct{})
				postings[k] = set
			}
			set[e.ID] = struct{}{}
		}
	}

	ix.mu.Lock()
	ix.postings = postings
	ix.entries = entries
	ix.mu.Unlock()
}

// Candidates returns IDs of entities sharing a token or prefix with the
// normalized query, restricted to typ when non-nil. Entities matching more
// keys come first; ties are ordered by ID. The returned slice is owned by
// the caller and may be iterated any number of times.
func (ix *Index) Candidates(query string, typ *types.EntityType) []string {
	keys := ix.keysFor(query)
	if len(keys) == 0 {
		return nil
	}

	hits := make(map[string]int)
	ix.mu.RLock()
	for _, k := range keys {
		for id := range ix.postings[k] {
			if typ != nil && ix.entries[id].typ != *typ {
				continue
			}
			hits[id]++
		}
	}
	ix.mu.RUnlock()

	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if hits[ids[i]] != hits[ids[j]] {
			return hits[ids[i]] > hits[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > ix.cfg.MaxCandidates {
		ids = ids[:ix.cfg.MaxCandidates]
	}
	return ids
}

func (ix *Index) addLocked(id string, en entry) {
	ix.entries[id] = en
	for _, k := range en.keys {
		set, ok := ix.postings[k]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[k] = set
		}
		set[id] = struct{}{}
	}
}

func (ix *Index) removeLocked(id string) {
	en, ok := ix.entries[id]
	if !ok {
		return
	}
	for _, k := range en.keys {
		if set, ok := ix.postings[k]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, k)
			}
		}
	}
	delete(ix.entries, id)
}

// entityKeys collects the distinct keys for an entity's names.
func (ix *Index) entityKeys(e *types.CanonicalEntity) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(normalized string) {
		for _, k := range ix.keysFor(normalized) {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	name := e.NormalizedName
	if name == "" {
		name = ix.normalizer.Normalize(e.CanonicalName)
	}
	add(name)
	for _, a := range e.Aliases {
		add(ix.normalizer.Normalize(a))
	}
	return keys
}

// keysFor derives token and prefix keys from a normalized string. The two
// key spaces are tagged so a three-letter token never collides with a prefix.
func (ix *Index) keysFor(normalized string) []string {
	tokens := normalize.Tokens(normalized)
	keys := make([]string, 0, 2*len(tokens))
	seen := make(map[string]struct{}, 2*len(tokens))
	for _, tok := range tokens {
		for _, k := range []string{"t:" + tok, "p:" + prefix(tok, ix.cfg.PrefixLen)} {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func prefix(tok string, n int) string {
	i := 0
	for pos := range tok {
		if i == n {
			return tok[:pos]
		}
		i++
	}
	return tok
}
