package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

// TextTime formats t for backends that keep timestamps in text columns.
func TextTime(t time.Time) any {
	return storage.SortableTime(t)
}

// NativeTime passes t through for backends with a timestamp type.
func NativeTime(t time.Time) any {
	return t.UTC()
}

// timeValue scans either a driver time.Time or a TextTime string.
type timeValue struct {
	Time time.Time
}

func (tv *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		tv.Time = time.Time{}
	case time.Time:
		tv.Time = v.UTC()
	case string:
		return tv.parse(v)
	case []byte:
		return tv.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (tv *timeValue) parse(s string) error {
	t, err := time.Parse(storage.SortableTimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	tv.Time = t.UTC()
	return nil
}

type encodedEntity struct {
	sourceIDs     string
	aliases       string
	aliasStats    string
	metadata      string
	appliedEvents string
}

func encodeEntity(e *types.CanonicalEntity) (encodedEntity, error) {
	var enc encodedEntity
	fields := []struct {
		dst *string
		v   any
	}{
		{&enc.sourceIDs, nonNilMap(e.SourceIDs)},
		{&enc.aliases, nonNilSlice(e.Aliases)},
		{&enc.aliasStats, nonNilStats(e.AliasStats)},
		{&enc.metadata, nonNilSignals(e.Metadata)},
		{&enc.appliedEvents, nonNilSlice(e.AppliedEvents)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return enc, fmt.Errorf("%w: encode entity %s: %v", storage.ErrInvalidInput, e.ID, err)
		}
		*f.dst = string(b)
	}
	return enc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEntity(row rowScanner) (*types.CanonicalEntity, error) {
	var (
		e                                        types.CanonicalEntity
		typ, st                                  string
		sourceIDs, aliases, aliasStats, metadata []byte
		applied                                  []byte
		created, updated, lastSeen               timeValue
	)
	err := row.Scan(&e.ID, &typ, &e.CanonicalName, &e.NormalizedName, &sourceIDs, &aliases,
		&aliasStats, &e.Confidence, &metadata, &st, &e.Version, &created, &updated, &lastSeen, &applied)
	if err != nil {
		return nil, err
	}
	e.Type = types.EntityType(typ)
	e.Status = types.EntityStatus(st)
	e.CreatedAt, e.UpdatedAt, e.LastSeenAt = created.Time, updated.Time, lastSeen.Time

	if err := json.Unmarshal(sourceIDs, &e.SourceIDs); err != nil {
		return nil, fmt.Errorf("decode source_ids: %w", err)
	}
	if err := json.Unmarshal(aliases, &e.Aliases); err != nil {
		return nil, fmt.Errorf("decode aliases: %w", err)
	}
	if err := json.Unmarshal(aliasStats, &e.AliasStats); err != nil {
		return nil, fmt.Errorf("decode alias_stats: %w", err)
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	// NULL on MySQL rows written before the column existed.
	if len(applied) > 0 {
		if err := json.Unmarshal(applied, &e.AppliedEvents); err != nil {
			return nil, fmt.Errorf("decode applied_events: %w", err)
		}
	}
	if len(e.AppliedEvents) == 0 {
		e.AppliedEvents = nil
	}
	return &e, nil
}

func scanEvent(row rowScanner) (*types.ResolutionEvent, error) {
	var (
		ev                  types.ResolutionEvent
		hint, selected, sid sql.NullString
		method              string
		candidates          []byte
		created             timeValue
	)
	err := row.Scan(&ev.ID, &ev.QueryText, &ev.NormalizedQuery, &hint, &ev.CallerContext, &candidates,
		&selected, &method, &sid, &ev.UserConfirmed, &created)
	if err != nil {
		return nil, err
	}
	if hint.Valid {
		t := types.EntityType(hint.String)
		ev.EntityTypeHint = &t
	}
	ev.SelectedEntityID = selected.String
	ev.SessionID = sid.String
	ev.Method = types.ResolutionMethod(method)
	ev.CreatedAt = created.Time
	if err := json.Unmarshal(candidates, &ev.Candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return &ev, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilStats(m map[string]types.AliasStat) map[string]types.AliasStat {
	if m == nil {
		return map[string]types.AliasStat{}
	}
	return m
}

func nonNilSignals(m types.Signals) types.Signals {
	if m == nil {
		return types.Signals{}
	}
	return m
}
