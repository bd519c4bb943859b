// Package sqlstore implements storage.Store on database/sql. The sqlite,
// postgres and mysql packages open the connection, run their embedded
// migrations and hand the handle over together with their storage.Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

// Store is a storage.Store backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
	onClose func(*sql.DB)
}

var _ storage.Store = (*Store)(nil)

// New wraps an already migrated database. onClose, if set, runs before the
// handle is closed.
func New(db *sql.DB, dialect storage.Dialect, onClose func(*sql.DB)) *Store {
	return &Store{db: db, dialect: dialect, onClose: onClose}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders into the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect.Placeholder == nil {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) unique(err error) bool {
	return err != nil && s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err)
}

func (s *Store) op(name string) string {
	return s.dialect.Name + ": " + name
}

const entityColumns = `id, entity_type, canonical_name, normalized_name, source_ids, aliases,
	alias_stats, confidence, metadata, status, version, created_at, updated_at, last_seen_at,
	applied_events`

func (s *Store) CreateEntity(ctx context.Context, e *types.CanonicalEntity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	enc, err := encodeEntity(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unavailable(s.op("create entity"), err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Type), e.CanonicalName, e.NormalizedName, enc.sourceIDs, enc.aliases,
		enc.aliasStats, e.Confidence, enc.metadata, string(status(e)), int64(1),
		s.dialect.TimeValue(e.CreatedAt), s.dialect.TimeValue(e.UpdatedAt), s.dialect.TimeValue(e.LastSeenAt),
		enc.appliedEvents)
	if s.unique(err) {
		return fmt.Errorf("%w: entity %s already exists", storage.ErrInvalidInput, e.ID)
	}
	if err != nil {
		return storage.Unavailable(s.op("create entity"), err)
	}

	if err := s.insertBindings(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.Unavailable(s.op("create entity"), err)
	}
	e.Version = 1
	return nil
}

func (s *Store) insertBindings(ctx context.Context, tx *sql.Tx, e *types.CanonicalEntity) error {
	for _, b := range e.Bindings() {
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO source_bindings (source_system, source_id, entity_id) VALUES (?, ?, ?)`),
			b.System, b.SourceID, e.ID)
		if s.unique(err) {
			return fmt.Errorf("%w: %s/%s", storage.ErrDuplicateBinding, b.System, b.SourceID)
		}
		if err != nil {
			return storage.Unavailable(s.op("bind source"), err)
		}
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+entityColumns+` FROM entities WHERE id = ?`), id)
	e, err := s.scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable(s.op("get entity"), err)
	}
	return e, nil
}

func (s *Store) UpdateEntity(ctx context.Context, e *types.CanonicalEntity, expectedVersion int64) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	enc, err := encodeEntity(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unavailable(s.op("update entity"), err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE entities SET
			entity_type = ?, canonical_name = ?, normalized_name = ?, source_ids = ?,
			aliases = ?, alias_stats = ?, confidence = ?, metadata = ?, status = ?,
			version = ?, updated_at = ?, last_seen_at = ?, applied_events = ?
		WHERE id = ? AND version = ?`),
		string(e.Type), e.CanonicalName, e.NormalizedName, enc.sourceIDs,
		enc.aliases, enc.aliasStats, e.Confidence, enc.metadata, string(status(e)),
		expectedVersion+1, s.dialect.TimeValue(e.UpdatedAt), s.dialect.TimeValue(e.LastSeenAt),
		enc.appliedEvents, e.ID, expectedVersion)
	if err != nil {
		return storage.Unavailable(s.op("update entity"), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable(s.op("update entity"), err)
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM entities WHERE id = ?`), e.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return storage.Unavailable(s.op("update entity"), err)
		}
		return storage.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM source_bindings WHERE entity_id = ?`), e.ID); err != nil {
		return storage.Unavailable(s.op("update entity"), err)
	}
	if err := s.insertBindings(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.Unavailable(s.op("update entity"), err)
	}
	e.Version = expectedVersion + 1
	return nil
}

func (s *Store) FindBySource(ctx context.Context, b types.SourceBinding) (*types.CanonicalEntity, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT entity_id FROM source_bindings WHERE source_system = ? AND source_id = ?`),
		b.System, b.SourceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable(s.op("find by source"), err)
	}
	return s.GetEntity(ctx, id)
}

func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]*types.CanonicalEntity, error) {
	opts.Normalize()

	var (
		conditions []string
		args       []any
	)
	if !opts.IncludeArchived {
		conditions = append(conditions, "status = ?")
		args = append(args, string(types.StatusActive))
	}
	if opts.Type != nil {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, string(*opts.Type))
	}
	if opts.ConfidenceBelow != nil {
		conditions = append(conditions, "confidence < ?")
		args = append(args, *opts.ConfidenceBelow)
	}
	if opts.NormalizedName != "" {
		conditions = append(conditions, "normalized_name = ?")
		args = append(args, opts.NormalizedName)
	}

	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.ConfidenceBelow != nil {
		query += " ORDER BY confidence ASC, id ASC"
	} else {
		query += " ORDER BY id ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storage.Unavailable(s.op("list entities"), err)
	}
	defer rows.Close()

	var out []*types.CanonicalEntity
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return nil, storage.Unavailable(s.op("list entities"), err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable(s.op("list entities"), err)
	}
	return out, nil
}

const eventColumns = `id, query_text, normalized_query, entity_type_hint, caller_context, candidates,
	selected_entity_id, resolution_method, session_id, user_confirmed, created_at`

func (s *Store) AppendEvent(ctx context.Context, ev *types.ResolutionEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id is required", storage.ErrInvalidInput)
	}
	candidates, err := json.Marshal(nonNilCandidates(ev.Candidates))
	if err != nil {
		return fmt.Errorf("%w: candidates: %v", storage.ErrInvalidInput, err)
	}
	var hint sql.NullString
	if ev.EntityTypeHint != nil {
		hint = sql.NullString{String: string(*ev.EntityTypeHint), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO resolution_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.QueryText, ev.NormalizedQuery, hint, ev.CallerContext, string(candidates),
		nullableString(ev.SelectedEntityID), string(ev.Method), nullableString(ev.SessionID),
		ev.UserConfirmed, s.dialect.TimeValue(ev.CreatedAt))
	if s.unique(err) {
		return fmt.Errorf("%w: event %s already exists", storage.ErrInvalidInput, ev.ID)
	}
	if err != nil {
		return storage.Unavailable(s.op("append event"), err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*types.ResolutionEvent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM resolution_events WHERE id = ?`), id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable(s.op("get event"), err)
	}
	return ev, nil
}

func (s *Store) ListEventsByEntity(ctx context.Context, entityID string, limit int) ([]*types.ResolutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM resolution_events
		WHERE selected_entity_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storage.Unavailable(s.op("list events"), err)
	}
	defer rows.Close()

	var out []*types.ResolutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storage.Unavailable(s.op("list events"), err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable(s.op("list events"), err)
	}
	return out, nil
}

func (s *Store) AppendConfidenceChange(ctx context.Context, c *types.ConfidenceChange) error {
	if c == nil || c.ID == "" || c.EntityID == "" {
		return fmt.Errorf("%w: change id and entity id are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO confidence_changes
		(id, entity_id, event_id, reason, delta, before_value, after_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.EntityID, nullableString(c.EventID), c.Reason, c.Delta, c.Before, c.After,
		s.dialect.TimeValue(c.CreatedAt))
	if s.unique(err) {
		return fmt.Errorf("%w: confidence change %s already exists", storage.ErrInvalidInput, c.ID)
	}
	if err != nil {
		return storage.Unavailable(s.op("append confidence change"), err)
	}
	return nil
}

func (s *Store) ListConfidenceChanges(ctx context.Context, entityID string) ([]*types.ConfidenceChange, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT
			id, entity_id, event_id, reason, delta, before_value, after_value, created_at
		FROM confidence_changes WHERE entity_id = ? ORDER BY created_at ASC, id ASC`), entityID)
	if err != nil {
		return nil, storage.Unavailable(s.op("list confidence changes"), err)
	}
	defer rows.Close()

	out := []*types.ConfidenceChange{}
	for rows.Next() {
		var (
			c       types.ConfidenceChange
			eventID sql.NullString
			created timeValue
		)
		if err := rows.Scan(&c.ID, &c.EntityID, &eventID, &c.Reason, &c.Delta, &c.Before, &c.After, &created); err != nil {
			return nil, storage.Unavailable(s.op("list confidence changes"), err)
		}
		c.EventID = eventID.String
		c.CreatedAt = created.Time
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable(s.op("list confidence changes"), err)
	}
	return out, nil
}

// Close runs the close hook, then closes the handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.onClose != nil {
		s.onClose(s.db)
	}
	return s.db.Close()
}

func status(e *types.CanonicalEntity) types.EntityStatus {
	if e.Status == "" {
		return types.StatusActive
	}
	return e.Status
}

func nonNilCandidates(c []types.ScoredCandidate) []types.ScoredCandidate {
	if c == nil {
		return []types.ScoredCandidate{}
	}
	return c
}

// nullableString converts a string to sql.NullString.
// An empty string is treated as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
