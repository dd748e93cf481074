package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"execplane/internal/logging"
	"execplane/internal/types"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is the production storage driver. One connection serializes all
// writes; WAL keeps readers unblocked. The same handle backs all four
// storage contracts via the typed accessors below.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenSQLite")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logging.Get(logging.CategoryStore).Info("sqlite store open at %s", path)
	return &SQLite{db: db, path: path}, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Typed accessors: each returns a view implementing one storage contract.
func (s *SQLite) Snapshots() SnapshotStore    { return (*sqliteSnapshots)(s) }
func (s *SQLite) Audit() AuditStore           { return (*sqliteAudit)(s) }
func (s *SQLite) Outbox() OutboxStore         { return (*sqliteOutbox)(s) }
func (s *SQLite) Memories() MemoryEntryStore  { return (*sqliteMemories)(s) }

// =============================================================================
// SNAPSHOTS
// =============================================================================

type sqliteSnapshots SQLite

func (s *sqliteSnapshots) Save(ctx context.Context, snap Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot state: %w", err)
	}
	pointers, err := json.Marshal(snap.MemoryPointers)
	if err != nil {
		return fmt.Errorf("failed to encode memory pointers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots
		(id, timestamp, state, verified, agent_id, session_id, cycle, trigger_kind, memory_pointers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Timestamp.UTC().Format(time.RFC3339Nano), string(state),
		boolToInt(snap.Verified), snap.AgentID, snap.SessionID, snap.Cycle,
		string(snap.Trigger), string(pointers))
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *sqliteSnapshots) Load(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, state, verified, agent_id, session_id, cycle, trigger_kind, memory_pointers
		FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

func (s *sqliteSnapshots) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, state, verified, agent_id, session_id, cycle, trigger_kind, memory_pointers
		FROM snapshots ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteSnapshots) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap                 Snapshot
		ts, state, pointers  string
		verified             int
		agent, session, trig sql.NullString
	)
	if err := row.Scan(&snap.ID, &ts, &state, &verified, &agent, &session, &snap.Cycle, &trig, &pointers); err != nil {
		return Snapshot{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bad snapshot timestamp %q: %w", ts, err)
	}
	snap.Timestamp = parsed
	snap.Verified = verified != 0
	snap.AgentID = agent.String
	snap.SessionID = session.String
	snap.Trigger = SnapshotTrigger(trig.String)
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("bad snapshot state: %w", err)
	}
	if pointers != "" {
		if err := json.Unmarshal([]byte(pointers), &snap.MemoryPointers); err != nil {
			return Snapshot{}, fmt.Errorf("bad memory pointers: %w", err)
		}
	}
	return snap, nil
}

// =============================================================================
// AUDIT
// =============================================================================

type sqliteAudit SQLite

func (s *sqliteAudit) Append(ctx context.Context, e AuditEntry) error {
	before, after, err := encodeStates(e.StateBefore, e.StateAfter)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		(sequence, id, timestamp, actor, action, state_before, state_after, diff,
		 content_hash, prev_hash, task_id, step_id, source_event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor, e.Action,
		before, after, e.Diff, e.ContentHash, e.PrevHash,
		e.Provenance.TaskID, e.Provenance.StepID, e.Provenance.SourceEventID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *sqliteAudit) LoadAll(ctx context.Context) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, timestamp, actor, action, state_before, state_after, diff,
		       content_hash, prev_hash, task_id, step_id, source_event
		FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                    AuditEntry
			ts                   string
			before, after, diff  sql.NullString
			taskID, stepID, src  sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &ts, &e.Actor, &e.Action,
			&before, &after, &diff, &e.ContentHash, &e.PrevHash,
			&taskID, &stepID, &src); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("bad audit timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
		e.Diff = diff.String
		e.Provenance = Provenance{TaskID: taskID.String, StepID: stepID.String, SourceEventID: src.String}
		if e.StateBefore, err = decodeState(before); err != nil {
			return nil, err
		}
		if e.StateAfter, err = decodeState(after); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeStates(before, after *types.Value) (sql.NullString, sql.NullString, error) {
	encode := func(v *types.Value) (sql.NullString, error) {
		if v == nil {
			return sql.NullString{}, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("failed to encode state: %w", err)
		}
		return sql.NullString{String: string(data), Valid: true}, nil
	}
	b, err := encode(before)
	if err != nil {
		return b, sql.NullString{}, err
	}
	a, err := encode(after)
	return b, a, err
}

func decodeState(s sql.NullString) (*types.Value, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v types.Value
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("bad state payload: %w", err)
	}
	return &v, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

type sqliteOutbox SQLite

func (s *sqliteOutbox) Get(ctx context.Context, key string) (OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, state, result_blob, attempts, updated_at, workflow_id, task_id, tool_id
		FROM outbox WHERE idempotency_key = ?`, key)
	e, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return OutboxEntry{}, ErrNotFound
	}
	return e, err
}

func (s *sqliteOutbox) CreatePending(ctx context.Context, e OutboxEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	// Conditional upsert: a committed row wins and blocks the insert.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (idempotency_key, state, result_blob, attempts, updated_at, workflow_id, task_id, tool_id)
		VALUES (?, 'pending', NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			state = 'pending', attempts = excluded.attempts, updated_at = excluded.updated_at
		WHERE outbox.state != 'committed'`,
		e.Key, e.Attempts, e.UpdatedAt.Format(time.RFC3339Nano),
		e.WorkflowID, e.TaskID, e.ToolID)
	if err != nil {
		return fmt.Errorf("failed to create pending outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyCommitted
	}
	return nil
}

func (s *sqliteOutbox) Update(ctx context.Context, e OutboxEntry) error {
	var result sql.NullString
	if e.Result != nil {
		data, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("failed to encode outbox result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = ?, result_blob = ?, attempts = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		string(e.State), result, e.Attempts, e.UpdatedAt.Format(time.RFC3339Nano), e.Key)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteOutbox) LoadAll(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, state, result_blob, attempts, updated_at, workflow_id, task_id, tool_id
		FROM outbox ORDER BY idempotency_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOutbox(row rowScanner) (OutboxEntry, error) {
	var (
		e                  OutboxEntry
		state, updated     string
		result             sql.NullString
		wf, task, tool     sql.NullString
	)
	if err := row.Scan(&e.Key, &state, &result, &e.Attempts, &updated, &wf, &task, &tool); err != nil {
		return OutboxEntry{}, err
	}
	e.State = OutboxState(state)
	e.WorkflowID, e.TaskID, e.ToolID = wf.String, task.String, tool.String
	parsed, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("bad outbox timestamp %q: %w", updated, err)
	}
	e.UpdatedAt = parsed
	if result.Valid && result.String != "" {
		var v types.Value
		if err := json.Unmarshal([]byte(result.String), &v); err != nil {
			return OutboxEntry{}, fmt.Errorf("bad outbox result: %w", err)
		}
		e.Result = &v
	}
	return e, nil
}

// =============================================================================
// MEMORY ENTRIES
// =============================================================================

type sqliteMemories SQLite

func (s *sqliteMemories) Put(ctx context.Context, e MemoryEntry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tier := e.Tier
	if tier == "" {
		tier = TierHot
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memory_entries
		(id, content, type, task_id, step_id, source_event, tags, metadata, tier, created_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, string(e.Type),
		e.Provenance.TaskID, e.Provenance.StepID, e.Provenance.SourceEventID,
		string(tags), string(meta), string(tier),
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.AccessCount,
		e.LastAccessed.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put memory entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *sqliteMemories) Get(ctx context.Context, id string) (MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, type, task_id, step_id, source_event, tags, metadata, tier, created_at, access_count, last_accessed
		FROM memory_entries WHERE id = ?`, id)
	e, err := scanMemoryEntry(row)
	if err == sql.ErrNoRows {
		return MemoryEntry{}, ErrNotFound
	}
	return e, err
}

func (s *sqliteMemories) List(ctx context.Context) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, type, task_id, step_id, source_event, tags, metadata, tier, created_at, access_count, last_accessed
		FROM memory_entries ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteMemories) UpdateRetention(ctx context.Context, id string, tier RetentionTier, accessCount int, lastAccessed time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET tier = ?, access_count = ?, last_accessed = ?
		WHERE id = ?`,
		string(tier), accessCount, lastAccessed.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update retention for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMemoryEntry(row rowScanner) (MemoryEntry, error) {
	var (
		e                   MemoryEntry
		typ, tier, created  string
		task, step, src     sql.NullString
		tags, meta, lastAcc sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Content, &typ, &task, &step, &src,
		&tags, &meta, &tier, &created, &e.AccessCount, &lastAcc); err != nil {
		return MemoryEntry{}, err
	}
	e.Type = MemoryType(typ)
	e.Tier = RetentionTier(tier)
	e.Provenance = Provenance{TaskID: task.String, StepID: step.String, SourceEventID: src.String}
	parsed, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	e.CreatedAt = parsed
	if lastAcc.Valid && lastAcc.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastAcc.String); err == nil {
			e.LastAccessed = t
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
			return MemoryEntry{}, fmt.Errorf("bad tags: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return MemoryEntry{}, fmt.Errorf("bad metadata: %w", err)
		}
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
