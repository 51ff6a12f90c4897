package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/relayd/internal/toolcall"
)

// SQLite implements Store on a SQLite database via the pure-Go driver.
//
// SQLite's single-writer model gives the per-row serialization the
// conditional transition needs; unrelated tool_call_ids never block each
// other on anything but the brief write lock.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the tool call database at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes
	// writers ahead of SQLite's own lock.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// initSchema creates the database schema.
func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		intent_id TEXT,
		function_name TEXT NOT NULL,
		parameters_json TEXT NOT NULL,
		status TEXT NOT NULL,
		result_json TEXT,
		error_message TEXT,
		voice_response TEXT,
		callback_url TEXT,
		created_at INTEGER NOT NULL,
		confirmed_at INTEGER,
		executed_at INTEGER,
		completed_at INTEGER,
		execution_time_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session_status ON tool_calls(session_id, status);

	CREATE TABLE IF NOT EXISTS tool_call_status_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_call_id TEXT NOT NULL REFERENCES tool_calls(id),
		status TEXT NOT NULL,
		note TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_history_call ON tool_call_status_history(tool_call_id);

	CREATE TABLE IF NOT EXISTS tool_call_parameters_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_call_id TEXT NOT NULL REFERENCES tool_calls(id),
		field TEXT NOT NULL,
		old_value_json TEXT,
		new_value_json TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_params_history_call ON tool_call_parameters_history(tool_call_id);

	CREATE TABLE IF NOT EXISTS session_context (
		session_id TEXT NOT NULL,
		context_key TEXT NOT NULL,
		value_json TEXT NOT NULL,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, context_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new record with its initial status_history entry.
func (s *SQLite) Create(ctx context.Context, tc *toolcall.ToolCall) error {
	if tc.ID == "" {
		return &toolcall.ValidationError{Field: "tool_call_id", Reason: "must not be empty"}
	}
	if !tc.Status.Valid() {
		return &toolcall.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", tc.Status)}
	}

	paramsJSON, err := json.Marshal(tc.Parameters)
	if err != nil {
		return &toolcall.PersistenceError{Op: "create", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &toolcall.PersistenceError{Op: "create", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, intent_id, function_name, parameters_json, status, callback_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.SessionID, nullString(tc.IntentID), tc.FunctionName,
		string(paramsJSON), string(tc.Status), nullString(tc.CallbackURL),
		tc.CreatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return toolcall.ErrDuplicateID
		}
		return &toolcall.PersistenceError{Op: "create", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_call_status_history (tool_call_id, status, note, timestamp)
		VALUES (?, ?, ?, ?)`,
		tc.ID, string(tc.Status), "submitted", tc.CreatedAt.UnixNano(),
	)
	if err != nil {
		return &toolcall.PersistenceError{Op: "create", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &toolcall.PersistenceError{Op: "create", Err: err}
	}

	s.logger.Debug("created tool call",
		zap.String("tool_call_id", tc.ID),
		zap.String("function", tc.FunctionName),
	)
	return nil
}

// Transition atomically applies a conditional status change.
//
// A transition to CANCELLED additionally requires that the executor has not
// been claimed yet (executed_at IS NULL): a cancellation that arrives after
// dispatch began must not beat the executor's own outcome.
func (s *SQLite) Transition(ctx context.Context, req *TransitionRequest) (bool, error) {
	if len(req.From) == 0 {
		return false, &toolcall.ValidationError{Field: "from", Reason: "must not be empty"}
	}
	for _, from := range req.From {
		if !toolcall.CanTransition(from, req.To) {
			return false, &toolcall.ValidationError{
				Field:  "to",
				Reason: fmt.Sprintf("no edge %s -> %s in the status graph", from, req.To),
			}
		}
	}

	now := time.Now()

	var sets []string
	var args []any
	sets = append(sets, "status = ?")
	args = append(args, string(req.To))

	switch {
	case req.To == toolcall.StatusExecuting:
		sets = append(sets, "confirmed_at = ?")
		args = append(args, now.UnixNano())
	case req.To.Terminal():
		sets = append(sets, "completed_at = ?",
			"execution_time_ms = CASE WHEN executed_at IS NULL THEN NULL ELSE (? - executed_at) / 1000000 END")
		args = append(args, now.UnixNano(), now.UnixNano())
		if req.Result != nil {
			sets = append(sets, "result_json = ?")
			args = append(args, string(req.Result))
		}
		if req.ErrorMessage != "" {
			sets = append(sets, "error_message = ?")
			args = append(args, req.ErrorMessage)
		}
		if req.VoiceResponse != "" {
			sets = append(sets, "voice_response = ?")
			args = append(args, req.VoiceResponse)
		}
	}

	placeholders := make([]string, len(req.From))
	args = append(args, req.ID)
	for i, from := range req.From {
		placeholders[i] = "?"
		args = append(args, string(from))
	}

	query := fmt.Sprintf("UPDATE tool_calls SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))
	if req.To == toolcall.StatusCancelled {
		query += " AND executed_at IS NULL"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "transition", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "transition", Err: err}
	}

	if affected == 0 {
		// Distinguish routine contention from a missing record.
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM tool_calls WHERE id = ?", req.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return false, toolcall.ErrNotFound
		}
		if err != nil {
			return false, &toolcall.PersistenceError{Op: "transition", Err: err}
		}
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_call_status_history (tool_call_id, status, note, timestamp)
		VALUES (?, ?, ?, ?)`,
		req.ID, string(req.To), req.Note, now.UnixNano(),
	)
	if err != nil {
		return true, &toolcall.PersistenceError{Op: "transition", Err: err}
	}

	s.logger.Debug("transitioned tool call",
		zap.String("tool_call_id", req.ID),
		zap.String("to", string(req.To)),
	)
	return true, nil
}

// ClaimDispatch marks the exact moment the executor is invoked. The claim is
// conditional on status PREPARED and on not having been claimed before, so
// the executor runs at most once and a post-claim cancellation can no longer
// win the CANCELLED transition.
func (s *SQLite) ClaimDispatch(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET executed_at = ?
		WHERE id = ? AND status = ? AND executed_at IS NULL`,
		time.Now().UnixNano(), id, string(toolcall.StatusPrepared),
	)
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "claim_dispatch", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "claim_dispatch", Err: err}
	}
	return affected == 1, nil
}

// AppendStatusNote appends a history entry under the call's current status
// without changing it. The status is read from the row inside the INSERT so
// a concurrent transition cannot leave the note stamped with a stale status.
func (s *SQLite) AppendStatusNote(ctx context.Context, id string, note string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_call_status_history (tool_call_id, status, note, timestamp)
		SELECT id, status, ?, ? FROM tool_calls WHERE id = ?`,
		note, time.Now().UnixNano(), id,
	)
	if err != nil {
		return &toolcall.PersistenceError{Op: "append_history", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &toolcall.PersistenceError{Op: "append_history", Err: err}
	}
	if affected == 0 {
		return toolcall.ErrNotFound
	}
	return nil
}

// AppendParameterChange appends one field-level diff.
func (s *SQLite) AppendParameterChange(ctx context.Context, id string, change toolcall.ParameterChange) error {
	oldJSON, err := json.Marshal(change.OldValue)
	if err != nil {
		return &toolcall.PersistenceError{Op: "append_history", Err: err}
	}
	newJSON, err := json.Marshal(change.NewValue)
	if err != nil {
		return &toolcall.PersistenceError{Op: "append_history", Err: err}
	}

	ts := change.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_call_parameters_history (tool_call_id, field, old_value_json, new_value_json, timestamp)
		SELECT id, ?, ?, ?, ? FROM tool_calls WHERE id = ?`,
		change.Field, string(oldJSON), string(newJSON), ts.UnixNano(), id,
	)
	if err != nil {
		return &toolcall.PersistenceError{Op: "append_history", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &toolcall.PersistenceError{Op: "append_history", Err: err}
	}
	if affected == 0 {
		return toolcall.ErrNotFound
	}
	return nil
}

// UpdateParameters replaces the parameter map while the call is still
// pre-execution. Returns (false, nil) once execution has begun.
func (s *SQLite) UpdateParameters(ctx context.Context, id string, params toolcall.Params) (bool, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "update_parameters", Err: err}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET parameters_json = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(paramsJSON), id,
		string(toolcall.StatusPending), string(toolcall.StatusModified),
	)
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "update_parameters", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &toolcall.PersistenceError{Op: "update_parameters", Err: err}
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM tool_calls WHERE id = ?", id).Scan(&exists)
		if err == sql.ErrNoRows {
			return false, toolcall.ErrNotFound
		}
		if err != nil {
			return false, &toolcall.PersistenceError{Op: "update_parameters", Err: err}
		}
		return false, nil
	}
	return true, nil
}

// Get returns the full record including both histories.
func (s *SQLite) Get(ctx context.Context, id string) (*toolcall.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, intent_id, function_name, parameters_json, status,
		       result_json, error_message, voice_response, callback_url,
		       created_at, confirmed_at, executed_at, completed_at, execution_time_ms
		FROM tool_calls WHERE id = ?`, id)

	tc, err := scanToolCall(row)
	if err == sql.ErrNoRows {
		return nil, toolcall.ErrNotFound
	}
	if err != nil {
		return nil, &toolcall.PersistenceError{Op: "get", Err: err}
	}

	if err := s.loadHistories(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// QueryPending returns non-terminal calls for a session, newest first.
func (s *SQLite) QueryPending(ctx context.Context, sessionID string) ([]*toolcall.ToolCall, error) {
	return s.queryCalls(ctx, `
		SELECT id, session_id, intent_id, function_name, parameters_json, status,
		       result_json, error_message, voice_response, callback_url,
		       created_at, confirmed_at, executed_at, completed_at, execution_time_ms
		FROM tool_calls
		WHERE session_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at DESC`,
		sessionID,
		string(toolcall.StatusPending), string(toolcall.StatusModified),
		string(toolcall.StatusExecuting), string(toolcall.StatusPrepared),
	)
}

// QueryRecent returns terminal calls for a session, most recently completed
// first.
func (s *SQLite) QueryRecent(ctx context.Context, sessionID string, limit int) ([]*toolcall.ToolCall, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryCalls(ctx, `
		SELECT id, session_id, intent_id, function_name, parameters_json, status,
		       result_json, error_message, voice_response, callback_url,
		       created_at, confirmed_at, executed_at, completed_at, execution_time_ms
		FROM tool_calls
		WHERE session_id = ? AND status IN (?, ?, ?)
		ORDER BY completed_at DESC
		LIMIT ?`,
		sessionID,
		string(toolcall.StatusCompleted), string(toolcall.StatusFailed),
		string(toolcall.StatusCancelled),
		limit,
	)
}

// PutContext creates or overwrites a session scratchpad entry.
func (s *SQLite) PutContext(ctx context.Context, entry *toolcall.SessionContextEntry) error {
	var expires any
	if !entry.ExpiresAt.IsZero() {
		expires = entry.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_context (session_id, context_key, value_json, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, context_key) DO UPDATE SET
			value_json = excluded.value_json,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		entry.SessionID, entry.ContextKey, string(entry.Value), expires, time.Now().UnixNano(),
	)
	if err != nil {
		return &toolcall.PersistenceError{Op: "put_context", Err: err}
	}
	return nil
}

// GetContext returns a scratchpad entry, treating expired rows as missing.
func (s *SQLite) GetContext(ctx context.Context, sessionID, contextKey string) (*toolcall.SessionContextEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, context_key, value_json, expires_at, updated_at
		FROM session_context WHERE session_id = ? AND context_key = ?`,
		sessionID, contextKey)

	var entry toolcall.SessionContextEntry
	var value string
	var expires sql.NullInt64
	var updated int64
	err := row.Scan(&entry.SessionID, &entry.ContextKey, &value, &expires, &updated)
	if err == sql.ErrNoRows {
		return nil, toolcall.ErrNotFound
	}
	if err != nil {
		return nil, &toolcall.PersistenceError{Op: "get_context", Err: err}
	}

	entry.Value = json.RawMessage(value)
	entry.UpdatedAt = time.Unix(0, updated)
	if expires.Valid {
		entry.ExpiresAt = time.Unix(0, expires.Int64)
	}
	if entry.Expired(time.Now()) {
		return nil, toolcall.ErrNotFound
	}
	return &entry, nil
}

// ListContext returns every live scratchpad entry for a session. Expired
// entries are skipped, not deleted; overwrite and session teardown are the
// only removal paths.
func (s *SQLite) ListContext(ctx context.Context, sessionID string) ([]*toolcall.SessionContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, context_key, value_json, expires_at, updated_at
		FROM session_context WHERE session_id = ?
		ORDER BY context_key`, sessionID)
	if err != nil {
		return nil, &toolcall.PersistenceError{Op: "list_context", Err: err}
	}
	defer rows.Close()

	now := time.Now()
	entries := make([]*toolcall.SessionContextEntry, 0, 4)
	for rows.Next() {
		var entry toolcall.SessionContextEntry
		var value string
		var expires sql.NullInt64
		var updated int64
		if err := rows.Scan(&entry.SessionID, &entry.ContextKey, &value, &expires, &updated); err != nil {
			return nil, &toolcall.PersistenceError{Op: "list_context", Err: err}
		}
		entry.Value = json.RawMessage(value)
		entry.UpdatedAt = time.Unix(0, updated)
		if expires.Valid {
			entry.ExpiresAt = time.Unix(0, expires.Int64)
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &toolcall.PersistenceError{Op: "list_context", Err: err}
	}
	return entries, nil
}

// Helper functions

func (s *SQLite) queryCalls(ctx context.Context, query string, args ...any) ([]*toolcall.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &toolcall.PersistenceError{Op: "query", Err: err}
	}
	defer rows.Close()

	calls := make([]*toolcall.ToolCall, 0, 8)
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, &toolcall.PersistenceError{Op: "query", Err: err}
		}
		calls = append(calls, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, &toolcall.PersistenceError{Op: "query", Err: err}
	}
	return calls, nil
}

func (s *SQLite) loadHistories(ctx context.Context, tc *toolcall.ToolCall) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, note, timestamp FROM tool_call_status_history
		WHERE tool_call_id = ? ORDER BY seq`, tc.ID)
	if err != nil {
		return &toolcall.PersistenceError{Op: "get", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var entry toolcall.StatusHistoryEntry
		var status string
		var note sql.NullString
		var ts int64
		if err := rows.Scan(&status, &note, &ts); err != nil {
			return &toolcall.PersistenceError{Op: "get", Err: err}
		}
		entry.Status = toolcall.Status(status)
		entry.Note = note.String
		entry.Timestamp = time.Unix(0, ts)
		tc.StatusHistory = append(tc.StatusHistory, entry)
	}
	if err := rows.Err(); err != nil {
		return &toolcall.PersistenceError{Op: "get", Err: err}
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT field, old_value_json, new_value_json, timestamp
		FROM tool_call_parameters_history
		WHERE tool_call_id = ? ORDER BY seq`, tc.ID)
	if err != nil {
		return &toolcall.PersistenceError{Op: "get", Err: err}
	}
	defer prows.Close()
	for prows.Next() {
		var change toolcall.ParameterChange
		var oldJSON, newJSON sql.NullString
		var ts int64
		if err := prows.Scan(&change.Field, &oldJSON, &newJSON, &ts); err != nil {
			return &toolcall.PersistenceError{Op: "get", Err: err}
		}
		if oldJSON.Valid {
			_ = json.Unmarshal([]byte(oldJSON.String), &change.OldValue)
		}
		if newJSON.Valid {
			_ = json.Unmarshal([]byte(newJSON.String), &change.NewValue)
		}
		change.Timestamp = time.Unix(0, ts)
		tc.ParametersHistory = append(tc.ParametersHistory, change)
	}
	return prows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCall(row rowScanner) (*toolcall.ToolCall, error) {
	var tc toolcall.ToolCall
	var intentID, resultJSON, errMsg, voice, callbackURL sql.NullString
	var paramsJSON, status string
	var createdAt int64
	var confirmedAt, executedAt, completedAt, execMS sql.NullInt64

	err := row.Scan(&tc.ID, &tc.SessionID, &intentID, &tc.FunctionName, &paramsJSON,
		&status, &resultJSON, &errMsg, &voice, &callbackURL,
		&createdAt, &confirmedAt, &executedAt, &completedAt, &execMS)
	if err != nil {
		return nil, err
	}

	tc.IntentID = intentID.String
	tc.Status = toolcall.Status(status)
	tc.ErrorMessage = errMsg.String
	tc.VoiceResponse = voice.String
	tc.CallbackURL = callbackURL.String
	tc.CreatedAt = time.Unix(0, createdAt)
	if resultJSON.Valid {
		tc.Result = json.RawMessage(resultJSON.String)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &tc.Parameters); err != nil {
		return nil, fmt.Errorf("corrupt parameters for %s: %w", tc.ID, err)
	}
	if confirmedAt.Valid {
		t := time.Unix(0, confirmedAt.Int64)
		tc.ConfirmedAt = &t
	}
	if executedAt.Valid {
		t := time.Unix(0, executedAt.Int64)
		tc.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		tc.CompletedAt = &t
	}
	if execMS.Valid {
		tc.ExecutionTime = time.Duration(execMS.Int64) * time.Millisecond
	}
	return &tc, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
