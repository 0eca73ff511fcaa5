package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/varenne/stagehand/pkg/api"
)

// SQLiteStore implements SessionStore and CheckpointStore on SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Checkpoint saves use INSERT OR REPLACE inside SQLite's transactional
// journal, so readers observe either the prior checkpoint or the new one,
// never a partial write.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var _ SessionStore = (*SQLiteStore)(nil)

var _ CheckpointStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			input BLOB,
			output BLOB,
			stage_outputs BLOB,
			attempts BLOB,
			usage_calls INTEGER NOT NULL DEFAULT 0,
			usage_tokens INTEGER NOT NULL DEFAULT 0,
			usage_elapsed INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			fail_reason TEXT
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			stage TEXT NOT NULL,
			payload_kind TEXT NOT NULL DEFAULT '',
			schema_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			skipped INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			PRIMARY KEY (session_id, ordinal)
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveSession(sess *api.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, pipeline, status, current_stage, created_at,
			input, output, stage_outputs, attempts,
			usage_calls, usage_tokens, usage_elapsed, error, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return err
}

func (s *SQLiteStore) UpdateSession(sess *api.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}

	// Reorder: id goes last for the WHERE clause.
	update := append(args[1:], args[0])

	res, err := s.db.Exec(`
		UPDATE sessions
		SET pipeline = ?, status = ?, current_stage = ?, created_at = ?,
			input = ?, output = ?, stage_outputs = ?, attempts = ?,
			usage_calls = ?, usage_tokens = ?, usage_elapsed = ?, error = ?, fail_reason = ?
		WHERE id = ?`,
		update...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}

	return nil
}

func (s *SQLiteStore) GetSession(id string) (*api.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, pipeline, status, current_stage, created_at,
			input, output, stage_outputs, attempts,
			usage_calls, usage_tokens, usage_elapsed, error, fail_reason
		FROM sessions
		WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(filter SessionFilter) ([]*api.Session, error) {
	query := `
		SELECT id, pipeline, status, current_stage, created_at,
			input, output, stage_outputs, attempts,
			usage_calls, usage_tokens, usage_elapsed, error, fail_reason
		FROM sessions`
	var args []any
	var clauses []string

	if filter.Pipeline != "" {
		clauses = append(clauses, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*api.Session

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

func (s *SQLiteStore) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(session_id, ordinal, stage, payload_kind, schema_version, created_at, skipped, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID,
		cp.Ordinal,
		cp.Meta.Stage,
		cp.Meta.PayloadKind,
		cp.Meta.SchemaVersion,
		cp.Meta.CreatedAt.UnixNano(),
		cp.Meta.Skipped,
		cp.Payload,
	)
	return err
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionID string, ordinal int) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stage, payload_kind, schema_version, created_at, skipped, payload
		FROM checkpoints
		WHERE session_id = ? AND ordinal = ?`,
		sessionID, ordinal,
	)

	var (
		cp        Checkpoint
		createdAt int64
	)
	cp.SessionID = sessionID
	cp.Ordinal = ordinal

	err := row.Scan(&cp.Meta.Stage, &cp.Meta.PayloadKind, &cp.Meta.SchemaVersion, &createdAt, &cp.Meta.Skipped, &cp.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		return Checkpoint{}, err
	}
	cp.Meta.CreatedAt = time.Unix(0, createdAt)

	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal FROM checkpoints
		WHERE session_id = ?
		ORDER BY ordinal ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ordinals []int
	for rows.Next() {
		var ord int
		if err := rows.Scan(&ord); err != nil {
			return nil, err
		}
		ordinals = append(ordinals, ord)
	}
	return ordinals, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) DeleteCheckpointsFrom(ctx context.Context, sessionID string, ordinal int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE session_id = ? AND ordinal >= ?`,
		sessionID, ordinal,
	)
	return err
}

// sessionArgs flattens a session into the column order shared by
// SaveSession and UpdateSession.
func sessionArgs(sess *api.Session) ([]any, error) {
	input, err := EncodeValue(sess.Input)
	if err != nil {
		return nil, err
	}
	output, err := EncodeValue(sess.Output)
	if err != nil {
		return nil, err
	}
	stageOutputs, err := EncodeValue(sess.StageOutputs)
	if err != nil {
		return nil, err
	}
	attempts, err := EncodeValue(sess.Attempts)
	if err != nil {
		return nil, err
	}

	errStr := ""
	if sess.Err != nil {
		errStr = sess.Err.Error()
	}

	return []any{
		sess.ID,
		sess.Pipeline,
		string(sess.Status),
		sess.CurrentStage,
		sess.CreatedAt.UnixNano(),
		input,
		output,
		stageOutputs,
		attempts,
		sess.Usage.ProviderCalls,
		sess.Usage.Tokens,
		int64(sess.Usage.Elapsed),
		errStr,
		sess.FailReason,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*api.Session, error) {
	var (
		sess                            api.Session
		statusStr                       string
		createdAt                       int64
		input, output, outputs, history []byte
		elapsed                         int64
		errStr, failReason              sql.NullString
	)

	if err := row.Scan(&sess.ID, &sess.Pipeline, &statusStr, &sess.CurrentStage, &createdAt,
		&input, &output, &outputs, &history,
		&sess.Usage.ProviderCalls, &sess.Usage.Tokens, &elapsed, &errStr, &failReason); err != nil {
		return nil, err
	}

	sess.Status = api.Status(statusStr)
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.Usage.Elapsed = time.Duration(elapsed)

	inVal, err := DecodeValue[api.Payload](input)
	if err != nil {
		return nil, err
	}
	sess.Input = inVal

	outVal, err := DecodeValue[api.Payload](output)
	if err != nil {
		return nil, err
	}
	sess.Output = outVal

	stageOutputs, err := DecodeValue[map[int]api.Payload](outputs)
	if err != nil {
		return nil, err
	}
	sess.StageOutputs = stageOutputs

	attempts, err := DecodeValue[[]api.StageAttempt](history)
	if err != nil {
		return nil, err
	}
	sess.Attempts = attempts

	if errStr.Valid && errStr.String != "" {
		sess.Err = errors.New(errStr.String)
	}
	if failReason.Valid {
		sess.FailReason = failReason.String
	}

	return &sess, nil
}
