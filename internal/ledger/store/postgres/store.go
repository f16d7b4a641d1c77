// Package postgres provides the durable ledger store. Appends are committed
// before the call returns; the audit sequence is a BIGSERIAL owned entirely
// by the database, so it survives restarts and is never minted elsewhere.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fairway/internal/ledger"
	id "fairway/pkg/domain"
	"fairway/pkg/platform/sentinel"
	txcontext "fairway/pkg/platform/tx"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// PostgreSQL aborts one of two colliding serializable transactions with
// these codes. The aborted transaction is safe to rerun.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// serializationRetries bounds how often InTx reruns an aborted callback. At
// least one contender commits per round, so N-1 reruns resolve N concurrent
// writers to the same record.
const serializationRetries = 10

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and ensures the
// schema exists.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection (integration tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ ledger.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	application_id  UUID PRIMARY KEY,
	subject_id      UUID NOT NULL,
	prediction      BOOLEAN NOT NULL,
	probability     DOUBLE PRECISION NOT NULL,
	model_version   TEXT NOT NULL,
	contributions   JSONB NOT NULL DEFAULT '[]',
	attributes      JSONB NOT NULL DEFAULT '{}',
	override_state  TEXT NOT NULL DEFAULT 'none',
	override_reason TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_subject ON decisions (subject_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
	sequence       BIGSERIAL PRIMARY KEY,
	actor_id       UUID,
	actor_role     TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	application_id UUID,
	subject_id     UUID,
	timestamp      TIMESTAMPTZ NOT NULL,
	payload        JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events (subject_id, sequence DESC);
CREATE INDEX IF NOT EXISTS idx_audit_application ON audit_events (application_id, sequence DESC);
`

// Migrate creates the ledger tables if missing.
func (s *Store) Migrate(ctx context.Context) error { return s.migrate(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn inside a serializable transaction. Store calls made with the
// derived context join the transaction, so an override mutation and its audit
// event commit together or not at all. Callbacks aborted by a concurrent
// committer are rerun, so concurrent mutations of the same record all land
// in commit order instead of surfacing SQLSTATE 40001 to the caller.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}
	var err error
	for attempt := 0; attempt <= serializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
}

func (s *Store) AppendDecision(ctx context.Context, rec ledger.DecisionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.OverrideState == "" {
		rec.OverrideState = ledger.OverrideNone
	}

	contributions, err := json.Marshal(rec.Contributions)
	if err != nil {
		return fmt.Errorf("marshal contributions: %w", err)
	}
	attributes, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	query := `
		INSERT INTO decisions (
			application_id, subject_id, prediction, probability, model_version,
			contributions, attributes, override_state, override_reason,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.ApplicationID),
		uuid.UUID(rec.SubjectID),
		rec.Prediction,
		rec.Probability,
		rec.ModelVersion,
		contributions,
		attributes,
		string(rec.OverrideState),
		rec.OverrideReason,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrDuplicate
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *Store) UpdateDecision(ctx context.Context, rec ledger.DecisionRecord) error {
	query := `
		UPDATE decisions
		SET prediction = $2, probability = $3, override_state = $4,
		    override_reason = $5, updated_at = $6
		WHERE application_id = $1
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(rec.ApplicationID),
		rec.Prediction,
		rec.Probability,
		string(rec.OverrideState),
		rec.OverrideReason,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update decision rows: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

const decisionColumns = `
	application_id, subject_id, prediction, probability, model_version,
	contributions, attributes, override_state, override_reason,
	created_at, updated_at
`

func (s *Store) GetDecision(ctx context.Context, appID id.ApplicationID) (ledger.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE application_id = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(appID))
	rec, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DecisionRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return ledger.DecisionRecord{}, fmt.Errorf("get decision: %w", err)
	}
	return rec, nil
}

func (s *Store) QueryDecisions(ctx context.Context, filter ledger.DecisionFilter) ([]ledger.DecisionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = ledger.DefaultQueryLimit
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions`
	args := []any{}
	if !filter.SubjectID.IsNil() {
		query += ` WHERE subject_id = $1`
		args = append(args, uuid.UUID(filter.SubjectID))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, application_id DESC LIMIT %d`, limit)

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var records []ledger.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, event ledger.AuditEvent) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO audit_events (actor_id, actor_role, action, application_id, subject_id, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING sequence
	`
	var seq int64
	err = s.execer(ctx).QueryRowContext(ctx, query,
		nullableUUID(uuid.UUID(event.ActorID)),
		event.ActorRole,
		event.Action,
		nullableUUID(uuid.UUID(event.ApplicationID)),
		nullableUUID(uuid.UUID(event.SubjectID)),
		event.Timestamp,
		payload,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return seq, nil
}

func (s *Store) QueryAudits(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = ledger.DefaultQueryLimit
	}

	query := `
		SELECT sequence, actor_id, actor_role, action, application_id, subject_id, timestamp, payload
		FROM audit_events
	`
	var (
		args  []any
		where string
	)
	if !filter.SubjectID.IsNil() {
		args = append(args, uuid.UUID(filter.SubjectID))
		where = fmt.Sprintf("subject_id = $%d", len(args))
	}
	if !filter.ApplicationID.IsNil() {
		args = append(args, uuid.UUID(filter.ApplicationID))
		if where != "" {
			where += " AND "
		}
		where += fmt.Sprintf("application_id = $%d", len(args))
	}
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT %d", limit)

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []ledger.AuditEvent
	for rows.Next() {
		var (
			event    ledger.AuditEvent
			actorID  sql.Null[uuid.UUID]
			appID    sql.Null[uuid.UUID]
			subject  sql.Null[uuid.UUID]
			payload  []byte
		)
		if err := rows.Scan(&event.Sequence, &actorID, &event.ActorRole, &event.Action, &appID, &subject, &event.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if actorID.Valid {
			event.ActorID = id.ActorID(actorID.V)
		}
		if appID.Valid {
			event.ApplicationID = id.ApplicationID(appID.V)
		}
		if subject.Valid {
			event.SubjectID = id.ActorID(subject.V)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (ledger.DecisionRecord, error) {
	var (
		rec           ledger.DecisionRecord
		appID         uuid.UUID
		subjectID     uuid.UUID
		state         string
		contributions []byte
		attributes    []byte
	)
	err := row.Scan(
		&appID, &subjectID, &rec.Prediction, &rec.Probability, &rec.ModelVersion,
		&contributions, &attributes, &state, &rec.OverrideReason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return ledger.DecisionRecord{}, err
	}
	rec.ApplicationID = id.ApplicationID(appID)
	rec.SubjectID = id.ActorID(subjectID)
	rec.OverrideState = ledger.OverrideState(state)
	if err := json.Unmarshal(contributions, &rec.Contributions); err != nil {
		return ledger.DecisionRecord{}, fmt.Errorf("unmarshal contributions: %w", err)
	}
	if err := json.Unmarshal(attributes, &rec.Attributes); err != nil {
		return ledger.DecisionRecord{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return rec, nil
}

func nullableUUID(u uuid.UUID) any {
	if u == uuid.Nil {
		return nil
	}
	return u
}
