package ledger

import (
	"context"

	id "fairway/pkg/domain"
)

// Store is the durable backend for decisions and audit events. Implementations
// must guarantee:
//
//   - AppendDecision rejects a duplicate ApplicationID (sentinel.ErrDuplicate),
//     exactly one winner under concurrent creation.
//   - AppendAudit assigns strictly increasing sequences, never reused, and the
//     event is durable before the call returns.
//   - InTx runs fn inside a single mutual-exclusion domain: every store call
//     made with the context fn receives commits atomically with the rest, or
//     not at all. Override read-modify-write and its audit event ride on this.
//   - Reads observe consistent snapshots (no partially written records).
type Store interface {
	AppendDecision(ctx context.Context, rec DecisionRecord) error
	// UpdateDecision replaces an existing record. Only the override flow may
	// call it, and only inside InTx.
	UpdateDecision(ctx context.Context, rec DecisionRecord) error
	GetDecision(ctx context.Context, appID id.ApplicationID) (DecisionRecord, error)
	// QueryDecisions returns records sorted by CreatedAt descending, ties
	// broken by ApplicationID descending (timestamps are not unique).
	QueryDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error)
	// AppendAudit assigns the next sequence and a timestamp if unset, and
	// returns the assigned sequence.
	AppendAudit(ctx context.Context, event AuditEvent) (int64, error)
	// QueryAudits returns events sorted by Sequence descending.
	QueryAudits(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// FeedSink receives successfully persisted audit events for downstream
// fan-out (Kafka). Implementations must never block the caller; the ledger is
// already the system of record when Notify runs.
type FeedSink interface {
	Notify(event AuditEvent)
}
