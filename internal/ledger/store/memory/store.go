// Package memory provides the in-memory ledger store used by tests and
// development wiring. It favors clarity over performance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fairway/internal/ledger"
	id "fairway/pkg/domain"
	"fairway/pkg/platform/sentinel"
)

// txMarker marks a context as already holding the store mutex.
type txMarker struct{}

// Store keeps decisions and audit events under a single mutex, which is the
// store's entire mutual-exclusion domain: InTx holds the lock for the span of
// the callback, making read-modify-write sequences atomic.
type Store struct {
	mu        sync.Mutex
	decisions map[id.ApplicationID]ledger.DecisionRecord
	audits    []ledger.AuditEvent
	seq       int64
}

// New creates an empty in-memory ledger store.
func New() *Store {
	return &Store{decisions: make(map[id.ApplicationID]ledger.DecisionRecord)}
}

var _ ledger.Store = (*Store)(nil)

// InTx serializes the callback against all other store operations. Calls made
// inside fn with the derived context skip re-locking.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, txMarker{}, true))
}

func (s *Store) acquire(ctx context.Context) (release func()) {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) AppendDecision(ctx context.Context, rec ledger.DecisionRecord) error {
	defer s.acquire(ctx)()

	if _, exists := s.decisions[rec.ApplicationID]; exists {
		return sentinel.ErrDuplicate
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.OverrideState == "" {
		rec.OverrideState = ledger.OverrideNone
	}
	s.decisions[rec.ApplicationID] = copyRecord(rec)
	return nil
}

func (s *Store) UpdateDecision(ctx context.Context, rec ledger.DecisionRecord) error {
	defer s.acquire(ctx)()

	current, exists := s.decisions[rec.ApplicationID]
	if !exists {
		return sentinel.ErrNotFound
	}
	rec.CreatedAt = current.CreatedAt // created_at never changes
	s.decisions[rec.ApplicationID] = copyRecord(rec)
	return nil
}

func (s *Store) GetDecision(ctx context.Context, appID id.ApplicationID) (ledger.DecisionRecord, error) {
	defer s.acquire(ctx)()

	rec, exists := s.decisions[appID]
	if !exists {
		return ledger.DecisionRecord{}, sentinel.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) QueryDecisions(ctx context.Context, filter ledger.DecisionFilter) ([]ledger.DecisionRecord, error) {
	defer s.acquire(ctx)()

	matches := make([]ledger.DecisionRecord, 0, len(s.decisions))
	for _, rec := range s.decisions {
		if !filter.SubjectID.IsNil() && rec.SubjectID != filter.SubjectID {
			continue
		}
		matches = append(matches, copyRecord(rec))
	}

	// created_at descending; application_id descending breaks timestamp ties.
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ApplicationID.String() > matches[j].ApplicationID.String()
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = ledger.DefaultQueryLimit
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) AppendAudit(ctx context.Context, event ledger.AuditEvent) (int64, error) {
	defer s.acquire(ctx)()

	s.seq++
	event.Sequence = s.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.audits = append(s.audits, copyEvent(event))
	return event.Sequence, nil
}

func (s *Store) QueryAudits(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	defer s.acquire(ctx)()

	matches := make([]ledger.AuditEvent, 0, len(s.audits))
	for _, event := range s.audits {
		if !filter.SubjectID.IsNil() && event.SubjectID != filter.SubjectID {
			continue
		}
		if !filter.ApplicationID.IsNil() && event.ApplicationID != filter.ApplicationID {
			continue
		}
		matches = append(matches, copyEvent(event))
	}

	// Sequence is the authoritative order, not wall-clock time.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Sequence > matches[j].Sequence
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = ledger.DefaultQueryLimit
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// copyRecord deep-copies mutable members so callers never alias store state.
func copyRecord(rec ledger.DecisionRecord) ledger.DecisionRecord {
	if rec.Contributions != nil {
		rec.Contributions = append([]ledger.FeatureContribution(nil), rec.Contributions...)
	}
	if rec.Attributes != nil {
		attrs := make(map[string]string, len(rec.Attributes))
		for k, v := range rec.Attributes {
			attrs[k] = v
		}
		rec.Attributes = attrs
	}
	return rec
}

func copyEvent(event ledger.AuditEvent) ledger.AuditEvent {
	if event.Payload != nil {
		payload := make(ledger.Payload, len(event.Payload))
		for k, v := range event.Payload {
			payload[k] = v
		}
		event.Payload = payload
	}
	return event
}
