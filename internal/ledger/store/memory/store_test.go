package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"fairway/internal/ledger"
	id "fairway/pkg/domain"
	"fairway/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
}

func newAppID() id.ApplicationID { return id.ApplicationID(uuid.New()) }
func newActorID() id.ActorID     { return id.ActorID(uuid.New()) }

func (s *MemoryStoreSuite) record(appID id.ApplicationID, subject id.ActorID) ledger.DecisionRecord {
	return ledger.DecisionRecord{
		ApplicationID: appID,
		SubjectID:     subject,
		Prediction:    true,
		Probability:   0.82,
		ModelVersion:  "1.0",
		Attributes:    map[string]string{"gender": "female"},
	}
}

func (s *MemoryStoreSuite) TestAppendDecision() {
	s.Run("assigns timestamps and default state", func() {
		appID := newAppID()
		s.Require().NoError(s.store.AppendDecision(s.ctx, s.record(appID, newActorID())))

		rec, err := s.store.GetDecision(s.ctx, appID)
		s.Require().NoError(err)
		s.False(rec.CreatedAt.IsZero())
		s.Equal(rec.CreatedAt, rec.UpdatedAt)
		s.Equal(ledger.OverrideNone, rec.OverrideState)
	})

	s.Run("duplicate application id rejected", func() {
		appID := newAppID()
		s.Require().NoError(s.store.AppendDecision(s.ctx, s.record(appID, newActorID())))

		err := s.store.AppendDecision(s.ctx, s.record(appID, newActorID()))
		s.ErrorIs(err, sentinel.ErrDuplicate)
	})

	s.Run("returned record does not alias store state", func() {
		appID := newAppID()
		s.Require().NoError(s.store.AppendDecision(s.ctx, s.record(appID, newActorID())))

		rec, err := s.store.GetDecision(s.ctx, appID)
		s.Require().NoError(err)
		rec.Attributes["gender"] = "tampered"

		fresh, err := s.store.GetDecision(s.ctx, appID)
		s.Require().NoError(err)
		s.Equal("female", fresh.Attributes["gender"])
	})
}

// Exactly one concurrent creation with the same application id may win.
func (s *MemoryStoreSuite) TestConcurrentAppendDecisionSingleWinner() {
	appID := newAppID()
	const goroutines = 32

	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := range goroutines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.store.AppendDecision(s.ctx, s.record(appID, newActorID()))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			s.ErrorIs(err, sentinel.ErrDuplicate)
		}
	}
	s.Equal(1, winners)
}

func (s *MemoryStoreSuite) TestUpdateDecision() {
	s.Run("missing record", func() {
		err := s.store.UpdateDecision(s.ctx, s.record(newAppID(), newActorID()))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("created_at is preserved across updates", func() {
		appID := newAppID()
		rec := s.record(appID, newActorID())
		rec.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		s.Require().NoError(s.store.AppendDecision(s.ctx, rec))

		updated := rec
		updated.Prediction = false
		updated.OverrideState = ledger.OverrideApproved
		updated.CreatedAt = time.Now() // must be ignored
		updated.UpdatedAt = time.Now()
		s.Require().NoError(s.store.UpdateDecision(s.ctx, updated))

		stored, err := s.store.GetDecision(s.ctx, appID)
		s.Require().NoError(err)
		s.Equal(rec.CreatedAt, stored.CreatedAt)
		s.Equal(ledger.OverrideApproved, stored.OverrideState)
		s.False(stored.Prediction)
	})
}

func (s *MemoryStoreSuite) TestQueryDecisionsOrdering() {
	subject := newActorID()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := s.record(newAppID(), subject)
	older.CreatedAt = base.Add(-time.Hour)
	newer := s.record(newAppID(), subject)
	newer.CreatedAt = base

	// Two records sharing a timestamp; application id breaks the tie.
	tieA := s.record(newAppID(), subject)
	tieA.CreatedAt = base.Add(time.Hour)
	tieB := s.record(newAppID(), subject)
	tieB.CreatedAt = base.Add(time.Hour)

	for _, rec := range []ledger.DecisionRecord{older, newer, tieA, tieB} {
		s.Require().NoError(s.store.AppendDecision(s.ctx, rec))
	}

	got, err := s.store.QueryDecisions(s.ctx, ledger.DecisionFilter{SubjectID: subject})
	s.Require().NoError(err)
	s.Require().Len(got, 4)

	s.True(got[0].CreatedAt.Equal(got[1].CreatedAt))
	s.Greater(got[0].ApplicationID.String(), got[1].ApplicationID.String())
	s.True(got[1].CreatedAt.After(got[2].CreatedAt))
	s.True(got[2].CreatedAt.After(got[3].CreatedAt))
}

func (s *MemoryStoreSuite) TestQueryDecisionsFilterAndLimit() {
	mine := newActorID()
	other := newActorID()
	for range 3 {
		s.Require().NoError(s.store.AppendDecision(s.ctx, s.record(newAppID(), mine)))
	}
	s.Require().NoError(s.store.AppendDecision(s.ctx, s.record(newAppID(), other)))

	got, err := s.store.QueryDecisions(s.ctx, ledger.DecisionFilter{SubjectID: mine, Limit: 2})
	s.Require().NoError(err)
	s.Len(got, 2)
	for _, rec := range got {
		s.Equal(mine, rec.SubjectID)
	}
}

func (s *MemoryStoreSuite) TestAppendAuditAssignsSequenceAndTimestamp() {
	seq1, err := s.store.AppendAudit(s.ctx, ledger.AuditEvent{Action: ledger.ActionDecisionRecorded})
	s.Require().NoError(err)
	seq2, err := s.store.AppendAudit(s.ctx, ledger.AuditEvent{Action: ledger.ActionAdminOverride})
	s.Require().NoError(err)

	s.Equal(int64(1), seq1)
	s.Equal(int64(2), seq2)

	events, err := s.store.QueryAudits(s.ctx, ledger.AuditFilter{})
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.False(events[0].Timestamp.IsZero())
	// Descending sequence order.
	s.Equal(seq2, events[0].Sequence)
	s.Equal(seq1, events[1].Sequence)
}

// Sequences must be strictly increasing with no duplicates under concurrency.
func (s *MemoryStoreSuite) TestConcurrentAppendAuditUniqueSequences() {
	const goroutines = 64

	var wg sync.WaitGroup
	seqs := make([]int64, goroutines)
	for i := range goroutines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.store.AppendAudit(s.ctx, ledger.AuditEvent{Action: "concurrent"})
			s.NoError(err)
			seqs[i] = seq
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, goroutines)
	for _, seq := range seqs {
		s.False(seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
		s.Positive(seq)
	}
}

func (s *MemoryStoreSuite) TestQueryAuditsFilters() {
	appID := newAppID()
	subject := newActorID()

	_, err := s.store.AppendAudit(s.ctx, ledger.AuditEvent{Action: "a", ApplicationID: appID, SubjectID: subject})
	s.Require().NoError(err)
	_, err = s.store.AppendAudit(s.ctx, ledger.AuditEvent{Action: "b", ApplicationID: newAppID(), SubjectID: newActorID()})
	s.Require().NoError(err)
	_, err = s.store.AppendAudit(s.ctx, ledger.AuditEvent{Action: "c", ApplicationID: appID, SubjectID: subject})
	s.Require().NoError(err)

	byApp, err := s.store.QueryAudits(s.ctx, ledger.AuditFilter{ApplicationID: appID})
	s.Require().NoError(err)
	s.Require().Len(byApp, 2)
	s.Equal("c", byApp[0].Action)
	s.Equal("a", byApp[1].Action)

	bySubject, err := s.store.QueryAudits(s.ctx, ledger.AuditFilter{SubjectID: subject})
	s.Require().NoError(err)
	s.Len(bySubject, 2)
}

// Two InTx blocks on the same application must not interleave.
func (s *MemoryStoreSuite) TestInTxSerializesReadModifyWrite() {
	appID := newAppID()
	s.Require().NoError(s.store.AppendDecision(s.ctx, s.record(appID, newActorID())))

	const writers = 16
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.InTx(s.ctx, func(ctx context.Context) error {
				rec, err := s.store.GetDecision(ctx, appID)
				if err != nil {
					return err
				}
				// Abuse probability as a counter to detect lost updates.
				rec.Probability++
				if _, err := s.store.AppendAudit(ctx, ledger.AuditEvent{Action: "tx", ApplicationID: appID}); err != nil {
					return err
				}
				return s.store.UpdateDecision(ctx, rec)
			})
			s.NoError(err)
		}()
	}
	wg.Wait()

	rec, err := s.store.GetDecision(s.ctx, appID)
	s.Require().NoError(err)
	s.InDelta(0.82+writers, rec.Probability, 1e-9)

	events, err := s.store.QueryAudits(s.ctx, ledger.AuditFilter{ApplicationID: appID})
	s.Require().NoError(err)
	s.Len(events, writers)
}
