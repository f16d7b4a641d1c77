//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"fairway/internal/ledger"
	"fairway/internal/ledger/store/postgres"
	id "fairway/pkg/domain"
	"fairway/pkg/platform/sentinel"
	"fairway/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.pg = mgr.GetPostgres(s.T())
	s.store = postgres.NewWithDB(s.pg.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.pg.TruncateTables(context.Background(), "decisions", "audit_events")
	s.Require().NoError(err)
}

func newDecision(subject id.ActorID) ledger.DecisionRecord {
	return ledger.DecisionRecord{
		ApplicationID: id.ApplicationID(uuid.New()),
		SubjectID:     subject,
		Prediction:    true,
		Probability:   0.82,
		ModelVersion:  "credit-risk-v3",
		Contributions: []ledger.FeatureContribution{
			{Feature: "income", Value: 54000, Contribution: 0.31},
			{Feature: "debt_ratio", Value: 0.2, Contribution: -0.12},
		},
		Attributes: map[string]string{"gender": "female", "age_band": "30-39"},
	}
}

func (s *PostgresStoreSuite) TestAppendAndGetRoundTrip() {
	ctx := context.Background()
	rec := newDecision(id.ActorID(uuid.New()))

	s.Require().NoError(s.store.AppendDecision(ctx, rec))

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.Equal(rec.ApplicationID, got.ApplicationID)
	s.Equal(rec.SubjectID, got.SubjectID)
	s.Equal(rec.Contributions, got.Contributions)
	s.Equal(rec.Attributes, got.Attributes)
	s.Equal(ledger.OverrideNone, got.OverrideState)
	s.False(got.CreatedAt.IsZero())
}

func (s *PostgresStoreSuite) TestConcurrentDuplicateApplication() {
	ctx := context.Background()
	appID := id.ApplicationID(uuid.New())
	subject := id.ActorID(uuid.New())
	const goroutines = 50

	var wg sync.WaitGroup
	var successCount, duplicateCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			rec := newDecision(subject)
			rec.ApplicationID = appID
			err := s.store.AppendDecision(ctx, rec)
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, sentinel.ErrDuplicate) {
				duplicateCount.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one append should win")
	s.Equal(int32(goroutines-1), duplicateCount.Load(), "all others should see a duplicate")
}

func (s *PostgresStoreSuite) TestUpdatePreservesCreatedAt() {
	ctx := context.Background()
	rec := newDecision(id.ActorID(uuid.New()))
	s.Require().NoError(s.store.AppendDecision(ctx, rec))

	stored, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)

	stored.Prediction = false
	stored.OverrideState = ledger.OverrideApproved
	stored.OverrideReason = "manual review found reporting error"
	stored.UpdatedAt = time.Now().Add(time.Minute)
	s.Require().NoError(s.store.UpdateDecision(ctx, stored))

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.False(got.Prediction)
	s.Equal(ledger.OverrideApproved, got.OverrideState)
	s.WithinDuration(stored.CreatedAt, got.CreatedAt, time.Millisecond)
}

func (s *PostgresStoreSuite) TestUpdateMissingDecision() {
	ctx := context.Background()
	rec := newDecision(id.ActorID(uuid.New()))
	err := s.store.UpdateDecision(ctx, rec)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestQueryDecisionsOrderingAndFilter() {
	ctx := context.Background()
	subject := id.ActorID(uuid.New())
	other := id.ActorID(uuid.New())

	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		rec := newDecision(subject)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		s.Require().NoError(s.store.AppendDecision(ctx, rec))
	}
	rec := newDecision(other)
	s.Require().NoError(s.store.AppendDecision(ctx, rec))

	all, err := s.store.QueryDecisions(ctx, ledger.DecisionFilter{})
	s.Require().NoError(err)
	s.Len(all, 6)
	for i := 1; i < len(all); i++ {
		s.False(all[i].CreatedAt.After(all[i-1].CreatedAt), "expected newest first")
	}

	mine, err := s.store.QueryDecisions(ctx, ledger.DecisionFilter{SubjectID: subject})
	s.Require().NoError(err)
	s.Len(mine, 5)
	for _, r := range mine {
		s.Equal(subject, r.SubjectID)
	}

	limited, err := s.store.QueryDecisions(ctx, ledger.DecisionFilter{Limit: 2})
	s.Require().NoError(err)
	s.Len(limited, 2)
}

func (s *PostgresStoreSuite) TestAuditSequencesStrictlyIncrease() {
	ctx := context.Background()
	const goroutines = 40

	var wg sync.WaitGroup
	seqs := make(chan int64, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			seq, err := s.store.AppendAudit(ctx, ledger.AuditEvent{
				ActorID:   id.ActorID(uuid.New()),
				ActorRole: "administrator",
				Action:    ledger.ActionDecisionRecorded,
			})
			if err == nil {
				seqs <- seq
			}
		}()
	}

	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		s.False(seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	s.Len(seen, goroutines)
}

func (s *PostgresStoreSuite) TestQueryAuditsFilters() {
	ctx := context.Background()
	subject := id.ActorID(uuid.New())
	appID := id.ApplicationID(uuid.New())

	_, err := s.store.AppendAudit(ctx, ledger.AuditEvent{
		ActorID:       subject,
		ActorRole:     "subject",
		Action:        ledger.ActionDecisionRecorded,
		ApplicationID: appID,
		SubjectID:     subject,
		Payload:       ledger.Payload{"prediction": "approved"},
	})
	s.Require().NoError(err)
	_, err = s.store.AppendAudit(ctx, ledger.AuditEvent{
		ActorID:   id.ActorID(uuid.New()),
		ActorRole: "reviewer",
		Action:    ledger.ActionLogsExported,
	})
	s.Require().NoError(err)

	bySubject, err := s.store.QueryAudits(ctx, ledger.AuditFilter{SubjectID: subject})
	s.Require().NoError(err)
	s.Require().Len(bySubject, 1)
	s.Equal(ledger.ActionDecisionRecorded, bySubject[0].Action)
	s.Equal("approved", bySubject[0].Payload["prediction"])

	byApp, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: appID})
	s.Require().NoError(err)
	s.Len(byApp, 1)

	all, err := s.store.QueryAudits(ctx, ledger.AuditFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Greater(all[0].Sequence, all[1].Sequence, "expected newest first")
}

func (s *PostgresStoreSuite) TestInTxRollsBackBothWrites() {
	ctx := context.Background()
	rec := newDecision(id.ActorID(uuid.New()))
	s.Require().NoError(s.store.AppendDecision(ctx, rec))

	boom := errors.New("boom")
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		updated := rec
		updated.OverrideState = ledger.OverrideApproved
		updated.UpdatedAt = time.Now()
		if err := s.store.UpdateDecision(ctx, updated); err != nil {
			return err
		}
		if _, err := s.store.AppendAudit(ctx, ledger.AuditEvent{
			ActorID: id.ActorID(uuid.New()),
			Action:  ledger.ActionAdminOverride,
		}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.Equal(ledger.OverrideNone, got.OverrideState, "mutation must not survive rollback")

	audits, err := s.store.QueryAudits(ctx, ledger.AuditFilter{})
	s.Require().NoError(err)
	s.Empty(audits, "audit event must not survive rollback")
}

func (s *PostgresStoreSuite) TestInTxCommitsBothWrites() {
	ctx := context.Background()
	rec := newDecision(id.ActorID(uuid.New()))
	s.Require().NoError(s.store.AppendDecision(ctx, rec))

	err := s.store.InTx(ctx, func(ctx context.Context) error {
		updated := rec
		updated.OverrideState = ledger.OverrideApproved
		updated.OverrideReason = "documentation corrected"
		updated.UpdatedAt = time.Now()
		if err := s.store.UpdateDecision(ctx, updated); err != nil {
			return err
		}
		_, err := s.store.AppendAudit(ctx, ledger.AuditEvent{
			ActorID:       id.ActorID(uuid.New()),
			Action:        ledger.ActionAdminOverride,
			ApplicationID: rec.ApplicationID,
			SubjectID:     rec.SubjectID,
		})
		return err
	})
	s.Require().NoError(err)

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.Equal(ledger.OverrideApproved, got.OverrideState)

	audits, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
	s.Require().NoError(err)
	s.Len(audits, 1)
}
