package override_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"fairway/internal/ledger"
	"fairway/internal/ledger/store/memory"
	"fairway/internal/override"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	store *memory.Store
	svc   *override.Service

	subject  policy.Actor
	reviewer policy.Actor
	admin    policy.Actor
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = memory.New()

	svc, err := override.New(s.store, policy.DefaultTable())
	s.Require().NoError(err)
	s.svc = svc

	s.subject = policy.Actor{ID: id.ActorID(uuid.New()), Role: policy.RoleSubject}
	s.reviewer = policy.Actor{ID: id.ActorID(uuid.New()), Role: policy.RoleReviewer}
	s.admin = policy.Actor{ID: id.ActorID(uuid.New()), Role: policy.RoleAdministrator}
}

// seedDecision appends a denied decision for the suite's subject.
func (s *ServiceSuite) seedDecision() ledger.DecisionRecord {
	rec := ledger.DecisionRecord{
		ApplicationID: id.ApplicationID(uuid.New()),
		SubjectID:     s.subject.ID,
		Prediction:    false,
		Probability:   0.31,
		ModelVersion:  "credit-risk-v3",
	}
	s.Require().NoError(s.store.AppendDecision(context.Background(), rec))
	stored, err := s.store.GetDecision(context.Background(), rec.ApplicationID)
	s.Require().NoError(err)
	return stored
}

func (s *ServiceSuite) TestReviewerRecommendation() {
	ctx := context.Background()
	rec := s.seedDecision()

	res, err := s.svc.Override(ctx, s.reviewer, rec.ApplicationID, true, "income documentation understated")
	s.Require().NoError(err)
	s.Equal(override.OutcomeRecommended, res.Outcome)

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.False(got.Prediction, "advisory path must not change the prediction")
	s.Equal(ledger.OverrideRecommended, got.OverrideState)
	s.Equal(rec.CreatedAt, got.CreatedAt)

	events, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(ledger.ActionAuditorRecommendation, events[0].Action)
	s.Equal("true", events[0].Payload["proposed_prediction"])
	s.Equal(s.reviewer.ID, events[0].ActorID)
}

func (s *ServiceSuite) TestAdminOverrideAfterRecommendation() {
	ctx := context.Background()
	rec := s.seedDecision()

	_, err := s.svc.Override(ctx, s.reviewer, rec.ApplicationID, true, "income documentation understated")
	s.Require().NoError(err)

	res, err := s.svc.Override(ctx, s.admin, rec.ApplicationID, true, "verified with employer")
	s.Require().NoError(err)
	s.Equal(override.OutcomeApplied, res.Outcome)
	s.True(res.Record.Prediction)
	s.Equal(ledger.OverrideApproved, res.Record.OverrideState)
	s.Equal("verified with employer", res.Record.OverrideReason)

	// Newest first: the approval outranks the recommendation.
	events, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(ledger.ActionAdminOverride, events[0].Action)
	s.Equal(ledger.ActionAuditorRecommendation, events[1].Action)
	s.Greater(events[0].Sequence, events[1].Sequence)
	s.Equal("false", events[0].Payload["old_prediction"])
	s.Equal("true", events[0].Payload["new_prediction"])
}

func (s *ServiceSuite) TestRecommendationNeverDowngradesApproved() {
	ctx := context.Background()
	rec := s.seedDecision()

	_, err := s.svc.Override(ctx, s.admin, rec.ApplicationID, true, "verified with employer")
	s.Require().NoError(err)

	res, err := s.svc.Override(ctx, s.reviewer, rec.ApplicationID, false, "disagree with the approval")
	s.Require().NoError(err)
	s.Equal(override.OutcomeRecommended, res.Outcome)

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.Equal(ledger.OverrideApproved, got.OverrideState, "approved is terminal for the advisory path")
	s.True(got.Prediction)

	// The dissent is still on the record.
	events, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(ledger.ActionAuditorRecommendation, events[0].Action)
}

func (s *ServiceSuite) TestReapprovalIsLedgeredAgain() {
	ctx := context.Background()
	rec := s.seedDecision()

	_, err := s.svc.Override(ctx, s.admin, rec.ApplicationID, true, "first pass")
	s.Require().NoError(err)
	res, err := s.svc.Override(ctx, s.admin, rec.ApplicationID, false, "second look reversed it")
	s.Require().NoError(err)

	s.False(res.Record.Prediction)
	s.Equal(ledger.OverrideApproved, res.Record.OverrideState)
	s.Equal("second look reversed it", res.Record.OverrideReason)

	events, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
	s.Require().NoError(err)
	s.Len(events, 2, "every approval writes its own event")
	s.Equal("true", events[0].Payload["old_prediction"])
}

func (s *ServiceSuite) TestValidationAndPermissions() {
	ctx := context.Background()
	rec := s.seedDecision()

	s.Run("subject is refused", func() {
		_, err := s.svc.Override(ctx, s.subject, rec.ApplicationID, true, "please")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("reason is required", func() {
		_, err := s.svc.Override(ctx, s.admin, rec.ApplicationID, true, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("missing application id", func() {
		_, err := s.svc.Override(ctx, s.admin, id.ApplicationID{}, true, "reason")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown application", func() {
		_, err := s.svc.Override(ctx, s.admin, id.ApplicationID(uuid.New()), true, "reason")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("refused before the record is touched", func() {
		events, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
		s.Require().NoError(err)
		s.Empty(events, "failed requests must not ledger anything")
	})
}

func (s *ServiceSuite) TestConcurrentMixedOverrides() {
	ctx := context.Background()
	rec := s.seedDecision()

	const goroutines = 24
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if idx%2 == 0 {
				_, _ = s.svc.Override(ctx, s.admin, rec.ApplicationID, true, "apply")
			} else {
				_, _ = s.svc.Override(ctx, s.reviewer, rec.ApplicationID, false, "recommend")
			}
		}(i)
	}
	wg.Wait()

	got, err := s.store.GetDecision(ctx, rec.ApplicationID)
	s.Require().NoError(err)
	s.Equal(ledger.OverrideApproved, got.OverrideState, "at least one approval ran; none may be lost")
	s.True(got.Prediction)

	events, err := s.store.QueryAudits(ctx, ledger.AuditFilter{ApplicationID: rec.ApplicationID})
	s.Require().NoError(err)
	s.Len(events, goroutines)
	for i := 1; i < len(events); i++ {
		s.Greater(events[i-1].Sequence, events[i].Sequence)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.AuditEvent
}

func (r *recordingSink) Notify(event ledger.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *ServiceSuite) TestOverrideEventsReachFeedSink() {
	ctx := context.Background()
	sink := &recordingSink{}
	svc, err := override.New(s.store, policy.DefaultTable(), override.WithFeedSink(sink))
	s.Require().NoError(err)

	rec := s.seedDecision()

	_, err = svc.Override(ctx, s.reviewer, rec.ApplicationID, true, "income documentation understated")
	s.Require().NoError(err)
	_, err = svc.Override(ctx, s.admin, rec.ApplicationID, true, "approved on appeal")
	s.Require().NoError(err)

	s.Equal([]string{ledger.ActionAuditorRecommendation, ledger.ActionAdminOverride}, sink.actions())
}
