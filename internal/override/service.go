// Package override implements the two-path override flow for recorded
// decisions. Administrators apply overrides; reviewers only recommend them.
// Which path runs is resolved from the actor's permissions, never from a
// caller-chosen flag, so a reviewer cannot reach the mutating path by
// crafting a request.
package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fairway/internal/ledger"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/sentinel"
	"fairway/pkg/requestcontext"
)

var overrideActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fairway_override_actions_total",
	Help: "Total override requests by path and result",
}, []string{"path", "result"})

// Outcome reports which path handled an override request.
type Outcome string

const (
	// OutcomeApplied means the decision record was mutated and is final.
	OutcomeApplied Outcome = "applied"
	// OutcomeRecommended means an advisory event was ledgered; the record's
	// prediction is untouched.
	OutcomeRecommended Outcome = "recommended"
)

// Result is the record state after an override request, plus the path taken
// and the sequence of the audit event that captured it.
type Result struct {
	Record   ledger.DecisionRecord
	Outcome  Outcome
	Sequence int64
}

// Service runs override requests against the ledger store. Mutation and its
// audit event share one transaction; a crash between them cannot leave the
// record changed without a trace.
type Service struct {
	store  ledger.Store
	table  *policy.Table
	feed   ledger.FeedSink
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "override")
	}
}

func WithFeedSink(feed ledger.FeedSink) Option {
	return func(s *Service) {
		s.feed = feed
	}
}

func New(store ledger.Store, table *policy.Table, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if table == nil {
		return nil, fmt.Errorf("policy table is required")
	}

	svc := &Service{
		store:  store,
		table:  table,
		logger: slog.Default().With("component", "override"),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Override requests a new decision for an application. Actors holding
// ApproveOverride mutate the record; actors holding only RecommendOverride
// ledger an advisory event. Everyone else is refused before the record is
// read. Re-applying an already approved override is allowed and ledgered
// again; a recommendation never changes an approved record.
func (s *Service) Override(ctx context.Context, actor policy.Actor, appID id.ApplicationID, newDecision bool, reason string) (Result, error) {
	if appID.IsNil() {
		return Result{}, dErrors.New(dErrors.CodeValidation, "application_id is required")
	}
	if reason == "" {
		return Result{}, dErrors.New(dErrors.CodeValidation, "reason is required")
	}

	switch {
	case s.table.HasPermission(actor, policy.PermApproveOverride):
		return s.apply(ctx, actor, appID, newDecision, reason)
	case s.table.HasPermission(actor, policy.PermRecommendOverride):
		return s.recommend(ctx, actor, appID, newDecision, reason)
	default:
		overrideActions.WithLabelValues("none", "forbidden").Inc()
		return Result{}, dErrors.New(dErrors.CodeForbidden, "actor may neither approve nor recommend overrides")
	}
}

func (s *Service) apply(ctx context.Context, actor policy.Actor, appID id.ApplicationID, newDecision bool, reason string) (Result, error) {
	var (
		rec   ledger.DecisionRecord
		event ledger.AuditEvent
	)

	err := s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.store.GetDecision(ctx, appID)
		if err != nil {
			return err
		}

		old := rec.Prediction
		rec.Prediction = newDecision
		rec.OverrideState = ledger.OverrideApproved
		rec.OverrideReason = reason
		rec.UpdatedAt = requestcontext.Now(ctx)

		if err := s.store.UpdateDecision(ctx, rec); err != nil {
			return err
		}

		event = ledger.AuditEvent{
			ActorID:       actor.ID,
			ActorRole:     string(actor.Role),
			Action:        ledger.ActionAdminOverride,
			ApplicationID: appID,
			SubjectID:     rec.SubjectID,
			Timestamp:     rec.UpdatedAt,
			Payload: ledger.Payload{
				"old_prediction": strconv.FormatBool(old),
				"new_prediction": strconv.FormatBool(newDecision),
				"reason":         reason,
			},
		}
		event.Sequence, err = s.store.AppendAudit(ctx, event)
		return err
	})
	if err != nil {
		overrideActions.WithLabelValues("apply", "error").Inc()
		return Result{}, translate(err)
	}

	s.notify(event)
	overrideActions.WithLabelValues("apply", "ok").Inc()
	s.logger.InfoContext(ctx, "override applied",
		"request_id", requestcontext.RequestID(ctx),
		"application_id", appID,
		"new_prediction", newDecision,
	)
	return Result{Record: rec, Outcome: OutcomeApplied, Sequence: event.Sequence}, nil
}

func (s *Service) recommend(ctx context.Context, actor policy.Actor, appID id.ApplicationID, proposed bool, reason string) (Result, error) {
	var (
		rec   ledger.DecisionRecord
		event ledger.AuditEvent
	)

	err := s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.store.GetDecision(ctx, appID)
		if err != nil {
			return err
		}

		now := requestcontext.Now(ctx)

		// The advisory path may only move an untouched record to Recommended.
		// Approved is terminal for this path; Recommended stays as is.
		if rec.OverrideState == ledger.OverrideNone {
			rec.OverrideState = ledger.OverrideRecommended
			rec.UpdatedAt = now
			if err := s.store.UpdateDecision(ctx, rec); err != nil {
				return err
			}
		}

		event = ledger.AuditEvent{
			ActorID:       actor.ID,
			ActorRole:     string(actor.Role),
			Action:        ledger.ActionAuditorRecommendation,
			ApplicationID: appID,
			SubjectID:     rec.SubjectID,
			Timestamp:     now,
			Payload: ledger.Payload{
				"proposed_prediction": strconv.FormatBool(proposed),
				"reason":              reason,
			},
		}
		event.Sequence, err = s.store.AppendAudit(ctx, event)
		return err
	})
	if err != nil {
		overrideActions.WithLabelValues("recommend", "error").Inc()
		return Result{}, translate(err)
	}

	s.notify(event)
	overrideActions.WithLabelValues("recommend", "ok").Inc()
	s.logger.InfoContext(ctx, "override recommended",
		"request_id", requestcontext.RequestID(ctx),
		"application_id", appID,
		"proposed_prediction", proposed,
	)
	return Result{Record: rec, Outcome: OutcomeRecommended, Sequence: event.Sequence}, nil
}

func (s *Service) notify(event ledger.AuditEvent) {
	if s.feed != nil {
		s.feed.Notify(event)
	}
}

func translate(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "decision not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "override failed")
}
