package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"fairway/internal/consent"
	"fairway/internal/ledger/metrics"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/sentinel"
	"fairway/pkg/requestcontext"
)

// ExportScope names how much of an audit event an exporting actor may see.
type ExportScope string

const (
	// ExportLimited strips action payloads before the events leave the system.
	ExportLimited ExportScope = "limited"
	// ExportFull returns events as persisted.
	ExportFull ExportScope = "full"
)

// exportLimitedCap bounds how many events a limited export may pull.
const exportLimitedCap = 500

// AttributeValidator checks submitted protected attributes against the
// configured enumeration. Unknown attributes or group values are rejected at
// ingestion so the fairness pipeline never sees shapes it cannot aggregate.
type AttributeValidator interface {
	ValidateAttributes(attrs map[string]string) error
}

// Service orchestrates decision ingestion and audit access on top of a Store.
// Permission guards run here; handlers only translate HTTP.
type Service struct {
	store     Store
	table     *policy.Table
	consent   consent.Checker
	validator AttributeValidator
	feed      FeedSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "ledger")
	}
}

func WithFeedSink(feed FeedSink) Option {
	return func(s *Service) {
		s.feed = feed
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAttributeValidator(v AttributeValidator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

func NewService(store Store, table *policy.Table, checker consent.Checker, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if table == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if checker == nil {
		return nil, fmt.Errorf("consent checker is required")
	}

	svc := &Service{
		store:   store,
		table:   table,
		consent: checker,
		logger:  slog.Default().With("component", "ledger"),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// RecordDecision appends a scored application outcome and its audit event.
// Subjects may only submit applications for themselves; the consent system
// must hold an active decision-scoring grant for the subject.
func (s *Service) RecordDecision(ctx context.Context, actor policy.Actor, rec DecisionRecord) (DecisionRecord, error) {
	start := time.Now()

	if err := s.table.Require(policy.PermApplyForLoan)(actor); err != nil {
		s.metrics.IncrementRejected("forbidden")
		return DecisionRecord{}, err
	}
	if actor.Role == policy.RoleSubject && rec.SubjectID != actor.ID {
		s.metrics.IncrementRejected("forbidden")
		return DecisionRecord{}, dErrors.New(dErrors.CodeForbidden, "subjects may only submit their own applications")
	}
	if err := s.validateSubmission(rec); err != nil {
		s.metrics.IncrementRejected("validation")
		return DecisionRecord{}, err
	}

	granted, err := s.consent.HasConsent(ctx, rec.SubjectID, consent.PurposeDecisionScoring)
	if err != nil {
		return DecisionRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check consent")
	}
	if !granted {
		s.metrics.IncrementRejected("consent")
		return DecisionRecord{}, dErrors.New(dErrors.CodeForbidden, "subject has not consented to decision scoring")
	}

	now := requestcontext.Now(ctx)
	rec.OverrideState = OverrideNone
	rec.OverrideReason = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now

	event := AuditEvent{
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Action:        ActionDecisionRecorded,
		ApplicationID: rec.ApplicationID,
		SubjectID:     rec.SubjectID,
		Timestamp:     now,
		Payload: Payload{
			"prediction":    outcomeLabel(rec.Prediction),
			"probability":   strconv.FormatFloat(rec.Probability, 'f', -1, 64),
			"model_version": rec.ModelVersion,
		},
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.AppendDecision(ctx, rec); err != nil {
			return err
		}
		seq, err := s.store.AppendAudit(ctx, event)
		if err != nil {
			return err
		}
		event.Sequence = seq
		return nil
	})
	if errors.Is(err, sentinel.ErrDuplicate) {
		s.metrics.IncrementRejected("duplicate")
		return DecisionRecord{}, dErrors.New(dErrors.CodeConflict, "application already has a recorded decision")
	}
	if err != nil {
		return DecisionRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record decision")
	}

	s.notify(event)
	s.metrics.IncrementRecorded(outcomeLabel(rec.Prediction))
	s.metrics.IncrementAudit(ActionDecisionRecorded)
	s.metrics.ObserveRecordLatency(time.Since(start))

	s.logger.InfoContext(ctx, "decision recorded",
		"request_id", requestcontext.RequestID(ctx),
		"application_id", rec.ApplicationID,
		"prediction", outcomeLabel(rec.Prediction),
		"model_version", rec.ModelVersion,
	)
	return rec, nil
}

func (s *Service) validateSubmission(rec DecisionRecord) error {
	if rec.ApplicationID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "application_id is required")
	}
	if rec.SubjectID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "subject_id is required")
	}
	if rec.Probability < 0 || rec.Probability > 1 {
		return dErrors.New(dErrors.CodeValidation, "probability must be within [0, 1]")
	}
	if rec.ModelVersion == "" {
		return dErrors.New(dErrors.CodeValidation, "model_version is required")
	}
	for _, c := range rec.Contributions {
		if c.Feature == "" {
			return dErrors.New(dErrors.CodeValidation, "contribution feature name must not be empty")
		}
	}
	if s.validator != nil {
		if err := s.validator.ValidateAttributes(rec.Attributes); err != nil {
			return err
		}
	}
	return nil
}

// GetDecision returns one record. Actors with ViewAllLogs see any record;
// actors with only ViewOwnLog get not-found for records they do not own, so
// foreign application ids stay unguessable.
func (s *Service) GetDecision(ctx context.Context, actor policy.Actor, appID id.ApplicationID) (DecisionRecord, error) {
	viewAll := s.table.HasPermission(actor, policy.PermViewAllLogs)
	if !viewAll {
		if err := s.table.Require(policy.PermViewOwnLog)(actor); err != nil {
			return DecisionRecord{}, err
		}
	}

	rec, err := s.store.GetDecision(ctx, appID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return DecisionRecord{}, dErrors.New(dErrors.CodeNotFound, "decision not found")
	}
	if err != nil {
		return DecisionRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load decision")
	}
	if !viewAll && rec.SubjectID != actor.ID {
		return DecisionRecord{}, dErrors.New(dErrors.CodeNotFound, "decision not found")
	}
	return rec, nil
}

// ListDecisions returns records matching the filter. Actors without
// ViewAllLogs are pinned to their own subject id regardless of the filter.
func (s *Service) ListDecisions(ctx context.Context, actor policy.Actor, filter DecisionFilter) ([]DecisionRecord, error) {
	if !s.table.HasPermission(actor, policy.PermViewAllLogs) {
		if err := s.table.Require(policy.PermViewOwnLog)(actor); err != nil {
			return nil, err
		}
		filter.SubjectID = actor.ID
	}

	records, err := s.store.QueryDecisions(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query decisions")
	}
	return records, nil
}

// ListAudits returns audit events matching the filter, newest first.
func (s *Service) ListAudits(ctx context.Context, actor policy.Actor, filter AuditFilter) ([]AuditEvent, error) {
	if err := s.table.Require(policy.PermViewAllLogs)(actor); err != nil {
		return nil, err
	}

	events, err := s.store.QueryAudits(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit events")
	}
	return events, nil
}

// ExportAudits returns audit events for out-of-band review and ledgers the
// export itself. Full scope requires ExportLogsFull; limited scope strips
// payloads and caps the window.
func (s *Service) ExportAudits(ctx context.Context, actor policy.Actor, filter AuditFilter) ([]AuditEvent, ExportScope, error) {
	scope := ExportFull
	if !s.table.HasPermission(actor, policy.PermExportLogsFull) {
		if err := s.table.Require(policy.PermExportLogsLimited)(actor); err != nil {
			return nil, "", err
		}
		scope = ExportLimited
		if filter.Limit <= 0 || filter.Limit > exportLimitedCap {
			filter.Limit = exportLimitedCap
		}
	}

	events, err := s.store.QueryAudits(ctx, filter)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to export audit events")
	}
	if scope == ExportLimited {
		for i := range events {
			events[i].Payload = nil
		}
	}

	if _, err := s.Emit(ctx, AuditEvent{
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Action:    ActionLogsExported,
		Payload: Payload{
			"scope": string(scope),
			"count": strconv.Itoa(len(events)),
		},
	}); err != nil {
		return nil, "", err
	}
	s.metrics.IncrementExport(string(scope))

	return events, scope, nil
}

// Emit appends an audit event on behalf of another governance service,
// assigning timestamp and sequence, and fans it out to the feed.
func (s *Service) Emit(ctx context.Context, event AuditEvent) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	seq, err := s.store.AppendAudit(ctx, event)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append audit event")
	}
	event.Sequence = seq
	s.notify(event)
	s.metrics.IncrementAudit(event.Action)
	return seq, nil
}

func (s *Service) notify(event AuditEvent) {
	if s.feed != nil {
		s.feed.Notify(event)
	}
}

func outcomeLabel(prediction bool) string {
	if prediction {
		return "approved"
	}
	return "denied"
}
