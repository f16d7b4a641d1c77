package fairness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fairway/internal/fairness/metrics"
	"fairway/internal/ledger"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/sentinel"
	"fairway/pkg/requestcontext"
)

// Reader supplies the decision snapshot one fairness run consumes. The run
// pulls once at invocation start and tolerates the snapshot going stale.
type Reader interface {
	QueryDecisions(ctx context.Context, filter ledger.DecisionFilter) ([]ledger.DecisionRecord, error)
}

// Auditor ledgers the privileged actions this module performs.
type Auditor interface {
	Emit(ctx context.Context, event ledger.AuditEvent) (int64, error)
}

// Cache holds the latest serialized report. Failures are logged and ignored;
// the cache is an optimization, never the system of record.
type Cache interface {
	StoreReport(ctx context.Context, raw []byte, ttl time.Duration) error
	LatestReport(ctx context.Context) ([]byte, error)
}

const reportCacheKey = "fairness:report:latest"

// RedisCache stores the latest report in Redis.
type RedisCache struct {
	client redis.Cmdable
}

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) StoreReport(ctx context.Context, raw []byte, ttl time.Duration) error {
	return c.client.Set(ctx, reportCacheKey, raw, ttl).Err()
}

func (c *RedisCache) LatestReport(ctx context.Context) ([]byte, error) {
	raw, err := c.client.Get(ctx, reportCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	return raw, err
}

// Rules are the runtime-adjustable governance limits.
type Rules struct {
	Thresholds    Thresholds `json:"thresholds"`
	MinSampleSize int        `json:"min_sample_size"`
}

// Service runs fairness reports over ledger snapshots and owns the mutable
// governance rules. The attribute enumeration itself is startup configuration
// and never changes at runtime.
type Service struct {
	reader  Reader
	auditor Auditor
	table   *policy.Table
	cache   Cache
	ttl     time.Duration
	limit   int
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "fairness")
	}
}

func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.ttl = ttl
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSnapshotLimit caps how many decisions one run reads.
func WithSnapshotLimit(limit int) Option {
	return func(s *Service) {
		s.limit = limit
	}
}

const defaultSnapshotLimit = 10000

func NewService(reader Reader, auditor Auditor, table *policy.Table, cfg Config, opts ...Option) (*Service, error) {
	if reader == nil {
		return nil, fmt.Errorf("decision reader is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if table == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	svc := &Service{
		reader:  reader,
		auditor: auditor,
		table:   table,
		cfg:     cfg,
		limit:   defaultSnapshotLimit,
		logger:  slog.Default().With("component", "fairness"),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// ValidateAttributes lets the ledger reject submissions carrying attributes
// this pipeline cannot aggregate.
func (s *Service) ValidateAttributes(attrs map[string]string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ValidateAttributes(attrs)
}

// GenerateReport pulls one decision snapshot, computes parity metrics, and
// ledgers the run. Predictions stand in for outcomes until true repayment
// results are observable.
func (s *Service) GenerateReport(ctx context.Context, actor policy.Actor) (Report, error) {
	if err := s.table.Require(policy.PermViewFairnessMetrics)(actor); err != nil {
		return Report{}, err
	}

	records, err := s.reader.QueryDecisions(ctx, ledger.DecisionFilter{Limit: s.limit})
	if err != nil {
		return Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read decision snapshot")
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			Prediction: rec.Prediction,
			Outcome:    rec.Prediction,
			Attributes: rec.Attributes,
		})
	}

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	report := Compute(rows, cfg)
	report.ReportID = id.NewReportID()
	report.GeneratedAt = requestcontext.Now(ctx)

	if _, err := s.auditor.Emit(ctx, ledger.AuditEvent{
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Action:    ledger.ActionFairnessReport,
		Timestamp: report.GeneratedAt,
		Payload: ledger.Payload{
			"report_id":    report.ReportID.String(),
			"status":       string(report.Status),
			"sample_count": strconv.Itoa(report.SampleCount),
			"violations":   strconv.Itoa(len(report.Violations)),
		},
	}); err != nil {
		return Report{}, err
	}

	s.observe(report)
	s.cacheReport(ctx, report)

	s.logger.InfoContext(ctx, "fairness report generated",
		"request_id", requestcontext.RequestID(ctx),
		"report_id", report.ReportID,
		"status", report.Status,
		"sample_count", report.SampleCount,
		"violations", len(report.Violations),
	)
	return report, nil
}

func (s *Service) observe(report Report) {
	s.metrics.IncrementReport(string(report.Status))
	s.metrics.SetSampleCount(report.SampleCount)
	if report.Status != StatusOK {
		return
	}

	violated := make(map[string]map[string]bool, len(report.Attributes))
	for _, v := range report.Violations {
		if violated[v.Attribute] == nil {
			violated[v.Attribute] = make(map[string]bool)
		}
		violated[v.Attribute][v.Metric] = true
	}
	for attr, am := range report.Attributes {
		if am.DemographicParityDifference != nil {
			s.metrics.SetMetricValue(attr, MetricDemographicParity, *am.DemographicParityDifference)
			s.metrics.SetViolation(attr, MetricDemographicParity, violated[attr][MetricDemographicParity])
		}
		if am.EqualOpportunityDifference != nil {
			s.metrics.SetMetricValue(attr, MetricEqualOpportunity, *am.EqualOpportunityDifference)
			s.metrics.SetViolation(attr, MetricEqualOpportunity, violated[attr][MetricEqualOpportunity])
		}
		if am.DisparateImpactRatio != nil {
			s.metrics.SetMetricValue(attr, MetricDisparateImpact, *am.DisparateImpactRatio)
			s.metrics.SetViolation(attr, MetricDisparateImpact, violated[attr][MetricDisparateImpact])
		}
	}
}

func (s *Service) cacheReport(ctx context.Context, report Report) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err == nil {
		err = s.cache.StoreReport(ctx, raw, s.ttl)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to cache fairness report",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
}

// Rules returns the current governance limits.
func (s *Service) Rules(ctx context.Context, actor policy.Actor) (Rules, error) {
	if err := s.table.Require(policy.PermViewGovernanceRules)(actor); err != nil {
		return Rules{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Rules{Thresholds: s.cfg.Thresholds, MinSampleSize: s.cfg.MinSampleSize}, nil
}

// UpdateRules replaces the governance limits and ledgers the change with its
// before and after values.
func (s *Service) UpdateRules(ctx context.Context, actor policy.Actor, rules Rules) (Rules, error) {
	if err := s.table.Require(policy.PermChangeGovernanceRules)(actor); err != nil {
		return Rules{}, err
	}
	if err := rules.Thresholds.Validate(); err != nil {
		return Rules{}, err
	}
	if rules.MinSampleSize < 1 {
		return Rules{}, dErrors.New(dErrors.CodeValidation, "min_sample_size must be at least 1")
	}

	// Ledger first: the new limits only take effect once the change event is
	// appended. The lock is held across the append so concurrent updates
	// ledger consistent before/after values.
	s.mu.Lock()
	defer s.mu.Unlock()
	old := Rules{Thresholds: s.cfg.Thresholds, MinSampleSize: s.cfg.MinSampleSize}

	if _, err := s.auditor.Emit(ctx, ledger.AuditEvent{
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Action:    ledger.ActionGovernanceRulesChanged,
		Payload: ledger.Payload{
			"old_demographic_parity_difference": formatFloat(old.Thresholds.DemographicParityDifference),
			"new_demographic_parity_difference": formatFloat(rules.Thresholds.DemographicParityDifference),
			"old_equal_opportunity_difference":  formatFloat(old.Thresholds.EqualOpportunityDifference),
			"new_equal_opportunity_difference":  formatFloat(rules.Thresholds.EqualOpportunityDifference),
			"old_disparate_impact_ratio":        formatFloat(old.Thresholds.DisparateImpactRatio),
			"new_disparate_impact_ratio":        formatFloat(rules.Thresholds.DisparateImpactRatio),
			"old_min_sample_size":               strconv.Itoa(old.MinSampleSize),
			"new_min_sample_size":               strconv.Itoa(rules.MinSampleSize),
		},
	}); err != nil {
		return Rules{}, err
	}

	s.cfg.Thresholds = rules.Thresholds
	s.cfg.MinSampleSize = rules.MinSampleSize

	s.logger.InfoContext(ctx, "governance rules changed",
		"request_id", requestcontext.RequestID(ctx),
		"actor_id", actor.ID,
	)
	return rules, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
