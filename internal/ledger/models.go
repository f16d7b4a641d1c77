// Package ledger is the append-only system of record for loan decisions and
// the privileged actions taken on them.
package ledger

import (
	"time"

	id "fairway/pkg/domain"
)

// OverrideState tracks how far a decision record has moved through the
// override flow. Transitions are governed by the override service; nothing
// else mutates a record after creation.
type OverrideState string

const (
	OverrideNone        OverrideState = "none"
	OverrideRecommended OverrideState = "recommended"
	OverrideApproved    OverrideState = "approved"
)

// FeatureContribution is one entry of a model explanation: a named feature,
// its input value, and its signed contribution to the score. Order is
// preserved as delivered by the scoring pipeline.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// DecisionRecord is the system-of-record outcome of one scored application.
// Created exactly once by the scoring pipeline; mutable only through the
// override flow. CreatedAt never changes; UpdatedAt advances on every
// accepted mutation.
type DecisionRecord struct {
	ApplicationID  id.ApplicationID
	SubjectID      id.ActorID
	Prediction     bool
	Probability    float64
	ModelVersion   string
	Contributions  []FeatureContribution
	Attributes     map[string]string // protected attribute -> group value
	OverrideState  OverrideState
	OverrideReason string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Audit action tags. String values are part of the persisted contract; never
// renumber or reuse.
const (
	ActionDecisionRecorded       = "decision_recorded"
	ActionAdminOverride          = "admin_override"
	ActionAuditorRecommendation  = "auditor_recommendation"
	ActionRoleChanged            = "role_changed"
	ActionFairnessReport         = "fairness_report_generated"
	ActionGovernanceRulesChanged = "governance_rules_changed"
	ActionLogsExported           = "logs_exported"
)

// Payload carries action-specific detail as a flat string map. Keeping it
// string-valued rejects loosely shaped nested structures at the boundary.
type Payload map[string]string

// AuditEvent is an immutable log entry describing a privileged action.
// Sequence is assigned by the store, is process-wide strictly increasing, and
// is the authoritative ordering (wall clocks may collide under concurrency).
type AuditEvent struct {
	Sequence      int64
	ActorID       id.ActorID
	ActorRole     string
	Action        string
	ApplicationID id.ApplicationID // zero when the action has no application
	SubjectID     id.ActorID       // owner of the affected application, zero if none
	Timestamp     time.Time
	Payload       Payload
}

// DecisionFilter selects decision records. A zero SubjectID means all
// subjects. Limit caps the result size; zero applies DefaultQueryLimit.
type DecisionFilter struct {
	SubjectID id.ActorID
	Limit     int
}

// AuditFilter selects audit events. Zero-valued fields mean "any".
type AuditFilter struct {
	SubjectID     id.ActorID
	ApplicationID id.ApplicationID
	Limit         int
}

// DefaultQueryLimit bounds queries that do not specify a limit.
const DefaultQueryLimit = 100
