package handler

import (
	"time"

	"fairway/internal/ledger"
)

// DecisionResponse is the HTTP shape of a decision record.
type DecisionResponse struct {
	ApplicationID  string                `json:"application_id"`
	SubjectID      string                `json:"subject_id"`
	Prediction     bool                  `json:"prediction"`
	Probability    float64               `json:"probability"`
	ModelVersion   string                `json:"model_version"`
	Contributions  []ContributionPayload `json:"contributions,omitempty"`
	Attributes     map[string]string     `json:"attributes,omitempty"`
	OverrideState  string                `json:"override_state"`
	OverrideReason string                `json:"override_reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// FromRecord converts a domain record to its HTTP shape.
func FromRecord(rec ledger.DecisionRecord) DecisionResponse {
	resp := DecisionResponse{
		ApplicationID:  rec.ApplicationID.String(),
		SubjectID:      rec.SubjectID.String(),
		Prediction:     rec.Prediction,
		Probability:    rec.Probability,
		ModelVersion:   rec.ModelVersion,
		Attributes:     rec.Attributes,
		OverrideState:  string(rec.OverrideState),
		OverrideReason: rec.OverrideReason,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	for _, c := range rec.Contributions {
		resp.Contributions = append(resp.Contributions, ContributionPayload{
			Feature:      c.Feature,
			Value:        c.Value,
			Contribution: c.Contribution,
		})
	}
	return resp
}

// AuditEventResponse is the HTTP shape of an audit event.
type AuditEventResponse struct {
	Sequence      int64             `json:"sequence"`
	ActorID       string            `json:"actor_id,omitempty"`
	ActorRole     string            `json:"actor_role,omitempty"`
	Action        string            `json:"action"`
	ApplicationID string            `json:"application_id,omitempty"`
	SubjectID     string            `json:"subject_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// FromEvent converts a domain audit event to its HTTP shape.
func FromEvent(event ledger.AuditEvent) AuditEventResponse {
	resp := AuditEventResponse{
		Sequence:  event.Sequence,
		Action:    event.Action,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
		ActorRole: event.ActorRole,
	}
	if !event.ActorID.IsNil() {
		resp.ActorID = event.ActorID.String()
	}
	if !event.ApplicationID.IsNil() {
		resp.ApplicationID = event.ApplicationID.String()
	}
	if !event.SubjectID.IsNil() {
		resp.SubjectID = event.SubjectID.String()
	}
	return resp
}

// ListResponse wraps a collection so the envelope stays extensible.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}
