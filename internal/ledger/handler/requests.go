package handler

import (
	"net/http"
	"strconv"
	"strings"

	"fairway/internal/ledger"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
)

// RecordDecisionRequest is the HTTP request body for POST /decisions.
type RecordDecisionRequest struct {
	ApplicationID string                `json:"application_id"`
	SubjectID     string                `json:"subject_id"`
	Prediction    bool                  `json:"prediction"`
	Probability   float64               `json:"probability"`
	ModelVersion  string                `json:"model_version"`
	Contributions []ContributionPayload `json:"contributions"`
	Attributes    map[string]string     `json:"attributes"`

	// Parsed values (populated by Validate)
	parsedApplicationID id.ApplicationID
	parsedSubjectID     id.ActorID
}

// ContributionPayload is one model explanation entry in the request body.
type ContributionPayload struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Validate validates and parses the request.
func (r *RecordDecisionRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}

	r.ApplicationID = strings.TrimSpace(r.ApplicationID)
	appID, err := id.ParseApplicationID(r.ApplicationID)
	if err != nil {
		return err
	}
	r.parsedApplicationID = appID

	r.SubjectID = strings.TrimSpace(r.SubjectID)
	subjectID, err := id.ParseActorID(r.SubjectID)
	if err != nil {
		return err
	}
	r.parsedSubjectID = subjectID

	r.ModelVersion = strings.TrimSpace(r.ModelVersion)
	if r.ModelVersion == "" {
		return dErrors.New(dErrors.CodeValidation, "model_version is required")
	}
	return nil
}

// ToRecord converts the validated request into a domain record.
func (r *RecordDecisionRequest) ToRecord() ledger.DecisionRecord {
	rec := ledger.DecisionRecord{
		ApplicationID: r.parsedApplicationID,
		SubjectID:     r.parsedSubjectID,
		Prediction:    r.Prediction,
		Probability:   r.Probability,
		ModelVersion:  r.ModelVersion,
		Attributes:    r.Attributes,
	}
	for _, c := range r.Contributions {
		rec.Contributions = append(rec.Contributions, ledger.FeatureContribution{
			Feature:      c.Feature,
			Value:        c.Value,
			Contribution: c.Contribution,
		})
	}
	return rec
}

// decisionFilterFromQuery builds a DecisionFilter from query parameters.
func decisionFilterFromQuery(r *http.Request) (ledger.DecisionFilter, error) {
	var filter ledger.DecisionFilter
	if raw := r.URL.Query().Get("subject_id"); raw != "" {
		subjectID, err := id.ParseActorID(raw)
		if err != nil {
			return ledger.DecisionFilter{}, err
		}
		filter.SubjectID = subjectID
	}
	limit, err := limitFromQuery(r)
	if err != nil {
		return ledger.DecisionFilter{}, err
	}
	filter.Limit = limit
	return filter, nil
}

// auditFilterFromQuery builds an AuditFilter from query parameters.
func auditFilterFromQuery(r *http.Request) (ledger.AuditFilter, error) {
	var filter ledger.AuditFilter
	if raw := r.URL.Query().Get("subject_id"); raw != "" {
		subjectID, err := id.ParseActorID(raw)
		if err != nil {
			return ledger.AuditFilter{}, err
		}
		filter.SubjectID = subjectID
	}
	if raw := r.URL.Query().Get("application_id"); raw != "" {
		appID, err := id.ParseApplicationID(raw)
		if err != nil {
			return ledger.AuditFilter{}, err
		}
		filter.ApplicationID = appID
	}
	limit, err := limitFromQuery(r)
	if err != nil {
		return ledger.AuditFilter{}, err
	}
	filter.Limit = limit
	return filter, nil
}

func limitFromQuery(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer")
	}
	return limit, nil
}
