// Package domain holds shared identifier types used across services.
//
// IDs are distinct named types over uuid.UUID so the compiler rejects
// accidental cross-assignment (an ActorID can never be passed where an
// ApplicationID is expected). Parsing enforces the invariant that IDs are
// valid, non-nil UUIDs at every trust boundary.
package domain

import (
	"github.com/google/uuid"

	dErrors "fairway/pkg/domain-errors"
)

// ActorID identifies an authenticated actor (loan subject, reviewer, or
// administrator).
type ActorID uuid.UUID

// ApplicationID identifies one scored loan application. Assigned by the
// external scoring pipeline, unique per decision record.
type ApplicationID uuid.UUID

// ReportID identifies a generated fairness report.
type ReportID uuid.UUID

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" must not be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" must not be the nil UUID")
	}
	return u, nil
}

// ParseActorID validates and converts a string into an ActorID.
func ParseActorID(s string) (ActorID, error) {
	u, err := parseUUID(s, "actor id")
	return ActorID(u), err
}

// ParseApplicationID validates and converts a string into an ApplicationID.
func ParseApplicationID(s string) (ApplicationID, error) {
	u, err := parseUUID(s, "application id")
	return ApplicationID(u), err
}

// NewReportID mints a fresh report identifier.
func NewReportID() ReportID { return ReportID(uuid.New()) }

func (id ActorID) String() string       { return uuid.UUID(id).String() }
func (id ApplicationID) String() string { return uuid.UUID(id).String() }
func (id ReportID) String() string      { return uuid.UUID(id).String() }

func (id ActorID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id ApplicationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ReportID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }

// Named types over uuid.UUID do not inherit its methods, so JSON would render
// them as byte arrays without these.

func (id ActorID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id ApplicationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id ReportID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }

func (id *ActorID) UnmarshalText(text []byte) error {
	parsed, err := ParseActorID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ApplicationID) UnmarshalText(text []byte) error {
	parsed, err := ParseApplicationID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ReportID) UnmarshalText(text []byte) error {
	u, err := parseUUID(string(text), "report id")
	if err != nil {
		return err
	}
	*id = ReportID(u)
	return nil
}
