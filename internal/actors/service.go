package actors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fairway/internal/ledger"
	"fairway/internal/policy"
	id "fairway/pkg/domain"
	dErrors "fairway/pkg/domain-errors"
	"fairway/pkg/platform/sentinel"
	"fairway/pkg/requestcontext"
)

// Auditor ledgers role changes.
type Auditor interface {
	Emit(ctx context.Context, event ledger.AuditEvent) (int64, error)
}

// Service manages actor roles. Only ManageRoles holders may change them.
type Service struct {
	store   Store
	table   *policy.Table
	auditor Auditor
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "actors")
	}
}

func NewService(store Store, table *policy.Table, auditor Auditor, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("actor store is required")
	}
	if table == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}

	svc := &Service{
		store:   store,
		table:   table,
		auditor: auditor,
		logger:  slog.Default().With("component", "actors"),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Register creates an actor with an initial role without ledgering; it exists
// for bootstrap wiring, not for runtime privilege changes.
func (s *Service) Register(ctx context.Context, actorID id.ActorID, role policy.Role) (Actor, error) {
	if actorID.IsNil() {
		return Actor{}, dErrors.New(dErrors.CodeValidation, "actor id is required")
	}
	if _, err := policy.ParseRole(string(role)); err != nil {
		return Actor{}, err
	}
	actor := Actor{ID: actorID, Role: role}
	if err := s.store.Save(ctx, actor); err != nil {
		return Actor{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save actor")
	}
	return actor, nil
}

// Get returns one registered actor.
func (s *Service) Get(ctx context.Context, actorID id.ActorID) (Actor, error) {
	actor, err := s.store.Get(ctx, actorID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Actor{}, dErrors.New(dErrors.CodeNotFound, "actor not found")
	}
	if err != nil {
		return Actor{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load actor")
	}
	return actor, nil
}

// ChangeRole moves an actor to a new role and ledgers the change. The admin
// performing the change is recorded as the acting identity.
func (s *Service) ChangeRole(ctx context.Context, admin policy.Actor, actorID id.ActorID, newRole policy.Role) (Actor, error) {
	if err := s.table.Require(policy.PermManageRoles)(admin); err != nil {
		return Actor{}, err
	}
	if actorID.IsNil() {
		return Actor{}, dErrors.New(dErrors.CodeValidation, "actor id is required")
	}
	role, err := policy.ParseRole(string(newRole))
	if err != nil {
		return Actor{}, err
	}

	actor, err := s.store.Get(ctx, actorID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Actor{}, dErrors.New(dErrors.CodeNotFound, "actor not found")
	}
	if err != nil {
		return Actor{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load actor")
	}

	oldRole := actor.Role
	oldUpdatedAt := actor.UpdatedAt
	actor.Role = role
	actor.UpdatedAt = requestcontext.Now(ctx)
	if err := s.store.Save(ctx, actor); err != nil {
		return Actor{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save actor")
	}

	// A privilege change only stands once its event is ledgered; when the
	// append fails the role is put back.
	if _, err := s.auditor.Emit(ctx, ledger.AuditEvent{
		ActorID:   admin.ID,
		ActorRole: string(admin.Role),
		Action:    ledger.ActionRoleChanged,
		SubjectID: actorID,
		Payload: ledger.Payload{
			"old_role": string(oldRole),
			"new_role": string(role),
		},
	}); err != nil {
		actor.Role = oldRole
		actor.UpdatedAt = oldUpdatedAt
		if rbErr := s.store.Save(ctx, actor); rbErr != nil {
			s.logger.ErrorContext(ctx, "failed to revert unledgered role change",
				"request_id", requestcontext.RequestID(ctx),
				"actor_id", actorID,
				"error", rbErr,
			)
			return Actor{}, dErrors.Wrap(rbErr, dErrors.CodeInternal, "failed to revert unledgered role change")
		}
		return Actor{}, err
	}

	s.logger.InfoContext(ctx, "role changed",
		"request_id", requestcontext.RequestID(ctx),
		"actor_id", actorID,
		"old_role", oldRole,
		"new_role", role,
	)
	return actor, nil
}
