// Package consent is the boundary to the consent system. Decision scoring
// must not proceed without an affirmative grant, so the ledger checks here
// before any record is created.
package consent

import (
	"context"
	"sync"

	id "fairway/pkg/domain"
)

// Purpose identifies what the subject consented to.
type Purpose string

const (
	// PurposeDecisionScoring covers automated scoring of a loan application.
	PurposeDecisionScoring Purpose = "decision_scoring"
)

// Checker answers whether a subject holds an active grant for a purpose.
// An error means the consent system could not be consulted; callers must not
// treat it as a denial or a grant.
type Checker interface {
	HasConsent(ctx context.Context, subjectID id.ActorID, purpose Purpose) (bool, error)
}

// MemoryChecker is an in-process Checker for development wiring and tests.
type MemoryChecker struct {
	mu     sync.RWMutex
	grants map[id.ActorID]map[Purpose]struct{}
}

func NewMemoryChecker() *MemoryChecker {
	return &MemoryChecker{grants: make(map[id.ActorID]map[Purpose]struct{})}
}

var _ Checker = (*MemoryChecker)(nil)

// Grant records consent for a subject and purpose.
func (c *MemoryChecker) Grant(subjectID id.ActorID, purpose Purpose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.grants[subjectID]
	if !ok {
		set = make(map[Purpose]struct{})
		c.grants[subjectID] = set
	}
	set[purpose] = struct{}{}
}

// Revoke withdraws a previously recorded grant.
func (c *MemoryChecker) Revoke(subjectID id.ActorID, purpose Purpose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.grants[subjectID]; ok {
		delete(set, purpose)
	}
}

func (c *MemoryChecker) HasConsent(_ context.Context, subjectID id.ActorID, purpose Purpose) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.grants[subjectID]
	if !ok {
		return false, nil
	}
	_, granted := set[purpose]
	return granted, nil
}
