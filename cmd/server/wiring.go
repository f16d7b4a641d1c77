package main

import (
	"sync/atomic"

	"fairway/internal/ledger"
	"fairway/internal/policy"
)

func policyTable() *policy.Table {
	return policy.DefaultTable()
}

// lateValidator breaks the construction cycle between the ledger service,
// which validates protected attributes, and the fairness service, which both
// provides that validation and ledgers its reports through the ledger
// service. Until bound it accepts everything.
type lateValidator struct {
	v atomic.Pointer[ledger.AttributeValidator]
}

func (l *lateValidator) bind(v ledger.AttributeValidator) {
	l.v.Store(&v)
}

func (l *lateValidator) ValidateAttributes(attrs map[string]string) error {
	if v := l.v.Load(); v != nil {
		return (*v).ValidateAttributes(attrs)
	}
	return nil
}
