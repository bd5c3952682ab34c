// Package policy resolves per-member-type borrowing limits.
//
// Resolution is a pure read: tenant overrides win when present, otherwise the
// hardcoded defaults apply. Missing configuration is never an error.
package policy

import (
	"context"
	"strings"
	"sync"
)

// MemberType discriminates borrowing policy. Unknown values fall back to student.
type MemberType string

const (
	Student MemberType = "student"
	Staff   MemberType = "staff"
)

// Normalize maps free-form input onto a known member type.
func Normalize(raw string) MemberType {
	switch MemberType(strings.ToLower(strings.TrimSpace(raw))) {
	case Staff:
		return Staff
	default:
		return Student
	}
}

// Limits is the resolved borrowing policy for one member type.
// FinePerDay is in minor currency units per whole overdue day.
type Limits struct {
	MaxBooks         int   `json:"max_books"`
	LoanDays         int   `json:"loan_days"`
	MaxRenewals      int   `json:"max_renewals"`
	FinePerDay       int64 `json:"fine_per_day"`
	AllowDueOverride bool  `json:"allow_due_override"`
}

// Defaults returns the built-in limits applied when a tenant has no override.
func Defaults(mt MemberType) Limits {
	if mt == Staff {
		return Limits{MaxBooks: 5, LoanDays: 30, MaxRenewals: 2, FinePerDay: 0}
	}
	return Limits{MaxBooks: 2, LoanDays: 14, MaxRenewals: 1, FinePerDay: 1}
}

// Resolver yields the effective limits for a member type within a tenant.
// Implementations never fail: absent configuration means defaults.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, mt MemberType) Limits
}

// Static is an in-process Resolver backed by explicit overrides, used by the
// in-memory service and by tests.
type Static struct {
	mu        sync.RWMutex
	overrides map[string]map[MemberType]Limits // tenant -> type -> limits
}

func NewStatic() *Static {
	return &Static{overrides: make(map[string]map[MemberType]Limits)}
}

// Set installs a tenant override for one member type.
func (s *Static) Set(tenantID string, mt MemberType, l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.overrides[tenantID]
	if !ok {
		byType = make(map[MemberType]Limits)
		s.overrides[tenantID] = byType
	}
	byType[mt] = l
}

func (s *Static) Resolve(_ context.Context, tenantID string, mt MemberType) Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byType, ok := s.overrides[tenantID]; ok {
		if l, ok := byType[mt]; ok {
			return l
		}
	}
	return Defaults(mt)
}
