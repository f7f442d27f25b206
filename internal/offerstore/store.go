// ============================================================================
// Offer Store - single source of truth for what this client currently sees
// ============================================================================
//
// Package: internal/offerstore
// File: store.go
// Purpose: Holds at most one active job offer and at most one active
//          assignment, and decides when the offer has expired.
//
// State machine:
//   Idle
//     ↓ SetOffer()
//   OfferPending
//     ├─ Promote()                 → Assigned(accepted)
//     └─ ClearOffer(reason)/Tick() → Idle
//   Assigned(accepted → on_the_way → arrived)
//     └─ AdvanceTo(completed) / ClearAssignment() → Idle
//
// Rules:
//   - SetOffer fails with ErrConflict unless the store is idle.
//   - Expiry is always recomputed from ExpiresAt against the caller's clock,
//     never from a countdown, so a suspended process does not drift.
//   - Assignment status only moves one step forward (NextStatus).
//
// Concurrency:
//   Mutations are expected from a single owner (the dispatch controller).
//   The RWMutex lets observers read copies from other goroutines.
//
// ============================================================================

package offerstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

var (
	// ErrNoOffer is returned when an operation needs an active offer.
	ErrNoOffer = errors.New("offerstore: no active offer")
	// ErrOfferMismatch is returned when the active offer is not the one named.
	ErrOfferMismatch = errors.New("offerstore: active offer has a different id")
)

// next is the forward-only assignment lifecycle.
var next = map[types.AssignmentStatus]types.AssignmentStatus{
	types.StatusAccepted: types.StatusOnTheWay,
	types.StatusOnTheWay: types.StatusArrived,
	types.StatusArrived:  types.StatusCompleted,
}

// NextStatus returns the only status an assignment in s may move to.
func NextStatus(s types.AssignmentStatus) (types.AssignmentStatus, bool) {
	n, ok := next[s]
	return n, ok
}

// Store holds the active offer and assignment for one client session.
type Store struct {
	mu         sync.RWMutex
	offer      *types.JobOffer
	assignment *types.Assignment
}

// New returns an idle store.
func New() *Store {
	return &Store{}
}

// IsIdle is true iff neither an offer nor an assignment is active.
func (s *Store) IsIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offer == nil && s.assignment == nil
}

// SetOffer makes offer the active offer.
// Returns types.ErrConflict if an offer or assignment is already active.
func (s *Store) SetOffer(offer types.JobOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offer != nil {
		return fmt.Errorf("offer %s is active: %w", s.offer.ID, types.ErrConflict)
	}
	if s.assignment != nil {
		return fmt.Errorf("assignment %s is active: %w", s.assignment.ID, types.ErrConflict)
	}
	s.offer = &offer
	return nil
}

// ClearOffer removes the active offer and returns it.
func (s *Store) ClearOffer(reason types.ClearReason) (*types.JobOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offer == nil {
		return nil, fmt.Errorf("clear (%s): %w", reason, ErrNoOffer)
	}
	o := s.offer
	s.offer = nil
	return o, nil
}

// Offer returns a copy of the active offer, or nil.
func (s *Store) Offer() *types.JobOffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offer == nil {
		return nil
	}
	o := *s.offer
	return &o
}

// HasOffer reports whether id is the active offer.
func (s *Store) HasOffer(id types.JobID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offer != nil && s.offer.ID == id
}

// Tick clears the active offer with reason expired if it is past its
// deadline at now, returning the cleared offer.
func (s *Store) Tick(now time.Time) (*types.JobOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offer == nil || !s.offer.Expired(now) {
		return nil, false
	}
	o := s.offer
	s.offer = nil
	return o, true
}

// Remaining is the time left on the active offer (zero if none or expired).
func (s *Store) Remaining(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offer == nil {
		return 0
	}
	if d := s.offer.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Promote turns the active offer id into an accepted assignment. job is the
// server's view of the job; when it carries no ID the offer payload is used.
func (s *Store) Promote(id types.JobID, job types.Job, now time.Time) (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offer == nil {
		return nil, fmt.Errorf("promote %s: %w", id, ErrNoOffer)
	}
	if s.offer.ID != id {
		return nil, fmt.Errorf("promote %s (active %s): %w", id, s.offer.ID, ErrOfferMismatch)
	}
	if job.VehicleType == "" && job.ProblemDescription == "" && job.CustomerLocation == "" {
		// the server confirmed without details
		job = s.offer.Payload
	}
	job.ID = id
	job.Status = types.StatusAccepted

	a := &types.Assignment{
		ID:         id,
		Status:     types.StatusAccepted,
		Job:        job,
		AcceptedAt: now,
		UpdatedAt:  now,
	}
	s.offer = nil
	s.assignment = a

	cp := *a
	return &cp, nil
}

// Adopt installs an assignment learned from the server (resync).
// Returns types.ErrConflict unless the store is idle.
func (s *Store) Adopt(a types.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offer != nil || s.assignment != nil {
		return fmt.Errorf("adopt %s: %w", a.ID, types.ErrConflict)
	}
	if _, ok := next[a.Status]; !ok {
		return fmt.Errorf("adopt %s in status %q: %w", a.ID, a.Status, types.ErrInvalidTransition)
	}
	s.assignment = &a
	return nil
}

// Assignment returns a copy of the active assignment, or nil.
func (s *Store) Assignment() *types.Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.assignment == nil {
		return nil
	}
	a := *s.assignment
	return &a
}

// AdvanceTo moves the assignment to status to, which must be the direct
// successor of its current status. Reaching completed clears the assignment.
func (s *Store) AdvanceTo(to types.AssignmentStatus, now time.Time) (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assignment == nil {
		return nil, types.ErrNoAssignment
	}
	want, ok := next[s.assignment.Status]
	if !ok || want != to {
		return nil, fmt.Errorf("%s -> %s: %w", s.assignment.Status, to, types.ErrInvalidTransition)
	}

	s.assignment.Status = to
	s.assignment.Job.Status = to
	s.assignment.UpdatedAt = now
	a := *s.assignment
	if to == types.StatusCompleted {
		s.assignment = nil
	}
	return &a, nil
}

// ClearAssignment drops the active assignment (external invalidation).
func (s *Store) ClearAssignment() (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignment == nil {
		return nil, types.ErrNoAssignment
	}
	a := s.assignment
	s.assignment = nil
	return a, nil
}
