// ============================================================================
// Claim Coordinator - optimistic "first click wins" protocol
// ============================================================================
//
// Package: internal/claim
// File: coordinator.go
// Purpose: Track in-flight accepts and turn the two independent terminal
//          signals for an offer (the accept response and the job_taken
//          stream event) into exactly one applied outcome.
//
// Signals and outcomes:
//   accept response 2xx            → won
//   accept response 409            → lost   (taken by another mechanic)
//   accept response other / timeout→ errored (cleared defensively, no retry)
//   job_taken, winner == self      → won
//   job_taken, winner != self      → lost
//
// Reconciliation:
//   The first terminal signal for an offer is applied. Every later signal
//   for the same offer is suppressed. Offers resolved by expiry or by a
//   local reject are remembered the same way, so a late response or event
//   cannot resurrect them.
//
// Ownership:
//   The coordinator never mutates the offer store. It reads it through
//   OfferView and returns a Decision; the dispatch controller applies it.
//   All methods must be called from the controller's actor goroutine.
//
// ============================================================================

package claim

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

// defaultMemory is how many resolved offer IDs are remembered.
const defaultMemory = 256

// OfferView is the read side of the offer store the coordinator needs.
type OfferView interface {
	HasOffer(id types.JobID) bool
}

// Action says whether the controller should apply or drop a decision.
type Action int

const (
	Suppress Action = iota
	Apply
)

func (a Action) String() string {
	if a == Apply {
		return "apply"
	}
	return "suppress"
}

// Source names where a terminal signal came from.
type Source string

const (
	FromResponse Source = "response"
	FromStream   Source = "stream"
)

// AcceptResult is what the REST accept call returned.
type AcceptResult struct {
	Job types.Job
	Err error
}

// Decision is the coordinator's verdict for one terminal signal.
type Decision struct {
	Action  Action
	JobID   types.JobID
	Source  Source
	Outcome types.ClaimOutcome
	Reason  types.ClearReason
	Attempt *types.ClaimAttempt
	Winner  *types.Mechanic
	Job     types.Job
	Err     error
}

// Coordinator runs the claim protocol for one mechanic.
type Coordinator struct {
	self    types.MechanicID
	offers  OfferView
	pending map[types.JobID]*types.ClaimAttempt

	resolved map[types.JobID]types.ClaimOutcome
	order    []types.JobID
	memory   int
}

// NewCoordinator creates a coordinator claiming as self against offers.
func NewCoordinator(self types.MechanicID, offers OfferView) *Coordinator {
	return &Coordinator{
		self:     self,
		offers:   offers,
		pending:  make(map[types.JobID]*types.ClaimAttempt),
		resolved: make(map[types.JobID]types.ClaimOutcome),
		memory:   defaultMemory,
	}
}

// Begin starts a claim for offer id.
// Returns types.ErrStaleOffer if id is not the active offer and
// types.ErrBusy if a claim for it is already pending.
func (c *Coordinator) Begin(id types.JobID, now time.Time) (*types.ClaimAttempt, error) {
	if _, busy := c.pending[id]; busy {
		return nil, fmt.Errorf("claim %s: %w", id, types.ErrBusy)
	}
	if _, done := c.resolved[id]; done || !c.offers.HasOffer(id) {
		return nil, fmt.Errorf("claim %s: %w", id, types.ErrStaleOffer)
	}

	a := &types.ClaimAttempt{OfferID: id, StartedAt: now, Outcome: types.ClaimPending}
	c.pending[id] = a
	cp := *a
	return &cp, nil
}

// Pending reports whether a claim for id is in flight.
func (c *Coordinator) Pending(id types.JobID) bool {
	_, ok := c.pending[id]
	return ok
}

// PendingCount is the number of claims in flight.
func (c *Coordinator) PendingCount() int {
	return len(c.pending)
}

// OnResponse handles the accept call's result for id.
func (c *Coordinator) OnResponse(id types.JobID, res AcceptResult) Decision {
	d := Decision{JobID: id, Source: FromResponse, Job: res.Job, Err: res.Err}
	switch {
	case res.Err == nil:
		d.Outcome, d.Reason = types.ClaimWon, types.ReasonAccepted
	case errors.Is(res.Err, types.ErrConflict):
		d.Outcome, d.Reason = types.ClaimLost, types.ReasonTakenByOther
	default:
		d.Outcome, d.Reason = types.ClaimErrored, types.ReasonClaimFailed
	}

	a, ok := c.pending[id]
	if !ok {
		// resolved already, or the attempt belongs to a previous session
		return d
	}
	return c.resolve(d, a)
}

// OnTaken handles a job_taken stream event.
func (c *Coordinator) OnTaken(ev types.OfferTaken) Decision {
	winner := ev.Winner
	d := Decision{JobID: ev.JobID, Source: FromStream, Winner: &winner}
	if winner.ID == c.self {
		d.Outcome, d.Reason = types.ClaimWon, types.ReasonAccepted
	} else {
		d.Outcome, d.Reason = types.ClaimLost, types.ReasonTakenByOther
		d.Err = fmt.Errorf("job %s taken by %s: %w", ev.JobID, winner.Name, types.ErrConflict)
	}

	if _, done := c.resolved[ev.JobID]; done {
		return d
	}
	a, ok := c.pending[ev.JobID]
	if !ok && !c.offers.HasOffer(ev.JobID) {
		// broadcast about an offer this client never held
		return d
	}
	return c.resolve(d, a)
}

// MarkResolved records that id left the store by expiry or reject, so any
// later signal for it is suppressed. A pending attempt is discarded.
func (c *Coordinator) MarkResolved(id types.JobID, outcome types.ClaimOutcome) {
	delete(c.pending, id)
	c.remember(id, outcome)
}

// Resolved reports how id was resolved, if it was.
func (c *Coordinator) Resolved(id types.JobID) (types.ClaimOutcome, bool) {
	o, ok := c.resolved[id]
	return o, ok
}

// Forget drops id from the resolved memory so a re-broadcast offer with the
// same id can be claimed again.
func (c *Coordinator) Forget(id types.JobID) {
	if _, ok := c.resolved[id]; !ok {
		return
	}
	delete(c.resolved, id)
	for i, x := range c.order {
		if x == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Reset forgets all pending attempts. The controller calls it once its
// event loop has exited.
func (c *Coordinator) Reset() {
	c.pending = make(map[types.JobID]*types.ClaimAttempt)
}

func (c *Coordinator) resolve(d Decision, a *types.ClaimAttempt) Decision {
	if a != nil {
		a.Outcome = d.Outcome
		cp := *a
		d.Attempt = &cp
		delete(c.pending, d.JobID)
	}
	c.remember(d.JobID, d.Outcome)
	d.Action = Apply
	return d
}

func (c *Coordinator) remember(id types.JobID, outcome types.ClaimOutcome) {
	if _, ok := c.resolved[id]; ok {
		c.resolved[id] = outcome
		return
	}
	c.resolved[id] = outcome
	c.order = append(c.order, id)
	if len(c.order) > c.memory {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.resolved, oldest)
	}
}
