package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/claim"
	"github.com/ChuLiYu/motofix-dispatch/internal/notify"
	"github.com/ChuLiYu/motofix-dispatch/internal/offerstore"
	"github.com/ChuLiYu/motofix-dispatch/internal/worker"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// Inbox messages
// ============================================================================

type message interface{}

type eventMsg struct {
	ev types.Event
}

type acceptMsg struct {
	id    types.JobID
	reply chan acceptReply
}

type acceptReply struct {
	outcome types.ClaimOutcome
	err     error
}

type rejectMsg struct {
	id    types.JobID
	reply chan error
}

type advanceMsg struct {
	reply chan advanceReply
}

type advanceReply struct {
	status types.AssignmentStatus
	err    error
}

type availabilityMsg struct {
	available bool
	reply     chan error
}

// operation names, also used as metric labels
const (
	opAccept       = "accept"
	opReject       = "reject"
	opStatus       = "update_status"
	opResync       = "current_job"
	opAvailability = "availability"
	opLocation     = "location"
)

// pendingCall is what the actor remembers about a call on the pool.
type pendingCall struct {
	op        string
	job       types.JobID
	status    types.AssignmentStatus
	available bool
	gen       uint64
	errReply  chan error
	advReply  chan advanceReply
}

// ============================================================================
// Event loop
// ============================================================================

func (c *Controller) run(ctx context.Context) {
	defer c.loopWg.Done()
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	defer c.expiry.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Event loop stopped")
			return
		case <-ctx.Done():
			log.Info("Event loop stopped", "reason", ctx.Err())
			return

		case m := <-c.inbox:
			c.handle(m)

		case r := <-c.pool.Results():
			c.onResult(r)

		case <-ticker.C:
			c.expire(c.cfg.Now())

		case <-c.expiry.C:
			c.expire(c.cfg.Now())
		}
		c.publish()
	}
}

func (c *Controller) handle(m message) {
	now := c.cfg.Now()
	// an offer past its deadline must never be acted on, even between ticks
	c.expire(now)

	switch m := m.(type) {
	case eventMsg:
		c.onStreamEvent(m.ev, now)
	case acceptMsg:
		c.onAccept(m, now)
	case rejectMsg:
		m.reply <- c.onReject(m.id, now)
	case advanceMsg:
		c.onAdvance(m)
	case availabilityMsg:
		c.submit(pendingCall{op: opAvailability, available: m.available, errReply: m.reply},
			func(ctx context.Context) (any, error) {
				return nil, c.api.SetAvailability(ctx, m.available)
			})
	default:
		log.Error("Unknown inbox message", "type", fmt.Sprintf("%T", m))
	}
}

func (c *Controller) onStreamEvent(ev types.Event, now time.Time) {
	log.Debug("Event", "type", types.EventName(ev))

	switch ev := ev.(type) {
	case types.NewOffer:
		c.onOffer(ev.Offer, now)
	case types.OfferTaken:
		c.apply(c.claims.OnTaken(ev), now)
	case types.ConnectionLost:
		log.Warn("Event stream lost", "error", ev.Err)
	case types.ConnectionRestored:
		log.Info("Event stream up, resyncing", "attempt", ev.Attempt)
		c.resync()
	}
}

func (c *Controller) onOffer(o types.JobOffer, now time.Time) {
	c.rec.RecordOfferReceived()

	if o.Expired(now) {
		log.Info("Dropping offer that arrived expired", "job_id", o.ID, "expires_at", o.ExpiresAt)
		c.rec.RecordOfferIgnored()
		return
	}
	if !c.available.Load() {
		log.Debug("Ignoring offer while unavailable", "job_id", o.ID)
		c.rec.RecordOfferIgnored()
		return
	}
	if err := c.store.SetOffer(o); err != nil {
		log.Debug("Ignoring offer while busy", "job_id", o.ID, "reason", err)
		c.rec.RecordOfferIgnored()
		if c.cfg.DeclineWhenBusy {
			c.submitReject(o.ID)
		}
		return
	}

	// a re-broadcast of an offer resolved earlier is a fresh offer
	c.claims.Forget(o.ID)
	c.expiry.Reset(o.ExpiresAt.Sub(now))
	log.Info("New offer", "job_id", o.ID, "expires_in", o.ExpiresAt.Sub(now).Round(time.Millisecond))
	c.notify(types.NotifyNewOffer, o.ID, nil, nil, now)
}

// ============================================================================
// Claim
// ============================================================================

func (c *Controller) onAccept(m acceptMsg, now time.Time) {
	attempt, err := c.claims.Begin(m.id, now)
	if err != nil {
		outcome := types.ClaimLost
		if errors.Is(err, types.ErrBusy) {
			outcome = types.ClaimPending
		} else if o, ok := c.claims.Resolved(m.id); ok {
			// a repeated accept reports how the offer ended
			outcome = o
		}
		m.reply <- acceptReply{outcome: outcome, err: err}
		return
	}
	c.waiters[m.id] = append(c.waiters[m.id], m.reply)
	log.Info("Claiming offer", "job_id", m.id)

	id := attempt.OfferID
	c.submit(pendingCall{op: opAccept, job: id}, func(ctx context.Context) (any, error) {
		return c.api.Accept(ctx, id)
	})
}

// apply carries out a coordinator decision. Suppressed decisions change
// nothing, except that a win the store no longer reflects triggers a resync.
func (c *Controller) apply(d claim.Decision, now time.Time) {
	if d.Action == claim.Suppress {
		c.rec.RecordSuppressed(string(d.Source))
		log.Debug("Suppressed signal", "job_id", d.JobID, "source", d.Source, "outcome", d.Outcome)
		if d.Outcome == types.ClaimWon {
			if a := c.store.Assignment(); a == nil || a.ID != d.JobID {
				log.Warn("Server reports a win for a resolved offer", "job_id", d.JobID, "source", d.Source)
				c.resync()
			}
		}
		return
	}

	var latency time.Duration
	if d.Attempt != nil {
		latency = now.Sub(d.Attempt.StartedAt)
	}
	c.rec.RecordClaim(d.Outcome, latency)
	c.generation++

	switch d.Outcome {
	case types.ClaimWon:
		a, err := c.store.Promote(d.JobID, d.Job, now)
		if err != nil {
			log.Error("Failed to promote offer", "job_id", d.JobID, "error", err)
			c.replyWaiters(d.JobID, types.ClaimErrored, err)
			return
		}
		c.expiry.Stop()
		c.rec.RecordOfferCleared(types.ReasonAccepted)
		c.rec.RecordStatus(a.Status)
		log.Info("Claim won", "job_id", d.JobID, "source", d.Source, "latency", latency)
		c.notify(types.NotifyWon, d.JobID, d.Winner, nil, now)
		c.replyWaiters(d.JobID, types.ClaimWon, nil)

	case types.ClaimLost:
		c.clearOffer(d.Reason)
		log.Info("Claim lost", "job_id", d.JobID, "source", d.Source)
		c.notify(types.NotifyLost, d.JobID, d.Winner, d.Err, now)
		c.replyWaiters(d.JobID, types.ClaimLost, d.Err)

	case types.ClaimErrored:
		c.clearOffer(d.Reason)
		log.Warn("Claim failed", "job_id", d.JobID, "error", d.Err)
		c.notify(types.NotifyError, d.JobID, nil, d.Err, now)
		c.replyWaiters(d.JobID, types.ClaimErrored, d.Err)
	}
}

func (c *Controller) replyWaiters(id types.JobID, outcome types.ClaimOutcome, err error) {
	for _, w := range c.waiters[id] {
		w <- acceptReply{outcome: outcome, err: err}
	}
	delete(c.waiters, id)
}

func (c *Controller) clearOffer(reason types.ClearReason) *types.JobOffer {
	o, err := c.store.ClearOffer(reason)
	if err != nil {
		return nil
	}
	c.expiry.Stop()
	c.rec.RecordOfferCleared(reason)
	return o
}

// expire clears the offer if its deadline has passed at now.
func (c *Controller) expire(now time.Time) {
	o, ok := c.store.Tick(now)
	if !ok {
		return
	}
	c.expiry.Stop()
	c.generation++
	c.claims.MarkResolved(o.ID, types.ClaimLost)
	c.rec.RecordOfferCleared(types.ReasonExpired)
	log.Info("Offer expired", "job_id", o.ID)
	c.notify(types.NotifyExpired, o.ID, nil, nil, now)
	c.replyWaiters(o.ID, types.ClaimLost, fmt.Errorf("offer %s expired: %w", o.ID, types.ErrStaleOffer))
}

// ============================================================================
// Reject
// ============================================================================

func (c *Controller) onReject(id types.JobID, now time.Time) error {
	if c.claims.Pending(id) {
		return fmt.Errorf("reject %s: %w", id, types.ErrBusy)
	}
	if !c.store.HasOffer(id) {
		return fmt.Errorf("reject %s: %w", id, types.ErrStaleOffer)
	}
	c.clearOffer(types.ReasonRejected)
	c.generation++
	c.claims.MarkResolved(id, types.ClaimLost)
	log.Info("Offer rejected", "job_id", id)
	c.notify(types.NotifyRejected, id, nil, nil, now)
	c.submitReject(id)
	return nil
}

func (c *Controller) submitReject(id types.JobID) {
	c.submit(pendingCall{op: opReject, job: id}, func(ctx context.Context) (any, error) {
		return nil, c.api.Reject(ctx, id)
	})
}

// ============================================================================
// Assignment lifecycle
// ============================================================================

func (c *Controller) onAdvance(m advanceMsg) {
	a := c.store.Assignment()
	if a == nil {
		m.reply <- advanceReply{err: types.ErrNoAssignment}
		return
	}
	if c.advancing {
		m.reply <- advanceReply{status: a.Status, err: fmt.Errorf("advance %s: %w", a.ID, types.ErrBusy)}
		return
	}
	to, ok := offerstore.NextStatus(a.Status)
	if !ok {
		m.reply <- advanceReply{status: a.Status, err: fmt.Errorf("advance %s from %s: %w", a.ID, a.Status, types.ErrInvalidTransition)}
		return
	}

	c.advancing = true
	id := a.ID
	c.submit(pendingCall{op: opStatus, job: id, status: to, advReply: m.reply}, func(ctx context.Context) (any, error) {
		return c.api.UpdateStatus(ctx, id, to)
	})
}

func (c *Controller) finishAdvance(p pendingCall, r worker.Result, now time.Time) {
	c.advancing = false
	current := func() types.AssignmentStatus {
		if a := c.store.Assignment(); a != nil {
			return a.Status
		}
		return ""
	}

	if r.Err != nil {
		log.Warn("Status update failed", "job_id", p.job, "status", p.status, "error", r.Err)
		p.advReply <- advanceReply{status: current(), err: r.Err}
		return
	}
	a, err := c.store.AdvanceTo(p.status, now)
	if err != nil {
		// the assignment changed under us, e.g. a resync invalidated it
		log.Warn("Status confirmed but assignment moved on", "job_id", p.job, "status", p.status, "error", err)
		p.advReply <- advanceReply{status: current(), err: err}
		return
	}
	c.generation++
	c.rec.RecordStatus(a.Status)
	log.Info("Assignment advanced", "job_id", a.ID, "status", a.Status)
	if a.Status == types.StatusCompleted {
		c.notify(types.NotifyCompleted, a.ID, nil, nil, now)
	}
	p.advReply <- advanceReply{status: a.Status}
}

// ============================================================================
// Call results
// ============================================================================

// submit hands a call to the pool. A call that cannot be queued completes
// at once with a transport error.
func (c *Controller) submit(p pendingCall, call worker.Call) {
	task := worker.Task{ID: uuid.NewString(), Op: p.op, Run: call, Timeout: c.cfg.CallTimeout}
	c.calls[task.ID] = p
	if err := c.pool.TrySubmit(task); err != nil {
		log.Error("Failed to submit call", "op", p.op, "error", err)
		c.onResult(worker.Result{TaskID: task.ID, Op: p.op, Err: &types.TransportError{Op: p.op, Err: err}})
	}
}

func (c *Controller) onResult(r worker.Result) {
	p, ok := c.calls[r.TaskID]
	if !ok {
		log.Warn("Result for unknown call", "task", r.TaskID, "op", r.Op)
		return
	}
	delete(c.calls, r.TaskID)
	c.rec.RecordCall(r.Op, r.Duration, r.Err)
	now := c.cfg.Now()

	switch p.op {
	case opAccept:
		job, _ := r.Value.(types.Job)
		c.apply(c.claims.OnResponse(p.job, claim.AcceptResult{Job: job, Err: r.Err}), now)

	case opReject:
		if r.Err != nil {
			log.Warn("Reject not delivered", "job_id", p.job, "error", r.Err)
		}

	case opStatus:
		c.finishAdvance(p, r, now)

	case opAvailability:
		if r.Err == nil {
			c.available.Store(p.available)
			log.Info("Availability changed", "available", p.available)
		}
		p.errReply <- r.Err

	case opResync:
		c.resyncing = false
		switch {
		case r.Err != nil:
			log.Warn("Resync failed", "error", r.Err)
		case p.gen != c.generation:
			// answered before a local resolution landed; ask again
			log.Debug("Discarding stale resync", "sent", p.gen, "now", c.generation)
			c.resyncAgain = true
		default:
			job, _ := r.Value.(*types.Job)
			c.reconcile(job, now)
		}
		if c.resyncAgain {
			c.resyncAgain = false
			c.resync()
		}
	}
}

// ============================================================================
// Notifications and snapshots
// ============================================================================

func (c *Controller) notify(kind types.NotificationKind, id types.JobID, winner *types.Mechanic, err error, now time.Time) {
	c.notifier.Notify(types.Notification{
		Kind:    kind,
		JobID:   id,
		Message: notify.Message(kind, winner),
		Winner:  winner,
		Err:     err,
		At:      now,
	})
}

func (c *Controller) publish() {
	s := types.Snapshot{
		Offer:      c.store.Offer(),
		Assignment: c.store.Assignment(),
		Advancing:  c.advancing,
		Available:  c.available.Load(),
		Pending:    c.claims.PendingCount(),
	}
	switch {
	case s.Offer != nil && c.claims.Pending(s.Offer.ID):
		s.Phase, s.Claiming = types.PhaseClaiming, true
	case s.Offer != nil:
		s.Phase = types.PhaseOfferPending
	case s.Assignment != nil:
		s.Phase = types.PhaseAssigned
	default:
		s.Phase = types.PhaseIdle
	}
	c.snap.Store(&s)

	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- s:
	default:
	}
}
