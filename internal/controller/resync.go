package controller

import (
	"context"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/offerstore"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

// Events missed while the stream was down are never replayed, so every
// (re)connect asks the server which job it thinks this mechanic holds and
// reconciles the local view against that answer.

// statusRank orders the assignment lifecycle for catch-up.
var statusRank = map[types.AssignmentStatus]int{
	types.StatusAccepted:  1,
	types.StatusOnTheWay:  2,
	types.StatusArrived:   3,
	types.StatusCompleted: 4,
}

// resync schedules a current-job fetch. Requests made while one is running
// are coalesced into a single follow-up.
func (c *Controller) resync() {
	if c.resyncing {
		c.resyncAgain = true
		return
	}
	c.resyncing = true
	c.submit(pendingCall{op: opResync, gen: c.generation}, func(ctx context.Context) (any, error) {
		return c.api.CurrentJob(ctx)
	})
}

// reconcile applies the server's view. job is nil when the server reports
// no assignment.
func (c *Controller) reconcile(job *types.Job, now time.Time) {
	cur := c.store.Assignment()
	if job != nil && cur != nil && job.ID == cur.ID {
		switch _, known := statusRank[job.Status]; {
		case c.advancing:
		case known:
			c.catchUp(job.Status, now)
		default:
			c.invalidate(cur.ID, now)
		}
		return
	}
	if job != nil {
		if _, active := offerstore.NextStatus(job.Status); !active {
			job = nil
		}
	}

	if job == nil {
		if cur != nil && !c.advancing {
			c.invalidate(cur.ID, now)
		}
		return
	}

	if cur != nil {
		if c.advancing {
			// the status write in flight will fail or be reconciled next time
			return
		}
		c.invalidate(cur.ID, now)
	}

	if o := c.store.Offer(); o != nil {
		if o.ID == job.ID {
			// the win happened while we were disconnected
			d := c.claims.OnTaken(types.OfferTaken{JobID: job.ID, Winner: c.cfg.Self})
			d.Job = *job
			c.apply(d, now)
			c.catchUp(job.Status, now)
			return
		}
		c.clearOffer(types.ReasonTakenByOther)
		c.claims.MarkResolved(o.ID, types.ClaimLost)
		log.Info("Dropping offer, server reports another assignment", "job_id", o.ID, "assigned", job.ID)
		c.notify(types.NotifyInvalidated, o.ID, nil, nil, now)
		c.replyWaiters(o.ID, types.ClaimLost, types.ErrStaleOffer)
	}

	a := types.Assignment{ID: job.ID, Status: job.Status, Job: *job, AcceptedAt: now, UpdatedAt: now}
	if err := c.store.Adopt(a); err != nil {
		log.Error("Failed to adopt assignment", "job_id", job.ID, "error", err)
		return
	}
	c.generation++
	c.rec.RecordStatus(a.Status)
	log.Info("Adopted assignment from server", "job_id", a.ID, "status", a.Status)
}

// catchUp moves the local assignment forward to the server's status, one
// step at a time. It never moves backwards.
func (c *Controller) catchUp(server types.AssignmentStatus, now time.Time) {
	for {
		a := c.store.Assignment()
		if a == nil || statusRank[a.Status] >= statusRank[server] {
			return
		}
		to, ok := offerstore.NextStatus(a.Status)
		if !ok {
			return
		}
		if _, err := c.store.AdvanceTo(to, now); err != nil {
			log.Error("Failed to catch up status", "job_id", a.ID, "to", to, "error", err)
			return
		}
		c.rec.RecordStatus(to)
		log.Info("Assignment status synced", "job_id", a.ID, "status", to)
		if to == types.StatusCompleted {
			c.notify(types.NotifyCompleted, a.ID, nil, nil, now)
		}
	}
}

func (c *Controller) invalidate(id types.JobID, now time.Time) {
	if _, err := c.store.ClearAssignment(); err != nil {
		return
	}
	c.generation++
	log.Warn("Assignment no longer held on server", "job_id", id)
	c.notify(types.NotifyInvalidated, id, nil, nil, now)
}
