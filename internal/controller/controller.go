// ============================================================================
// Dispatch Controller - the state machine a mechanic's UI observes
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Composes the event stream, offer store and claim coordinator
//           into one session and exposes the user intents.
//
// Architecture:
//   All state (store, coordinator, assignment, advance flag) is owned by one
//   actor goroutine. Everything that can change it arrives on one of:
//
//     inbox          ← stream events, user intents
//     pool.Results() ← finished REST calls
//     ticker         ← periodic expiry check (TickInterval)
//     timer          ← one-shot expiry armed at the offer's deadline
//
//   Network calls never run on the actor. They are handed to the call pool,
//   so a job_taken event is processed while an accept is still in flight.
//
// Transitions:
//   Idle          + new_job (idle)           → OfferPending, timer armed
//   Idle          + new_job (busy)           → ignored (optionally declined)
//   OfferPending  + Accept                   → Claiming
//   Claiming      + won                      → Assigned(accepted)
//   Claiming      + lost / taken by other    → Idle
//   OfferPending  + expiry                   → Idle (expired)
//   OfferPending  + Reject                   → Idle (rejected)
//   Assigned(s)   + Advance                  → Assigned(next(s)), remote first
//   Assigned(arrived) + Advance              → Idle (completed)
//
// Shutdown order:
//   1. close(stopCh)  → actor and location loop return, session ctx cancelled
//   2. stream.Close() → no more events; a reader blocked on the inbox exits
//   3. loopWg.Wait()
//   4. pool.Stop()    → running calls finish, their results are dropped
//   5. claims.Reset() → attempts still in flight are forgotten
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/claim"
	"github.com/ChuLiYu/motofix-dispatch/internal/notify"
	"github.com/ChuLiYu/motofix-dispatch/internal/offerstore"
	"github.com/ChuLiYu/motofix-dispatch/internal/worker"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"golang.org/x/time/rate"
)

var log = slog.Default()

const (
	defaultTickInterval   = time.Second
	defaultCallTimeout    = 10 * time.Second
	defaultWorkers        = 4
	defaultLocationMinGap = 5 * time.Second
	inboxSize             = 64
	poolQueueSize         = 64
)

// ============================================================================
// Collaborators
// ============================================================================

// API is the REST side of the dispatch backend. api.Client satisfies it.
type API interface {
	Accept(ctx context.Context, id types.JobID) (types.Job, error)
	Reject(ctx context.Context, id types.JobID) error
	UpdateStatus(ctx context.Context, id types.JobID, status types.AssignmentStatus) (types.Job, error)
	CurrentJob(ctx context.Context) (*types.Job, error)
	SetAvailability(ctx context.Context, available bool) error
	ReportLocation(ctx context.Context, lat, lon float64) error
}

// Stream is the event transport. transport.Transport satisfies it.
type Stream interface {
	OnEvent(h func(types.Event))
	Connect(ctx context.Context)
	Close()
	State() types.ConnectionState
}

// Recorder receives controller metrics. metrics.Collector satisfies it.
type Recorder interface {
	RecordOfferReceived()
	RecordOfferIgnored()
	RecordOfferCleared(reason types.ClearReason)
	RecordClaim(outcome types.ClaimOutcome, latency time.Duration)
	RecordSuppressed(source string)
	RecordStatus(status types.AssignmentStatus)
	RecordCall(op string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordOfferReceived()                          {}
func (nopRecorder) RecordOfferIgnored()                           {}
func (nopRecorder) RecordOfferCleared(types.ClearReason)          {}
func (nopRecorder) RecordClaim(types.ClaimOutcome, time.Duration) {}
func (nopRecorder) RecordSuppressed(string)                       {}
func (nopRecorder) RecordStatus(types.AssignmentStatus)           {}
func (nopRecorder) RecordCall(string, time.Duration, error)       {}

// LocationFunc returns the mechanic's current position. ok is false when
// no fix is available.
type LocationFunc func() (lat, lon float64, ok bool)

// Config holds controller settings.
type Config struct {
	Self             types.Mechanic
	TickInterval     time.Duration // periodic expiry check
	CallTimeout      time.Duration // per REST call
	Workers          int
	DeclineWhenBusy  bool          // send an explicit reject for offers ignored while busy
	StartUnavailable bool          // begin offline; offers are ignored until SetAvailability(true)
	LocationInterval time.Duration // 0 disables periodic location reports
	Location         LocationFunc
	LocationMinGap   time.Duration // minimum spacing between location reports
	Now              func() time.Time
}

// ============================================================================
// Controller
// ============================================================================

// Controller runs one mechanic's dispatch session.
type Controller struct {
	cfg      Config
	api      API
	stream   Stream
	notifier notify.Notifier
	rec      Recorder
	limiter  *rate.Limiter

	store  *offerstore.Store
	claims *claim.Coordinator
	pool   *worker.Pool

	inbox  chan message
	stopCh chan struct{}
	done   chan struct{}
	loopWg sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	snap      atomic.Pointer[types.Snapshot]
	updates   chan types.Snapshot
	available atomic.Bool

	// owned by the actor goroutine
	calls       map[string]pendingCall
	waiters     map[types.JobID][]chan acceptReply
	advancing   bool
	resyncing   bool
	resyncAgain bool
	generation  uint64 // bumped whenever an offer or assignment is resolved locally
	expiry      *time.Timer
}

// New creates a controller. notifier may be nil.
func New(cfg Config, api API, stream Stream, notifier notify.Notifier) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.LocationMinGap <= 0 {
		cfg.LocationMinGap = defaultLocationMinGap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	store := offerstore.New()
	c := &Controller{
		cfg:      cfg,
		api:      api,
		stream:   stream,
		notifier: notifier,
		rec:      nopRecorder{},
		limiter:  rate.NewLimiter(rate.Every(cfg.LocationMinGap), 1),
		store:    store,
		claims:   claim.NewCoordinator(cfg.Self.ID, store),
		pool:     worker.NewPool(poolQueueSize),
		inbox:    make(chan message, inboxSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		updates:  make(chan types.Snapshot, 1),
		calls:    make(map[string]pendingCall),
		waiters:  make(map[types.JobID][]chan acceptReply),
	}
	c.available.Store(!cfg.StartUnavailable)
	c.publish()
	return c
}

// SetRecorder attaches a metrics recorder. Call before Start.
func (c *Controller) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	c.rec = r
}

// Start launches the actor, the call pool and the event stream. The stream
// keeps reconnecting until Stop or until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return types.ErrStopped
	}
	if c.started {
		return errors.New("controller already started")
	}

	if err := c.pool.Start(c.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start call pool: %w", err)
	}
	c.expiry = time.NewTimer(time.Hour)
	c.expiry.Stop()

	c.stream.OnEvent(c.onEvent)

	ctx, c.cancel = context.WithCancel(ctx)
	c.loopWg.Add(1)
	go c.run(ctx)
	if c.cfg.LocationInterval > 0 && c.cfg.Location != nil {
		c.loopWg.Add(1)
		go c.locationLoop(ctx)
	}

	c.stream.Connect(ctx)
	c.started = true

	log.Info("Controller started",
		"mechanic", c.cfg.Self.ID,
		"workers", c.cfg.Workers,
		"tick", c.cfg.TickInterval)
	return nil
}

// Stop shuts the session down. Calls still in flight are not cancelled;
// their results are discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		return
	}

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.cancel()
	c.stream.Close()
	c.loopWg.Wait()
	c.pool.Stop()
	c.claims.Reset()
	log.Info("Controller stopped")
}

// ============================================================================
// Intents
// ============================================================================

// Accept claims offer id and waits for the claim to resolve.
//
// Returns (won, nil) when this mechanic owns the job, (lost, err wrapping
// types.ErrConflict) when someone else does, (errored, *types.TransportError)
// when the call failed, and (pending, types.ErrBusy) when a claim is in
// flight. An offer that is gone yields types.ErrStaleOffer with the outcome
// it was resolved with, or lost if this client never claimed it. If ctx ends
// first the claim keeps running and the result is (pending, ctx.Err());
// watch Snapshot or Updates for the outcome.
func (c *Controller) Accept(ctx context.Context, id types.JobID) (types.ClaimOutcome, error) {
	reply := make(chan acceptReply, 1)
	if err := c.send(ctx, acceptMsg{id: id, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return types.ClaimPending, ctx.Err()
	case <-c.done:
		return "", types.ErrStopped
	}
}

// Reject declines offer id. The server is told without waiting for it.
func (c *Controller) Reject(ctx context.Context, id types.JobID) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, rejectMsg{id: id, reply: reply}); err != nil {
		return err
	}
	return c.waitErr(ctx, reply)
}

// Advance moves the assignment to its next status. The server is updated
// first; the local status changes only once it confirms. A second Advance
// while one is in flight fails with types.ErrBusy.
func (c *Controller) Advance(ctx context.Context) (types.AssignmentStatus, error) {
	reply := make(chan advanceReply, 1)
	if err := c.send(ctx, advanceMsg{reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", types.ErrStopped
	}
}

// SetAvailability tells the server whether this mechanic takes offers. The
// local flag follows only after the server accepts the change.
func (c *Controller) SetAvailability(ctx context.Context, available bool) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, availabilityMsg{available: available, reply: reply}); err != nil {
		return err
	}
	return c.waitErr(ctx, reply)
}

// ReportLocation pushes a position update, waiting out the rate limit.
func (c *Controller) ReportLocation(ctx context.Context, lat, lon float64) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := c.api.ReportLocation(ctx, lat, lon)
	c.rec.RecordCall(opLocation, time.Since(start), err)
	return err
}

// Snapshot returns the current state. Remaining and Connection are computed
// at call time.
func (c *Controller) Snapshot() types.Snapshot {
	s := *c.snap.Load()
	s.Connection = c.stream.State()
	if s.Offer != nil {
		if d := s.Offer.ExpiresAt.Sub(c.cfg.Now()); d > 0 {
			s.Remaining = d
		}
	}
	return s
}

// Updates delivers a snapshot after every state change. Only the latest
// one is kept for a slow reader.
func (c *Controller) Updates() <-chan types.Snapshot {
	return c.updates
}

// ============================================================================
// Plumbing
// ============================================================================

func (c *Controller) checkRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return types.ErrStopped
	case !c.started:
		return types.ErrNotStarted
	}
	return nil
}

func (c *Controller) send(ctx context.Context, m message) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	select {
	case c.inbox <- m:
		return nil
	case <-c.done:
		return types.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) waitErr(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return types.ErrStopped
	}
}

// onEvent is the stream handler. It blocks the stream reader while the
// inbox is full, which keeps events in receipt order.
func (c *Controller) onEvent(ev types.Event) {
	select {
	case c.inbox <- eventMsg{ev: ev}:
	case <-c.done:
	}
}

func (c *Controller) locationLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.LocationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.available.Load() {
				continue
			}
			lat, lon, ok := c.cfg.Location()
			if !ok {
				continue
			}
			if err := c.ReportLocation(ctx, lat, lon); err != nil && ctx.Err() == nil {
				log.Warn("Location report failed", "error", err)
			}
		}
	}
}
