// Package notify delivers user-facing dispatch notices. The controller calls
// a Notifier once per terminal transition and once per new offer; how the
// notice reaches the user is up to the implementation.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

var log = slog.Default()

// Notifier receives notifications. Implementations must not block the caller
// for long; the controller invokes them from its event loop.
type Notifier interface {
	Notify(n types.Notification)
}

// Func adapts a function to Notifier.
type Func func(types.Notification)

func (f Func) Notify(n types.Notification) { f(n) }

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(types.Notification) {}

// Log writes notifications to a slog logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(n types.Notification) {
	logger := l.Logger
	if logger == nil {
		logger = log
	}
	attrs := []any{"kind", n.Kind, "job_id", n.JobID}
	if n.Winner != nil {
		attrs = append(attrs, "winner", n.Winner.Name)
	}
	if n.Err != nil {
		attrs = append(attrs, "error", n.Err)
	}

	switch n.Kind {
	case types.NotifyError, types.NotifyInvalidated:
		logger.Warn(n.Message, attrs...)
	default:
		logger.Info(n.Message, attrs...)
	}
}

// Channel fans notifications into a buffered channel. When the buffer is
// full the notification is dropped and counted.
type Channel struct {
	ch      chan types.Notification
	mu      sync.Mutex
	dropped int
}

// NewChannel creates a Channel notifier with the given buffer size.
func NewChannel(size int) *Channel {
	return &Channel{ch: make(chan types.Notification, size)}
}

func (c *Channel) Notify(n types.Notification) {
	select {
	case c.ch <- n:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		log.Warn("Notification buffer full, dropping", "kind", n.Kind, "job_id", n.JobID)
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan types.Notification {
	return c.ch
}

// Dropped returns how many notifications did not fit.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Multi forwards to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(n types.Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}

// Message returns the default text for a notification kind.
func Message(kind types.NotificationKind, winner *types.Mechanic) string {
	switch kind {
	case types.NotifyNewOffer:
		return "Hot job! A new job just dropped. First click wins!"
	case types.NotifyWon:
		return "You won! Confirm ETA and proceed."
	case types.NotifyLost:
		if winner != nil && winner.Name != "" {
			return fmt.Sprintf("Job taken by %s", winner.Name)
		}
		return "Job taken by another mechanic"
	case types.NotifyExpired:
		return "Offer expired"
	case types.NotifyRejected:
		return "Offer declined"
	case types.NotifyError:
		return "Could not accept the job"
	case types.NotifyInvalidated:
		return "Job is no longer assigned to you"
	case types.NotifyCompleted:
		return "Job completed"
	}
	return string(kind)
}
