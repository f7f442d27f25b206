package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// accept responses fed back by the fake API
const (
	respWon = iota
	respConflict
	respError
)

func respond(kind int, id types.JobID) (types.Job, error) {
	switch kind {
	case respWon:
		return types.Job{ID: id, Status: types.StatusAccepted}, nil
	case respConflict:
		return types.Job{}, fmt.Errorf("accept: %w", types.ErrConflict)
	default:
		return types.Job{}, &types.TransportError{Op: "accept", Status: 500, Err: errors.New("boom")}
	}
}

// TestExactlyOnceNotification drives the whole controller through both
// orders of {accept response, job_taken} and checks that exactly one
// terminal notification fires and the end state matches it.
func TestExactlyOnceNotification(t *testing.T) {
	if testing.Short() {
		t.Skip("drives a live controller per case")
	}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("one terminal notification per offer", prop.ForAll(
		func(resp int, takenBySelf bool, takenFirst bool) bool {
			if msg := raceOnce(t, resp, takenBySelf, takenFirst); msg != "" {
				t.Logf("resp=%d self=%t takenFirst=%t: %s", resp, takenBySelf, takenFirst, msg)
				return false
			}
			return true
		},
		gen.IntRange(respWon, respError),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// raceOnce runs one claim race and returns a failure description, or "".
func raceOnce(t *testing.T, resp int, takenBySelf, takenFirst bool) string {
	g := newGate()
	h := newHarness(t)
	h.api.accept = func(ctx context.Context, id types.JobID) (types.Job, error) {
		if err := g.wait(ctx); err != nil {
			return types.Job{}, err
		}
		return respond(resp, id)
	}
	if err := h.c.Start(context.Background()); err != nil {
		return err.Error()
	}
	defer h.c.Stop()

	winner := other
	if takenBySelf {
		winner = self
	}

	h.offer("9", time.Minute)
	result := make(chan types.ClaimOutcome, 1)
	go func() {
		outcome, _ := h.c.Accept(context.Background(), "9")
		result <- outcome
	}()
	<-g.entered

	var first types.ClaimOutcome
	if takenFirst {
		h.stream.emit(types.OfferTaken{JobID: "9", Winner: winner})
		first = <-result
		close(g.release)
	} else {
		close(g.release)
		first = <-result
		h.stream.emit(types.OfferTaken{JobID: "9", Winner: winner})
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.rec.suppressedTotal() < 1 {
		if time.Now().After(deadline) {
			return "second signal never processed"
		}
		time.Sleep(2 * time.Millisecond)
	}

	ns := terminal(h.drain(30 * time.Millisecond))
	if len(ns) != 1 {
		return fmt.Sprintf("want 1 terminal notification, got %d", len(ns))
	}

	phase := h.c.Snapshot().Phase
	switch first {
	case types.ClaimWon:
		if ns[0].Kind != types.NotifyWon {
			return "won without a won notification"
		}
		if phase != types.PhaseAssigned {
			return "won but phase is " + string(phase)
		}
	case types.ClaimLost, types.ClaimErrored:
		if ns[0].Kind == types.NotifyWon {
			return "lost with a won notification"
		}
		if phase == types.PhaseOfferPending || phase == types.PhaseClaiming {
			return "offer still active after resolution"
		}
	default:
		return "unexpected outcome " + string(first)
	}
	return ""
}
