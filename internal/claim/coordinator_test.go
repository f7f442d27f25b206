package claim

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/offerstore"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	self  = types.Mechanic{ID: "1", Name: "Ahmed Khan"}
	other = types.Mechanic{ID: "2", Name: "Bola Ade"}
)

func newTestCoordinator(t *testing.T, offerID string) (*Coordinator, *offerstore.Store) {
	t.Helper()
	store := offerstore.New()
	if offerID != "" {
		now := time.Now()
		require.NoError(t, store.SetOffer(types.JobOffer{
			ID: types.JobID(offerID), IssuedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}
	return NewCoordinator(self.ID, store), store
}

func conflict() error {
	return fmt.Errorf("accept 7: %w", types.ErrConflict)
}

func TestBeginStaleOffer(t *testing.T) {
	c, _ := newTestCoordinator(t, "7")

	_, err := c.Begin("8", time.Now())
	assert.ErrorIs(t, err, types.ErrStaleOffer)
	assert.False(t, c.Pending("8"))
}

func TestBeginTwiceIsBusy(t *testing.T) {
	c, _ := newTestCoordinator(t, "7")

	a, err := c.Begin("7", time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.ClaimPending, a.Outcome)

	_, err = c.Begin("7", time.Now())
	assert.ErrorIs(t, err, types.ErrBusy)
	assert.Equal(t, 1, c.PendingCount())
}

func TestBeginAfterResolutionIsStale(t *testing.T) {
	c, _ := newTestCoordinator(t, "7")
	c.MarkResolved("7", types.ClaimLost)

	_, err := c.Begin("7", time.Now())
	assert.ErrorIs(t, err, types.ErrStaleOffer)
}

func TestResponseOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantOutcome types.ClaimOutcome
		wantReason  types.ClearReason
	}{
		{"success wins", nil, types.ClaimWon, types.ReasonAccepted},
		{"409 loses", conflict(), types.ClaimLost, types.ReasonTakenByOther},
		{"transport error is errored", &types.TransportError{Op: "accept", Err: errors.New("timeout")}, types.ClaimErrored, types.ReasonClaimFailed},
		{"unexpected status is errored", &types.TransportError{Op: "accept", Status: 500, Err: errors.New("boom")}, types.ClaimErrored, types.ReasonClaimFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCoordinator(t, "7")
			_, err := c.Begin("7", time.Now())
			require.NoError(t, err)

			d := c.OnResponse("7", AcceptResult{Err: tt.err})
			assert.Equal(t, Apply, d.Action)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.Equal(t, tt.wantReason, d.Reason)
			require.NotNil(t, d.Attempt)
			assert.Equal(t, tt.wantOutcome, d.Attempt.Outcome)
			assert.False(t, c.Pending("7"), "attempt is discarded on resolution")
		})
	}
}

// Scenario C: job_taken for self arrives before the accept response.
func TestTakenBySelfBeforeResponse(t *testing.T) {
	c, _ := newTestCoordinator(t, "9")
	_, err := c.Begin("9", time.Now())
	require.NoError(t, err)

	d := c.OnTaken(types.OfferTaken{JobID: "9", Winner: self})
	assert.Equal(t, Apply, d.Action)
	assert.Equal(t, types.ClaimWon, d.Outcome)

	late := c.OnResponse("9", AcceptResult{Job: types.Job{ID: "9"}})
	assert.Equal(t, Suppress, late.Action, "second signal is a no-op")
	assert.Equal(t, types.ClaimWon, late.Outcome)
}

func TestTakenByOtherBeforeResponse(t *testing.T) {
	c, _ := newTestCoordinator(t, "9")
	_, err := c.Begin("9", time.Now())
	require.NoError(t, err)

	d := c.OnTaken(types.OfferTaken{JobID: "9", Winner: other})
	assert.Equal(t, Apply, d.Action)
	assert.Equal(t, types.ClaimLost, d.Outcome)
	assert.ErrorIs(t, d.Err, types.ErrConflict)
	assert.Equal(t, other.Name, d.Winner.Name)

	late := c.OnResponse("9", AcceptResult{Err: conflict()})
	assert.Equal(t, Suppress, late.Action)
}

func TestResponseBeforeTaken(t *testing.T) {
	c, _ := newTestCoordinator(t, "9")
	_, err := c.Begin("9", time.Now())
	require.NoError(t, err)

	d := c.OnResponse("9", AcceptResult{Job: types.Job{ID: "9"}})
	assert.Equal(t, Apply, d.Action)

	late := c.OnTaken(types.OfferTaken{JobID: "9", Winner: self})
	assert.Equal(t, Suppress, late.Action)
}

func TestTakenWithoutClaim(t *testing.T) {
	c, _ := newTestCoordinator(t, "5")

	d := c.OnTaken(types.OfferTaken{JobID: "5", Winner: other})
	assert.Equal(t, Apply, d.Action, "another mechanic took the offer we were looking at")
	assert.Nil(t, d.Attempt)

	unrelated := c.OnTaken(types.OfferTaken{JobID: "77", Winner: other})
	assert.Equal(t, Suppress, unrelated.Action, "offers we never held are ignored")
}

func TestLateSignalsAfterExpiryAreSuppressed(t *testing.T) {
	c, _ := newTestCoordinator(t, "42")
	_, err := c.Begin("42", time.Now())
	require.NoError(t, err)

	c.MarkResolved("42", types.ClaimLost)
	assert.False(t, c.Pending("42"))

	assert.Equal(t, Suppress, c.OnResponse("42", AcceptResult{}).Action)
	assert.Equal(t, Suppress, c.OnTaken(types.OfferTaken{JobID: "42", Winner: self}).Action)

	o, ok := c.Resolved("42")
	assert.True(t, ok)
	assert.Equal(t, types.ClaimLost, o)
}

func TestResolvedMemoryIsBounded(t *testing.T) {
	c, _ := newTestCoordinator(t, "")
	c.memory = 3
	for i := 0; i < 5; i++ {
		c.MarkResolved(types.JobID(fmt.Sprint(i)), types.ClaimLost)
	}
	_, ok := c.Resolved("0")
	assert.False(t, ok)
	_, ok = c.Resolved("4")
	assert.True(t, ok)
	assert.Len(t, c.order, 3)
}

func TestForgetAllowsReclaim(t *testing.T) {
	c, _ := newTestCoordinator(t, "7")
	c.MarkResolved("7", types.ClaimLost)
	c.MarkResolved("8", types.ClaimLost)

	c.Forget("7")
	_, ok := c.Resolved("7")
	assert.False(t, ok)
	assert.Equal(t, []types.JobID{"8"}, c.order)

	_, err := c.Begin("7", time.Now())
	assert.NoError(t, err)

	c.Forget("unknown")
	assert.Len(t, c.order, 1)
}

func TestResetDropsPending(t *testing.T) {
	c, _ := newTestCoordinator(t, "7")
	_, err := c.Begin("7", time.Now())
	require.NoError(t, err)

	c.Reset()
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, Suppress, c.OnResponse("7", AcceptResult{}).Action)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "apply", Apply.String())
	assert.Equal(t, "suppress", Suppress.String())
}
