package notify

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(1)
	c.Notify(types.Notification{Kind: types.NotifyWon, JobID: "1"})
	c.Notify(types.Notification{Kind: types.NotifyLost, JobID: "2"})

	require.Len(t, c.C(), 1)
	n := <-c.C()
	assert.Equal(t, types.NotifyWon, n.Kind)
	assert.Equal(t, 1, c.Dropped())
}

func TestMultiForwardsInOrder(t *testing.T) {
	var got []string
	m := Multi{
		Func(func(n types.Notification) { got = append(got, "a:"+string(n.JobID)) }),
		nil,
		Func(func(n types.Notification) { got = append(got, "b:"+string(n.JobID)) }),
	}
	m.Notify(types.Notification{JobID: "7"})
	assert.Equal(t, []string{"a:7", "b:7"}, got)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	l.Notify(types.Notification{
		Kind:    types.NotifyLost,
		JobID:   "9",
		Message: "Job taken by Bola",
		Winner:  &types.Mechanic{ID: "2", Name: "Bola"},
	})
	l.Notify(types.Notification{Kind: types.NotifyError, JobID: "9", Message: "Could not accept", Err: errors.New("timeout")})

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "winner=Bola")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "error=timeout")
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Job taken by Bola", Message(types.NotifyLost, &types.Mechanic{Name: "Bola"}))
	assert.Equal(t, "Job taken by another mechanic", Message(types.NotifyLost, nil))
	assert.Equal(t, "Offer expired", Message(types.NotifyExpired, nil))
	assert.Equal(t, "mystery", Message("mystery", nil))
}
