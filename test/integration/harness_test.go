// ============================================================================
// Dispatch integration harness
// ============================================================================
//
// Package: test/integration
// File: harness_test.go
// Function: Runs the reference server in-process and attaches full client
//           stacks (REST client + websocket transport + controller) to it.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/api"
	"github.com/ChuLiYu/motofix-dispatch/internal/controller"
	"github.com/ChuLiYu/motofix-dispatch/internal/notify"
	"github.com/ChuLiYu/motofix-dispatch/internal/server"
	"github.com/ChuLiYu/motofix-dispatch/internal/transport"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/stretchr/testify/require"
)

type mechanic struct {
	self  types.Mechanic
	ctrl  *controller.Controller
	notes *notify.Channel
}

func startServer(t testing.TB, offerTTL time.Duration) (*server.Server, string) {
	t.Helper()
	srv := server.New(server.Config{OfferTTL: offerTTL}, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		hs.Close()
	})
	return srv, hs.URL
}

func startMechanic(t testing.TB, base string, m types.Mechanic) *mechanic {
	t.Helper()
	creds := transport.StaticToken(string(m.ID))
	client := api.NewClient(api.Config{BaseURL: base, Mechanic: m, Timeout: 2 * time.Second}, creds)
	url, err := transport.StreamURL(base)
	require.NoError(t, err)
	stream := transport.New(transport.Config{
		URL:     url,
		Backoff: transport.Backoff{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2},
	}, creds)

	notes := notify.NewChannel(64)
	ctrl := controller.New(controller.Config{
		Self:         m,
		TickInterval: 50 * time.Millisecond,
		CallTimeout:  2 * time.Second,
	}, client, stream, notes)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)

	mc := &mechanic{self: m, ctrl: ctrl, notes: notes}
	mc.waitFor(t, "connected", func(s types.Snapshot) bool { return s.Connection.State == types.Connected })
	return mc
}

func startMechanics(t testing.TB, base string, n int) []*mechanic {
	out := make([]*mechanic, n)
	for i := range out {
		out[i] = startMechanic(t, base, types.Mechanic{
			ID:   types.MechanicID(fmt.Sprint(i + 1)),
			Name: fmt.Sprintf("Mechanic %d", i+1),
		})
	}
	return out
}

func (m *mechanic) waitFor(t testing.TB, what string, ok func(types.Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !ok(m.ctrl.Snapshot()) {
		if time.Now().After(deadline) {
			t.Fatalf("%s: timed out waiting for %s, snapshot %+v", m.self.Name, what, m.ctrl.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// terminal collects notifications other than new_offer until quiet.
func (m *mechanic) terminal(quiet time.Duration) []types.Notification {
	var out []types.Notification
	for {
		select {
		case n := <-m.notes.C():
			if n.Kind != types.NotifyNewOffer {
				out = append(out, n)
			}
		case <-time.After(quiet):
			return out
		}
	}
}
