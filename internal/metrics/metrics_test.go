package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg, "1"), reg
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.offersReceived)
	assert.NotNil(t, collector.claims)
	assert.NotNil(t, collector.claimLatency)
	assert.NotNil(t, collector.streamState)
}

func TestNilRegistererUsesDefault(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	assert.NotPanics(t, func() {
		NewCollector(nil, "1")
	})
}

// Two mechanics can share one registry because of the constant label.
func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewCollector(reg, "1")
	b := NewCollector(reg, "2")

	a.RecordOfferReceived()
	b.RecordOfferReceived()
	b.RecordOfferReceived()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.offersReceived))
	assert.Equal(t, float64(2), testutil.ToFloat64(b.offersReceived))
}

func TestOfferCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordOfferReceived()
	c.RecordOfferIgnored()
	c.RecordOfferIgnored()
	c.RecordOfferCleared(types.ReasonExpired)
	c.RecordOfferCleared(types.ReasonTakenByOther)
	c.RecordOfferCleared(types.ReasonTakenByOther)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.offersReceived))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.offersIgnored))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.offersCleared.WithLabelValues("expired")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.offersCleared.WithLabelValues("taken-by-other")))
}

func TestRecordClaim(t *testing.T) {
	c, _ := newTestCollector(t)

	latencies := []time.Duration{time.Millisecond, 50 * time.Millisecond, 0}
	for _, l := range latencies {
		assert.NotPanics(t, func() {
			c.RecordClaim(types.ClaimWon, l)
		})
	}
	c.RecordClaim(types.ClaimLost, 10*time.Millisecond)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.claims.WithLabelValues("won")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.claims.WithLabelValues("lost")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.claimLatency))
}

func TestConnectionStateAndReconnects(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordConnectionState(types.ConnectionState{State: types.Connecting})
	assert.Equal(t, float64(1), testutil.ToFloat64(c.streamState))

	c.RecordConnectionState(types.ConnectionState{State: types.Connected})
	assert.Equal(t, float64(2), testutil.ToFloat64(c.streamState))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.reconnects), "first connection is not a reconnect")

	c.RecordConnectionState(types.ConnectionState{State: types.Disconnected})
	assert.Equal(t, float64(0), testutil.ToFloat64(c.streamState))
	c.RecordConnectionState(types.ConnectionState{State: types.Connected})
	assert.Equal(t, float64(1), testutil.ToFloat64(c.reconnects))
}

func TestCallsAndSignals(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCall("accept", 20*time.Millisecond, nil)
	c.RecordCall("accept", time.Second, errors.New("timeout"))
	c.RecordSuppressed("response")
	c.RecordStatus(types.StatusOnTheWay)
	c.RecordMalformedFrame()

	assert.Equal(t, 2, testutil.CollectAndCount(c.callDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.suppressed.WithLabelValues("response")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.statusUpdates.WithLabelValues("on_the_way")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.malformed))
}

func TestHandlerServesRegistry(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordOfferReceived()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dispatch_offers_received_total{mechanic="1"} 1`)
}
