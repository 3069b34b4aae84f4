package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.sessionsOpened, "sessionsOpened counter should be initialized")
	assert.NotNil(t, collector.sessionsActive, "sessionsActive gauge should be initialized")
	assert.NotNil(t, collector.restoreAttempts, "restoreAttempts vec should be initialized")
	assert.NotNil(t, collector.recoveryTime, "recoveryTime gauge should be initialized")
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestSessionLifecycleCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordSessionOpened()
	}
	c.RecordSessionClosed()
	c.RecordSessionExpired()

	assert.Equal(t, float64(3), testutil.ToFloat64(c.sessionsOpened))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsClosed))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsExpired))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsActive))

	c.SetActiveSessions(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(c.sessionsActive))
}

func TestEventsPublished(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordEventsPublished(4)
	c.RecordEventsPublished(0)
	c.RecordEventsPublished(-1)
	assert.Equal(t, float64(4), testutil.ToFloat64(c.eventsPublished))
}

func TestRestoreMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRestoreAttempt("OK", 0.01)
	c.RecordRestoreAttempt("TIMEOUT", 0.5)
	c.RecordRestoreAttempt("OK", 0.02)
	c.RecordSnapshotRejected()
	c.SetRecoveryTime(1.5)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.restoreAttempts.WithLabelValues("OK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.restoreAttempts.WithLabelValues("TIMEOUT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.snapshotsRejected))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
}

func TestCommandAndProtocolMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordCommandApplied("open_session")
	c.RecordCommandApplied("command")
	c.RecordCommandApplied("command")
	c.ObserveCommandLatency(0.003)
	c.RecordSnapshotTaken()
	c.RecordProtocolRequest("restore", "NOT_PRIMARY")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.commandsApplied.WithLabelValues("command")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.snapshotsTaken))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.protocolRequests.WithLabelValues("restore", "NOT_PRIMARY")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSessionOpened()
		c.RecordSessionClosed()
		c.RecordSessionExpired()
		c.SetActiveSessions(1)
		c.RecordEventsPublished(1)
		c.RecordCommandApplied("tick")
		c.ObserveCommandLatency(1)
		c.RecordSnapshotTaken()
		c.RecordRestoreAttempt("OK", 1)
		c.RecordSnapshotRejected()
		c.SetRecoveryTime(1)
		c.RecordProtocolRequest("metadata", "OK")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSessionOpened()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "raft_sessions_opened_total 1"))
}
