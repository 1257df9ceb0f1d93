package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	require.NotNil(t, c)
	assert.NotNil(t, c.registry)
	assert.NotNil(t, c.runsStarted)
	assert.NotNil(t, c.legsFinished)
}

func TestRunLifecycle(t *testing.T) {
	c := NewCollector()

	c.RunStarted("manual")
	c.RunStarted("schedule")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsStarted.WithLabelValues("manual")))

	c.RunFinished("SUCCESS", 1.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("SUCCESS")))
}

func TestLegFinished(t *testing.T) {
	c := NewCollector()

	c.LegFinished("east", "SUCCESS", 0.2, 3, 1, 0, 4096)
	c.LegFinished("east", "FAILED", 0.1, 0, 0, 2, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.legsFinished.WithLabelValues("east", "FAILED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.artifacts.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.artifacts.WithLabelValues("failed")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytesReplicated.WithLabelValues("east")))
}

func TestRecordsPurged(t *testing.T) {
	c := NewCollector()
	c.RecordsPurged(0)
	c.RecordsPurged(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.recordsPurged))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RunStarted("manual")
		c.RunFinished("FAILED", 1)
		c.LegFinished("east", "FAILED", 1, 0, 0, 1, 0)
		c.RecordsPurged(1)
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RunStarted("manual")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "artsync_runs_started_total")
	assert.Contains(t, string(body), "artsync_runs_active 1")
}
