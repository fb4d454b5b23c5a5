package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/usagesim/pkg/models"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.EventGenerated(models.EventTokens)
	c.EventGenerated(models.EventTokens)
	c.EventGenerated(models.EventGPU)
	c.BatchFinished("sent")
	c.BatchFinished("failed")
	c.BatchFinished("sent")
	c.AttemptFinished(OutcomeOK, 20*time.Millisecond)
	c.AttemptFinished(OutcomeTimeout, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsGenerated.WithLabelValues("tokens")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsGenerated.WithLabelValues("gpu")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.batches.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendAttempts.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sendDuration))

	n, err := testutil.GatherAndCount(c.Registry(), MetricSendAttempts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.EventGenerated(models.EventGPU)
	c.BatchFinished("sent")
	c.AttemptFinished(OutcomeError, time.Second)
	assert.Nil(t, c.Registry())

	seq := slices.Values([]models.UsageEvent{{EventType: models.EventGPU}})
	assert.Len(t, slices.Collect(c.Count(seq)), 1)
}

func TestCount(t *testing.T) {
	c := NewCollector()
	seq := slices.Values([]models.UsageEvent{
		{EventType: models.EventTokens},
		{EventType: models.EventTokens},
		{EventType: models.EventGPU},
	})

	for range c.Count(seq) {
		break
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsGenerated.WithLabelValues("tokens")))

	assert.Len(t, slices.Collect(c.Count(seq)), 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.eventsGenerated.WithLabelValues("tokens")))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.BatchFinished("failed")
	srv := httptest.NewServer(Handler(c.Registry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `usagesim_batches_total{status="failed"} 1`))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, ":9100", NewServer(":9100", c.Registry()).Addr)
}
