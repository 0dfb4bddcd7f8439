package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(subtasks.WithLabelValues("research", "completed"))
	ObserveSubtask("research", "completed")
	ObserveSubtask("research", "completed")
	assert.Equal(t, before+2, testutil.ToFloat64(subtasks.WithLabelValues("research", "completed")))

	spent := testutil.ToFloat64(spend.WithLabelValues("analysis", "true"))
	AddSpend("analysis", true, 300_000)
	AddSpend("analysis", true, -5)
	assert.Equal(t, spent+300_000, testutil.ToFloat64(spend.WithLabelValues("analysis", "true")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/tasks", "POST", 500, 20*time.Millisecond)
	ObserveRun("task", true, time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `mosaic_http_request_errors_total{handler="/api/v1/tasks",method="POST"}`))
	assert.True(t, strings.Contains(text, `mosaic_runs_total{kind="task",outcome="success"}`))
}
