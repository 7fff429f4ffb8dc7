package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-engine/internal/metrics"
)

func TestNewRegistersWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.New()
	})
}

func TestHandlerServesCountedMetric(t *testing.T) {
	reg := metrics.New()
	reg.Triggers.Inc()
	reg.ConditionsEvaluated.WithLabelValues("TRUE").Inc()

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, body.String(), "engine_strategy_triggers_total 1")
	assert.Contains(t, body.String(), `engine_conditions_evaluated_total{state="TRUE"} 1`)
}

func TestTwoIndependentRegistriesDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.New()
		metrics.New()
	})
}
