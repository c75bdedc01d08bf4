package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/keybroker/pkg/types"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.SetPending(types.KindSign, 3)
	m.ObserveResolution(types.KindSign, OutcomeApproved)
	m.ObserveResolution(types.KindSign, OutcomeApproved)
	m.ObserveMessage("pub(bytes.sign)", "ok", 10*time.Millisecond)
	m.SetSurfaceOpen(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending.WithLabelValues("signing")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resolutions.WithLabelValues("signing", OutcomeApproved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("pub(bytes.sign)", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.surfaceOpen))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPending(types.KindAuthorize, 1)
		m.ObserveResolution(types.KindAuthorize, OutcomeRejected)
		m.ObserveMessage("authorize.list", "ok", time.Second)
		m.SetSurfaceOpen(false)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetPending(types.KindMetadata, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `keybroker_pending_requests{kind="metadata"} 1`))
}
