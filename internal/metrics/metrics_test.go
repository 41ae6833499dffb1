package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}

func TestRecorders(t *testing.T) {
	beforeFrames := testutil.ToFloat64(framesTotal)
	beforeStored := testutil.ToFloat64(messagesTotal.WithLabelValues(OutcomeStored))
	beforeActive := testutil.ToFloat64(connectionsActive)

	RecordFrame()
	RecordMessage(OutcomeStored, 3*time.Millisecond)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	RecordCodeSystemMutation("create", true)
	RecordHTTPRequest("GET", "/health", 200, time.Millisecond)

	assert.Equal(t, beforeFrames+1, testutil.ToFloat64(framesTotal))
	assert.Equal(t, beforeStored+1, testutil.ToFloat64(messagesTotal.WithLabelValues(OutcomeStored)))
	assert.Equal(t, beforeActive+1, testutil.ToFloat64(connectionsActive))
	assert.GreaterOrEqual(t, testutil.ToFloat64(codesystemMutations.WithLabelValues("create", "true")), 1.0)
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordFrame()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wisefido_hl7_frames_total")
}
