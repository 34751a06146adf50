package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/adapter/memory"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newBackend(t *testing.T) *memory.Backend {
	t.Helper()
	b := memory.New()
	require.NoError(t, b.Seed(context.Background(), "People",
		payload.Object{"Id": "p1", "Name": "Ann", "Age": 31},
		payload.Object{"Id": "p2", "Name": "Bob", "Age": 25},
		payload.Object{"Id": "p3", "Name": "Cid", "Age": 40},
	))
	return b
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListEnvelope(t *testing.T) {
	h := New(newBackend(t)).Handler()
	rec := serve(t, h, http.MethodGet, "/People?$orderby=Age&$top=2&$skip=0&$inlinecount=allpages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "list_people", rec.Body.Bytes())
}

func TestListWithoutCount(t *testing.T) {
	h := New(newBackend(t)).Handler()
	rec := serve(t, h, http.MethodGet, "/People?$filter=Age%20gt%2030", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	_, hasCount := body["odata.count"]
	assert.False(t, hasCount)
	assert.Len(t, body["value"], 2)
}

func TestBadQuery(t *testing.T) {
	h := New(newBackend(t)).Handler()
	rec := serve(t, h, http.MethodGet, "/People?$top=5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "PAGING_WITHOUT_ORDER")
}

func TestCRUDStatuses(t *testing.T) {
	h := New(newBackend(t)).Handler()

	rec := serve(t, h, http.MethodPost, "/People", `{"Id":"p9","Name":"Neo"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(t, h, http.MethodPost, "/People", `{"Id":"p9"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, h, http.MethodPost, "/People", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodPut, "/People/p9", `{"Name":"Trinity"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Trinity"`)

	rec = serve(t, h, http.MethodGet, "/People/p9?$select=Name", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"Name":"Trinity"}`, rec.Body.String())

	rec = serve(t, h, http.MethodDelete, "/People/p9", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, h, http.MethodGet, "/People/p9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// bareAdapter hides the optional ports of the wrapped adapter.
type bareAdapter struct{ adapter.Adapter }

func TestOptionalPortsNotImplemented(t *testing.T) {
	h := New(bareAdapter{newBackend(t)}).Handler()

	rec := serve(t, h, http.MethodGet, "/People/p1/Friends", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = serve(t, h, http.MethodPost, "/People/actions/Recount", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(newBackend(t), WithMetrics(telemetry.NewMetrics(reg)), WithGatherer(reg)).Handler()

	serve(t, h, http.MethodGet, "/People", "")
	rec := serve(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `entsync_http_requests_total{method="GET",route="/:controller",status="200"} 1`)
}
