package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/jamlinkio/jamlink/healthcheck"
	"github.com/jamlinkio/jamlink/metrics"
	"github.com/jamlinkio/jamlink/rooms"
)

func newTestAPI(t *testing.T) (http.Handler, *rooms.Registry, *healthcheck.Checker) {
	t.Helper()
	appMetrics, err := metrics.NewAppMetrics(otel.Meter(""))
	require.NoError(t, err)
	registry := rooms.NewRegistry()
	checker := healthcheck.NewChecker()
	api := NewAPIHandler(registry, NewGateway(appMetrics), checker, "test-instance", []string{"*"})
	return api, registry, checker
}

func TestAPI_Health(t *testing.T) {
	api, _, checker := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	checker.SetReady(true)
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/liveness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Status(t *testing.T) {
	api, registry, _ := newTestAPI(t)
	registry.Join("r1", "alice", "c1", true)

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	status := StatusResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "test-instance", status.Instance)
	assert.NotEmpty(t, status.Version)
	assert.Equal(t, 1, status.Rooms)
	assert.Equal(t, 0, status.Connections)
}

func TestAPI_Rooms(t *testing.T) {
	api, registry, _ := newTestAPI(t)
	registry.Join("r1", "alice", "c1", true)
	registry.Join("r1", "bob", "c2", false)
	registry.Join("r2", "carol", "c3", false)

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list []RoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].ID)
	assert.Equal(t, "alice", list[0].Host)
	assert.Equal(t, []string{"alice", "bob"}, list[0].Participants)

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/r2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	room := RoomResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.Equal(t, "r2", room.ID)
	assert.Empty(t, room.Host)

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"message":"room not found","code":404}`, rec.Body.String())
}

func TestAPI_CORSHeaders(t *testing.T) {
	api, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
