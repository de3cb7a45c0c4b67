package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverall_EmptyIsHealthy(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, Healthy, m.Overall())
}

func TestOverall_Aggregation(t *testing.T) {
	m := NewMonitor()
	m.Set("gateway", Healthy, "")
	m.Set("nats", Degraded, "reconnecting")
	assert.Equal(t, Degraded, m.Overall())

	m.Set("archive", Unhealthy, "disk full")
	assert.Equal(t, Unhealthy, m.Overall())
}

func TestRegister_ProbeWins(t *testing.T) {
	m := NewMonitor()
	level := Healthy
	m.Register("nats", func() Status {
		return Status{Level: level, Message: "live"}
	})
	assert.Equal(t, Healthy, m.Overall())

	level = Unhealthy
	assert.Equal(t, Unhealthy, m.Overall())
}

func TestHandler_StatusCodes(t *testing.T) {
	m := NewMonitor()
	m.Set("gateway", Healthy, "")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.Set("nats", Unhealthy, "connection lost")
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status     Level    `json:"status"`
		Components []Status `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Unhealthy, body.Status)
	assert.Len(t, body.Components, 2)
}
