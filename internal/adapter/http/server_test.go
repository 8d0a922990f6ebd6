package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatus struct {
	stages map[string]string
}

func (s *stubStatus) StageStatuses() map[string]string { return s.stages }

func TestServer_Healthz(t *testing.T) {
	srv := NewServer(":0", &stubStatus{}, slog.Default())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestServer_Statusz(t *testing.T) {
	status := &stubStatus{stages: map[string]string{
		"flight-normalize": "succeeded",
		"fuse":             "pending",
	}}
	srv := NewServer(":0", status, slog.Default())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stages map[string]string `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, status.stages, body.Stages)
}

func TestServer_Metrics(t *testing.T) {
	srv := NewServer(":0", &stubStatus{}, slog.Default())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
