package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/reconcile"
	"github.com/halpertlabs/spreadkeeper/internal/storage"
)

type stubReports struct {
	report *reconcile.RunReport
}

func (s *stubReports) LastReport() *reconcile.RunReport { return s.report }

func newTestServer(t *testing.T) (*Server, *storage.JSONStorage, *stubReports) {
	t.Helper()
	store := storage.NewMemoryStorage()
	reports := &stubReports{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(0, store, reports, logger), store, reports
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReportEndpoint(t *testing.T) {
	srv, _, reports := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no runs yet")

	reports.report = &reconcile.RunReport{
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Success:    true,
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report reconcile.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Success)
}

func TestPositionEndpoints(t *testing.T) {
	srv, store, _ := newTestServer(t)

	pos := models.NewPosition("pos-1", "user-1", "5WX12345", "SPY")
	pos.State = models.StateOpenFull
	require.NoError(t, store.SavePosition(pos))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(
		http.MethodGet, "/api/accounts/5WX12345/positions?user=user-1&open=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var positions []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "pos-1", positions[0].ID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/pos-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
