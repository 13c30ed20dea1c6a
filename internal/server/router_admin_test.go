package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/divergence"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/health"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adminSession = stubSessionValidator{claims: auth.SessionClaims{UserID: "ops-1", UserRoles: []string{"admin"}}}

type stubSnapshots struct {
	flattened    documents.FlattenedState
	flattenedErr error
	createErr    error
	historyLimit int
	createdBy    string
	createSource string
}

func (s *stubSnapshots) GetFlattenedState(context.Context, string) (documents.FlattenedState, error) {
	return s.flattened, s.flattenedErr
}

func (s *stubSnapshots) GetSnapshotHistory(_ context.Context, documentID string, limit int) ([]snapshots.SnapshotMetadata, error) {
	s.historyLimit = limit
	return []snapshots.SnapshotMetadata{{SnapshotID: "snap-1", DocumentID: documentID}}, nil
}

func (s *stubSnapshots) GetSnapshotStats(_ context.Context, documentID string) (snapshots.SnapshotStats, error) {
	return snapshots.SnapshotStats{DocumentID: documentID, TotalSnapshots: 3}, nil
}

func (s *stubSnapshots) CreateSnapshot(_ context.Context, documentID, source, createdBy string) (snapshots.SnapshotMetadata, error) {
	s.createSource = source
	s.createdBy = createdBy
	if s.createErr != nil {
		return snapshots.SnapshotMetadata{}, s.createErr
	}
	return snapshots.SnapshotMetadata{SnapshotID: "snap-2", DocumentID: documentID, Source: source}, nil
}

type stubConsistency struct {
	report    divergence.Report
	repaired  bool
	repairErr error
	strategy  divergence.RepairStrategy
}

func (s *stubConsistency) CheckConsistency(context.Context, string) (divergence.Report, error) {
	return s.report, nil
}

func (s *stubConsistency) AutoRepair(_ context.Context, _ string, strategy divergence.RepairStrategy) (bool, error) {
	s.strategy = strategy
	return s.repaired, s.repairErr
}

type stubHealth struct{}

func (stubHealth) Summary(context.Context) health.Summary {
	return health.Summary{Status: health.StatusOK}
}

type recordingCollab struct {
	documentID string
}

func (r *recordingCollab) Serve(w http.ResponseWriter, _ *http.Request, documentID string) {
	r.documentID = documentID
	w.WriteHeader(http.StatusTeapot)
}

func newTestRouter(t *testing.T, sessions SessionValidator, snapshotService *stubSnapshots, consistency *stubConsistency) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Collab:      &recordingCollab{},
		Sessions:    sessions,
		Snapshots:   snapshotService,
		Consistency: consistency,
		Health:      stubHealth{},
	})
	require.NoError(t, err)
	return handler
}

func serve(handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return recorder
}

func TestFlattenedStateRouteMapsMissingStateToNotFound(t *testing.T) {
	snapshotService := &stubSnapshots{
		flattened: documents.FlattenedState{Content: crdt.Content{Blocks: []crdt.Block{{Type: "action", Text: "EXT. PIER"}}}, Source: documents.SourceCRDT},
	}
	router := newTestRouter(t, adminSession, snapshotService, &stubConsistency{})

	recorder := serve(router, http.MethodGet, "/admin/documents/doc-1/flattened", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var state documents.FlattenedState
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &state))
	assert.Equal(t, "EXT. PIER", state.Content.Blocks[0].Text)

	snapshotService.flattenedErr = documents.ErrNoFlattenedState
	recorder = serve(router, http.MethodGet, "/admin/documents/doc-1/flattened", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSnapshotHistoryRouteParsesLimit(t *testing.T) {
	snapshotService := &stubSnapshots{}
	router := newTestRouter(t, adminSession, snapshotService, &stubConsistency{})

	recorder := serve(router, http.MethodGet, "/admin/documents/doc-1/snapshots?limit=5", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 5, snapshotService.historyLimit)
	assert.Contains(t, recorder.Body.String(), `"snap-1"`)

	recorder = serve(router, http.MethodGet, "/admin/documents/doc-1/snapshots?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = serve(router, http.MethodGet, "/admin/documents/doc-1/snapshots/stats", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"total_snapshots":3`)
}

func TestManualSnapshotRecordsOperator(t *testing.T) {
	snapshotService := &stubSnapshots{}
	router := newTestRouter(t, adminSession, snapshotService, &stubConsistency{})

	recorder := serve(router, http.MethodPost, "/admin/documents/doc-1/snapshots", nil)
	require.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, documents.SourceManual, snapshotService.createSource)
	assert.Equal(t, "ops-1", snapshotService.createdBy)

	snapshotService.createErr = updatelog.ErrNoUpdates
	recorder = serve(router, http.MethodPost, "/admin/documents/doc-1/snapshots", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRepairRouteValidatesStrategy(t *testing.T) {
	consistency := &stubConsistency{repaired: true}
	router := newTestRouter(t, adminSession, &stubSnapshots{}, consistency)

	recorder := serve(router, http.MethodPost, "/admin/documents/doc-1/repair", []byte(`{"strategy":"prefer_source"}`))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, divergence.StrategyPreferSource, consistency.strategy)
	assert.JSONEq(t, `{"document_id":"doc-1","strategy":"prefer_source","repaired":true}`, recorder.Body.String())

	recorder = serve(router, http.MethodPost, "/admin/documents/doc-1/repair", []byte(`{"strategy":"overwrite_everything"}`))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	consistency.strategy = ""
	consistency.repairErr = divergence.ErrUnsupportedRepairStrategy
	recorder = serve(router, http.MethodPost, "/admin/documents/doc-1/repair", []byte(`{"strategy":"prefer_flattened"}`))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	consistency.repaired = false
	consistency.repairErr = divergence.ErrRepairNotConverged
	recorder = serve(router, http.MethodPost, "/admin/documents/doc-1/repair", []byte(`{"strategy":"prefer_source"}`))
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"repaired":false`)
}

func TestConsistencyRouteReturnsReport(t *testing.T) {
	consistency := &stubConsistency{report: divergence.Report{DocumentID: "doc-1", Diverged: true, Severity: divergence.SeverityModerate}}
	router := newTestRouter(t, adminSession, &stubSnapshots{}, consistency)

	recorder := serve(router, http.MethodGet, "/admin/documents/doc-1/consistency", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"severity":"moderate"`)
}

func TestCollabRouteDelegatesDocumentID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	collab := &recordingCollab{}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "scriptroom_test_total", Help: "test"}))
	handler, err := NewHTTPHandler(Dependencies{
		Collab:      collab,
		Sessions:    adminSession,
		Snapshots:   &stubSnapshots{},
		Consistency: &stubConsistency{},
		Health:      stubHealth{},
		Gatherer:    registry,
	})
	require.NoError(t, err)

	recorder := serve(handler, http.MethodGet, "/collab/scene-42?token=abc", nil)
	assert.Equal(t, http.StatusTeapot, recorder.Code)
	assert.Equal(t, "scene-42", collab.documentID)

	recorder = serve(handler, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "scriptroom_test_total")

	recorder = serve(handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}
