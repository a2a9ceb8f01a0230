package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopy-rag/canopy/pkg/audit"
	"github.com/canopy-rag/canopy/pkg/metrics"
	"github.com/canopy-rag/canopy/pkg/models"
	"github.com/canopy-rag/canopy/pkg/services"
)

type stubPipeline struct {
	resp   *models.Response
	panics bool
	seen   models.Query
}

func (p *stubPipeline) Handle(_ context.Context, q models.Query) *models.Response {
	p.seen = q
	if p.panics {
		panic("chunk missing metadata")
	}
	return p.resp
}

type stubFeedbackWriter struct {
	err error
}

func (w *stubFeedbackWriter) Insert(context.Context, *models.Feedback) error { return w.err }

type stubDeletionStore struct {
	rows int64
	err  error
}

func (s *stubDeletionStore) Search(context.Context, []float32, string, int) ([]models.Chunk, error) {
	return nil, nil
}
func (s *stubDeletionStore) Upsert(context.Context, []models.Chunk) error { return nil }
func (s *stubDeletionStore) DeleteByUser(context.Context, string, string) (int64, error) {
	return s.rows, s.err
}

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(context.Context) error { return p.err }

type dropSink struct{}

func (dropSink) Record(context.Context, *models.AuditEvent) error { return nil }

func answerResponse(text string) *models.Response {
	return &models.Response{
		Answer:  &text,
		TraceID: "trace-1",
		Sources: []models.Source{},
	}
}

func newTestServer(t *testing.T, pipe *stubPipeline, writer *stubFeedbackWriter, withDeletion bool, db Pinger) (*Server, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	auditor := audit.NewRecorder(dropSink{}, nil, logger)

	var deletion *services.DeletionService
	if withDeletion {
		deletion = services.NewDeletionService(&stubDeletionStore{rows: 7}, auditor, logger)
	}
	feedback := services.NewFeedbackService(writer, auditor, m, logger)
	return NewServer(pipe, feedback, deletion, db, m, logger), m
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestQueryEndpoint(t *testing.T) {
	pipe := &stubPipeline{resp: answerResponse("42")}
	srv, _ := newTestServer(t, pipe, &stubFeedbackWriter{}, false, nil)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/query", map[string]any{
		"text":      "what is the answer",
		"user_id":   "u1",
		"tenant_id": "t1",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Answer)
	assert.Equal(t, "42", *resp.Answer)
	assert.Equal(t, "u1", pipe.seen.UserID)
}

func TestQueryEndpoint_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryEndpoint_MissingUserID(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)

	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/query", map[string]any{
		"text":      "hello",
		"tenant_id": "t1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryEndpoint_PanicBecomes500(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{panics: true}, &stubFeedbackWriter{}, false, nil)

	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/query", map[string]any{
		"text":      "boom",
		"user_id":   "u1",
		"tenant_id": "t1",
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)

	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/feedback", map[string]any{
		"trace_id":  "trace-1",
		"user_id":   "u1",
		"tenant_id": "t1",
		"rating":    "up",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["feedback_id"])

	mw := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	assert.Contains(t, mw.Body.String(), "feedback_received_total")
}

func TestFeedbackEndpoint_InvalidRating(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)

	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/feedback", map[string]any{
		"trace_id":  "trace-1",
		"user_id":   "u1",
		"tenant_id": "t1",
		"rating":    "sideways",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeedbackEndpoint_StoreFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{err: errors.New("down")}, false, nil)

	w := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/feedback", map[string]any{
		"trace_id":  "trace-1",
		"user_id":   "u1",
		"tenant_id": "t1",
		"rating":    "down",
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDeletionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, true, nil)

	w := doJSON(t, srv.Router(), http.MethodDelete, "/api/v1/tenants/t1/users/u1/data", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body["rows_deleted"])
}

func TestDeletionEndpoint_AbsentWithoutService(t *testing.T) {
	srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)

	w := doJSON(t, srv.Router(), http.MethodDelete, "/api/v1/tenants/t1/users/u1/data", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("no database configured", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)
		w := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("database healthy", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, &stubPinger{})
		w := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("database unreachable", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, &stubPinger{err: errors.New("refused")})
		w := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv, m := newTestServer(t, &stubPipeline{}, &stubFeedbackWriter{}, false, nil)
	m.RequestsTotal.WithLabelValues("RAG", "ok").Inc()

	w := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "requests_total")
}
