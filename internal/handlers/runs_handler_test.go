package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/scan"
)

func newRunsFixture(t *testing.T) (*RunsHandler, *testStore, *testEnqueuer) {
	t.Helper()
	store := newTestStore()
	enqueuer := &testEnqueuer{}
	service := scan.NewService(store, enqueuer, common.GetLogger())
	handler := NewRunsHandler(service, store, nil, common.GetLogger())
	return handler, store, enqueuer
}

func TestCreateRunHandler(t *testing.T) {
	handler, _, enqueuer := newRunsFixture(t)

	body := `{"urls":["https://example.com/a","https://example.com/b"]}`
	recorder := httptest.NewRecorder()
	handler.CreateRunHandler(recorder, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, recorder.Code)

	var resp struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Count        int    `json:"count"`
		JobsEnqueued int    `json:"jobsEnqueued"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "in_progress", resp.Status)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 2, resp.JobsEnqueued)
	assert.Equal(t, 2, enqueuer.count())
}

func TestCreateRunHandlerRejectsEmptyBatch(t *testing.T) {
	handler, _, enqueuer := newRunsFixture(t)

	recorder := httptest.NewRecorder()
	handler.CreateRunHandler(recorder, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"urls":[]}`)))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, 0, enqueuer.count())
}

func TestCreateRunHandlerRejectsInvalidURL(t *testing.T) {
	handler, _, _ := newRunsFixture(t)

	recorder := httptest.NewRecorder()
	handler.CreateRunHandler(recorder, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"urls":["not a url"]}`)))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCreateRunHandlerRejectsBadJSON(t *testing.T) {
	handler, _, _ := newRunsFixture(t)

	recorder := httptest.NewRecorder()
	handler.CreateRunHandler(recorder, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{`)))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCreateRunHandlerMethodNotAllowed(t *testing.T) {
	handler, _, _ := newRunsFixture(t)

	recorder := httptest.NewRecorder()
	handler.CreateRunHandler(recorder, httptest.NewRequest(http.MethodGet, "/api/runs", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestGetRunHandler(t *testing.T) {
	handler, _, _ := newRunsFixture(t)

	// Seed through the real service so findings are attached
	create := httptest.NewRecorder()
	handler.CreateRunHandler(create, httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"urls":["https://example.com/a"]}`)))
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))

	recorder := httptest.NewRecorder()
	handler.GetRunHandler(recorder, httptest.NewRequest(http.MethodGet, "/api/runs/"+created.ID, nil), created.ID)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Run      map[string]interface{} `json:"run"`
		Findings []interface{}          `json:"findings"`
		Stats    map[string]int         `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, created.ID, resp.Run["id"])
	assert.Len(t, resp.Findings, 1)
	assert.Equal(t, 1, resp.Stats["pending"])
}

func TestGetRunHandlerNotFound(t *testing.T) {
	handler, _, _ := newRunsFixture(t)

	recorder := httptest.NewRecorder()
	handler.GetRunHandler(recorder, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil), "missing")

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestListRunsHandler(t *testing.T) {
	handler, _, _ := newRunsFixture(t)

	for _, body := range []string{
		`{"urls":["https://example.com/a"]}`,
		`{"urls":["https://example.com/b"]}`,
	} {
		recorder := httptest.NewRecorder()
		handler.CreateRunHandler(recorder, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body)))
		require.Equal(t, http.StatusCreated, recorder.Code)
	}

	recorder := httptest.NewRecorder()
	handler.ListRunsHandler(recorder, httptest.NewRequest(http.MethodGet, "/api/runs", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Runs  []interface{} `json:"runs"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}
