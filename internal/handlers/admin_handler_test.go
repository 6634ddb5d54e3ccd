package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vigil/internal/breaker"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/kv"
	"github.com/ternarybob/vigil/internal/rules"
)

type adminFixture struct {
	handler *AdminHandler
	breaker *breaker.Breaker
	path    string
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := kv.NewClientFromAddr(mr.Addr(), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	circuitBreaker := breaker.New(client, common.BreakerConfig{
		Enabled:               true,
		OpenMinutes:           10,
		FailThreshold:         3,
		ErrorRateThresholdPct: 50,
		ErrorRateWindow:       20,
	}, common.GetLogger())

	path := filepath.Join(t.TempDir(), "allowlist.csv")
	require.NoError(t, os.WriteFile(path, []byte("https://example.com/*\n"), 0o644))
	allowList, err := rules.NewAllowList(path, common.GetLogger())
	require.NoError(t, err)

	return &adminFixture{
		handler: NewAdminHandler(circuitBreaker, allowList, common.GetLogger()),
		breaker: circuitBreaker,
		path:    path,
	}
}

func TestBreakerStatsHandlerEmpty(t *testing.T) {
	f := newAdminFixture(t)

	recorder := httptest.NewRecorder()
	f.handler.BreakerStatsHandler(recorder, httptest.NewRequest(http.MethodGet, "/admin/breaker", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Enabled bool             `json:"enabled"`
		Targets []*breaker.Stats `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.Empty(t, resp.Targets)
}

func TestBreakerStatsHandlerOpenTarget(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.breaker.RecordFailure(ctx, "example.com"))
	}

	recorder := httptest.NewRecorder()
	f.handler.BreakerStatsHandler(recorder, httptest.NewRequest(http.MethodGet, "/admin/breaker", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Targets []*breaker.Stats `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Len(t, resp.Targets, 1)
	assert.Equal(t, "example.com", resp.Targets[0].TargetID)
	assert.Equal(t, breaker.StateOpen, resp.Targets[0].State)
	assert.NotNil(t, resp.Targets[0].NextProbeETA)
}

func TestBreakerResetHandler(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.breaker.RecordFailure(ctx, "example.com"))
	}
	require.True(t, f.breaker.ShouldSkip(ctx, "example.com"))

	recorder := httptest.NewRecorder()
	f.handler.BreakerResetHandler(recorder, httptest.NewRequest(http.MethodPost, "/admin/breaker/reset",
		strings.NewReader(`{"targetId":"example.com"}`)))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.False(t, f.breaker.ShouldSkip(ctx, "example.com"))
}

func TestBreakerResetHandlerRequiresTarget(t *testing.T) {
	f := newAdminFixture(t)

	recorder := httptest.NewRecorder()
	f.handler.BreakerResetHandler(recorder, httptest.NewRequest(http.MethodPost, "/admin/breaker/reset",
		strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestAllowlistReloadHandler(t *testing.T) {
	f := newAdminFixture(t)

	require.NoError(t, os.WriteFile(f.path, []byte("https://example.com/*\nhttps://other.test/*\n"), 0o644))

	recorder := httptest.NewRecorder()
	f.handler.AllowlistReloadHandler(recorder, httptest.NewRequest(http.MethodPost, "/admin/allowlist/reload", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Status   string `json:"status"`
		Patterns int    `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2, resp.Patterns)
}

func TestAllowlistReloadHandlerMissingFile(t *testing.T) {
	f := newAdminFixture(t)

	require.NoError(t, os.Remove(f.path))

	recorder := httptest.NewRecorder()
	f.handler.AllowlistReloadHandler(recorder, httptest.NewRequest(http.MethodPost, "/admin/allowlist/reload", nil))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}
