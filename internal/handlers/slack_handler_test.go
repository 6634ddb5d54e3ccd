package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/vigil/internal/alerts"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/kv"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/reverify"
)

const actionToken = "tok-123"

type slackFixture struct {
	handler  *SlackActionsHandler
	kv       *kv.Client
	enqueuer *testEnqueuer
	store    *testStore
}

func newSlackFixture(t *testing.T) *slackFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := kv.NewClientFromAddr(mr.Addr(), common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := newTestStore()
	store.findings[handlerFindingID] = &models.Finding{
		ID:          handlerFindingID,
		RunID:       sql.NullString{String: "r-1", Valid: true},
		URL:         "https://example.com/checkout",
		Status:      models.FindingStatusEvidenceCaptured,
		Fingerprint: "fp-slack",
		CreatedAt:   time.Now().UTC(),
	}

	enqueuer := &testEnqueuer{}
	config := common.SlackConfig{ActionToken: actionToken, BaseURL: "https://vigil.example.com"}
	coordinator := reverify.NewCoordinator(store, client, enqueuer,
		common.ReverifyConfig{TTLSeconds: 120, RatePerFindingPerHour: 5}, common.GetLogger())
	emitter := alerts.NewEmitter(client, config, common.GetLogger())

	return &slackFixture{
		handler:  NewSlackActionsHandler(coordinator, emitter, store, config, common.GetLogger()),
		kv:       client,
		enqueuer: enqueuer,
		store:    store,
	}
}

func (f *slackFixture) do(t *testing.T, query string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	f.handler.HandleAction(recorder, httptest.NewRequest(http.MethodGet, "/api/slack/actions?"+query, nil))
	return recorder
}

func TestSlackActionRequiresToken(t *testing.T) {
	f := newSlackFixture(t)

	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, "action=reverify&findingId="+handlerFindingID).Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, "action=reverify&findingId="+handlerFindingID+"&t=wrong").Code)
	assert.Equal(t, 0, f.enqueuer.count())
}

func TestSlackActionUnknownAction(t *testing.T) {
	f := newSlackFixture(t)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, "action=explode&findingId="+handlerFindingID+"&t="+actionToken).Code)
}

func TestSlackActionMissingFindingID(t *testing.T) {
	f := newSlackFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "action=reverify&t="+actionToken).Code)
}

func TestSlackReverifyAction(t *testing.T) {
	f := newSlackFixture(t)

	recorder := f.do(t, "action=reverify&findingId="+handlerFindingID+"&t="+actionToken)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp models.ReverifyResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, f.enqueuer.count())

	// The audit trail records the chat origin
	attempts, err := f.store.ReverifyAttempts().ListAttemptsByFinding(context.Background(), handlerFindingID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.ReverifySourceSlack, attempts[0].Source)
}

func TestSlackSuppressAction(t *testing.T) {
	f := newSlackFixture(t)

	recorder := f.do(t, "action=suppress24h&findingId="+handlerFindingID+"&t="+actionToken)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		OK          bool   `json:"ok"`
		Fingerprint string `json:"fingerprint"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "fp-slack", resp.Fingerprint)

	ttl, err := f.kv.TTL(context.Background(), "suppress:fp:fp-slack")
	require.NoError(t, err)
	assert.True(t, ttl > 23*time.Hour)
}

func TestSlackActionParamsInFormBody(t *testing.T) {
	f := newSlackFixture(t)

	body := "action=suppress24h&findingId=" + handlerFindingID + "&t=" + actionToken
	req := httptest.NewRequest(http.MethodPost, "/api/slack/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	f.handler.HandleAction(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		OK          bool   `json:"ok"`
		Fingerprint string `json:"fingerprint"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "fp-slack", resp.Fingerprint)
}

func TestSlackSuppressActionUnknownFinding(t *testing.T) {
	f := newSlackFixture(t)
	assert.Equal(t, http.StatusNotFound,
		f.do(t, "action=suppress24h&findingId=ghost&t="+actionToken).Code)
}
