package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/store"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(zap.NewNop(), path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rules := model.ConditionRulesConfig{
		TriggerModeWindows: map[string]map[string]model.TriggerModeWindowRule{
			string(model.TriggerLevelInstant): {"1m": {MissingDataPolicy: "best_effort"}},
		},
	}
	s := New(zap.NewNop(), model.ServerConfig{WebSocketPath: "/ws"}, rules, st, nil)
	return s, st
}

func createRequestBody() map[string]any {
	return map[string]any{
		"market": "US_EQUITY", "secType": "STK", "exchange": "SMART", "currency": "USD",
		"tradeType": "buy", "conditionLogic": "AND",
		"conditions": []map[string]any{{
			"conditionId": "c1", "conditionType": "SINGLE_PRODUCT",
			"metric": "PRICE", "triggerMode": "LEVEL_INSTANT",
			"evaluationWindow": "1m", "windowPriceBasis": "close",
			"operator": ">=", "value": "100",
			"productA": map[string]any{"symbol": "AAPL", "secType": "STK", "exchange": "SMART", "currency": "USD"},
		}},
		"symbols": []map[string]any{{"position": 0, "symbol": "AAPL", "secType": "STK", "exchange": "SMART", "tradeType": "buy"}},
		"tradeAction": map[string]any{"kind": "STOCK_TRADE", "orderType": "MKT", "quantity": "10"},
		"expireMode":  "relative",
	}
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestCreateAndGetStrategy(t *testing.T) {
	s, _ := testServer(t)

	rr := doJSON(t, s, http.MethodPost, "/api/v1/strategies", createRequestBody())
	require.Equal(t, http.StatusCreated, rr.Code)

	var created model.Strategy
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, model.StatusPendingActivation, created.Status)

	rr2 := doJSON(t, s, http.MethodGet, "/api/v1/strategies/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestCreateStrategyRejectsNoConditions(t *testing.T) {
	s, _ := testServer(t)
	body := createRequestBody()
	body["conditions"] = []map[string]any{}

	rr := doJSON(t, s, http.MethodPost, "/api/v1/strategies", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListStrategiesFiltersByStatus(t *testing.T) {
	s, _ := testServer(t)
	rr := doJSON(t, s, http.MethodPost, "/api/v1/strategies", createRequestBody())
	require.Equal(t, http.StatusCreated, rr.Code)

	rr2 := doJSON(t, s, http.MethodGet, "/api/v1/strategies?status=PENDING_ACTIVATION", nil)
	require.Equal(t, http.StatusOK, rr2.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["count"])

	rr3 := doJSON(t, s, http.MethodGet, "/api/v1/strategies?status=CANCELLED", nil)
	require.Equal(t, http.StatusOK, rr3.Code)
	var resp3 map[string]any
	require.NoError(t, json.Unmarshal(rr3.Body.Bytes(), &resp3))
	assert.EqualValues(t, 0, resp3["count"])
}

func TestActivatePauseResumeCancel(t *testing.T) {
	s, _ := testServer(t)
	rr := doJSON(t, s, http.MethodPost, "/api/v1/strategies", createRequestBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	var created model.Strategy
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rrAct := doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rrAct.Code)
	var active model.Strategy
	require.NoError(t, json.Unmarshal(rrAct.Body.Bytes(), &active))
	assert.Equal(t, model.StatusActive, active.Status)

	rrPause := doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rrPause.Code)

	rrResume := doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rrResume.Code)

	rrCancel := doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rrCancel.Code)
	var cancelled model.Strategy
	require.NoError(t, json.Unmarshal(rrCancel.Body.Bytes(), &cancelled))
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
}

func TestCancelRejectsTerminalStrategy(t *testing.T) {
	s, _ := testServer(t)
	rr := doJSON(t, s, http.MethodPost, "/api/v1/strategies", createRequestBody())
	var created model.Strategy
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rrCancel := doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rrCancel.Code)

	rrCancelAgain := doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rrCancelAgain.Code)
}

func TestPatchStrategyUpdatesBasicFields(t *testing.T) {
	s, _ := testServer(t)
	rr := doJSON(t, s, http.MethodPost, "/api/v1/strategies", createRequestBody())
	var created model.Strategy
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rrPatch := doJSON(t, s, http.MethodPatch, "/api/v1/strategies/"+created.ID, map[string]any{"exchange": "NASDAQ"})
	require.Equal(t, http.StatusOK, rrPatch.Code)
	var updated model.Strategy
	require.NoError(t, json.Unmarshal(rrPatch.Body.Bytes(), &updated))
	assert.Equal(t, "NASDAQ", updated.Exchange)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rr := doJSON(t, s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGetUnknownStrategyReturnsNotFound(t *testing.T) {
	s, _ := testServer(t)
	rr := doJSON(t, s, http.MethodGet, "/api/v1/strategies/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
