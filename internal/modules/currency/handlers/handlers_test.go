package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aristath/tally/internal/modules/currency"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) chi.Router {
	ledgerDB, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	historyDB, cleanupHistory := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanupHistory)

	testingpkg.SeedUserCurrency(t, ledgerDB.Conn(), 1, "EUR", true)
	testingpkg.SeedRate(t, historyDB.Conn(), "EUR", "USD", "2024-05-01", "1.25")

	log := zerolog.Nop()
	svc := currency.NewService(
		currency.NewRateRepository(historyDB.Conn(), log),
		currency.NewUserCurrencyRepository(ledgerDB.Conn(), log),
		nil, nil, currency.Config{PivotCurrency: "EUR"}, log,
	)

	r := chi.NewRouter()
	r.Route("/api", NewHandler(svc, log).RegisterRoutes)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func TestHandleConvert(t *testing.T) {
	r := setupRouter(t)

	w, body := do(t, r, http.MethodGet, "/api/currency/convert?amount=1250&from=USD&date=2024-05-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1000), data["converted"])
	assert.Contains(t, body, "metadata")
}

func TestHandleConvert_BadAmount(t *testing.T) {
	r := setupRouter(t)
	w, _ := do(t, r, http.MethodGet, "/api/currency/convert?amount=ten&from=USD", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetRate_Inverse(t *testing.T) {
	r := setupRouter(t)
	w, body := do(t, r, http.MethodGet, "/api/currency/rate?base=USD&quote=EUR&date=2024-05-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.8", body["data"].(map[string]interface{})["rate"])
}

func TestReferenceAndCustomRate(t *testing.T) {
	r := setupRouter(t)

	w, _ := do(t, r, http.MethodPut, "/api/currency/reference", SetReferenceRequest{CurrencyCode: "usd"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodGet, "/api/currency", nil)
	require.Equal(t, http.StatusOK, w.Code)
	codes := body["data"].(map[string]interface{})["currencies"].([]interface{})
	assert.Equal(t, "USD", codes[0])

	w, _ = do(t, r, http.MethodPut, "/api/currency/rates/custom", map[string]interface{}{
		"base_code": "GBP", "quote_code": "USD", "rate": "1.3", "date": "2024-05-01",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w, body = do(t, r, http.MethodGet, "/api/currency/convert?amount=100&from=GBP&date=2024-05-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(130), body["data"].(map[string]interface{})["converted"])

	w, body = do(t, r, http.MethodPut, "/api/currency/rates/custom", map[string]interface{}{
		"base_code": "GBP", "quote_code": "GBP", "rate": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", body["error"].(map[string]interface{})["kind"])
}

func TestSyncRates_NoProvider(t *testing.T) {
	r := setupRouter(t)
	w, _ := do(t, r, http.MethodPost, "/api/currency/rates/sync", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
