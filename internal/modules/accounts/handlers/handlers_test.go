package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/aristath/tally/internal/modules/accounts"
	"github.com/aristath/tally/internal/modules/currency"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identityConverter struct{}

func (identityConverter) Convert(ctx context.Context, p currency.ConvertParams) (int64, error) {
	return p.Amount, nil
}

func (identityConverter) ReferenceCurrency(ctx context.Context, userID int64) (string, error) {
	return "EUR", nil
}

func setupRouter(t *testing.T) chi.Router {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	log := zerolog.Nop()
	repo := accounts.NewRepository(log)
	history := accounts.NewHistoryRepository(log)
	h := NewHandler(
		accounts.NewService(db.Conn(), repo, history, identityConverter{}, log),
		accounts.NewBalanceService(db.Conn(), repo, history, identityConverter{}, log),
		log,
	)

	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func do(t *testing.T, r http.Handler, method, path, userID string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func TestCreateAndGetAccount(t *testing.T) {
	r := setupRouter(t)

	w, body := do(t, r, http.MethodPost, "/api/accounts", "1", CreateAccountRequest{
		Name: "Main", CurrencyCode: "EUR", InitialBalance: 2500,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "Main", data["name"])
	assert.Equal(t, float64(2500), data["current_balance"])
	assert.NotNil(t, body["metadata"])

	id := int64(data["id"].(float64))
	w, body = do(t, r, http.MethodGet, "/api/accounts/"+strconv.FormatInt(id, 10), "1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EUR", body["data"].(map[string]interface{})["currency_code"])

	w, body = do(t, r, http.MethodGet, "/api/accounts/"+strconv.FormatInt(id, 10), "2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"].(map[string]interface{})["kind"])
}

func TestUpdateBalance(t *testing.T) {
	r := setupRouter(t)
	_, body := do(t, r, http.MethodPost, "/api/accounts", "1", CreateAccountRequest{Name: "Main", CurrencyCode: "EUR", InitialBalance: 100})
	id := int64(body["data"].(map[string]interface{})["id"].(float64))

	w, body := do(t, r, http.MethodPut, "/api/accounts/"+strconv.FormatInt(id, 10)+"/balance", "1", UpdateBalanceRequest{Balance: 400})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(400), data["current_balance"])
	assert.Equal(t, float64(400), data["initial_balance"])

	w, body = do(t, r, http.MethodGet, "/api/accounts/"+strconv.FormatInt(id, 10)+"/balance-history", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := body["data"].(map[string]interface{})["history"].([]interface{})
	assert.Len(t, history, 1)
}

func TestMissingUserHeader(t *testing.T) {
	r := setupRouter(t)
	w, _ := do(t, r, http.MethodGet, "/api/accounts", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAccount_Invalid(t *testing.T) {
	r := setupRouter(t)
	w, body := do(t, r, http.MethodPost, "/api/accounts", "1", CreateAccountRequest{CurrencyCode: "EUR"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", body["error"].(map[string]interface{})["kind"])
}
