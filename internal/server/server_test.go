package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/tally/internal/config"
	"github.com/aristath/tally/internal/di"
	"github.com/aristath/tally/internal/events"
	testingpkg "github.com/aristath/tally/internal/testing"
	"github.com/aristath/tally/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t         *testing.T
	server    *httptest.Server
	container *di.Container
}

func newFixture(t *testing.T) *fixture {
	t.Setenv("TALLY_DATA_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	container, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)

	srv := New(Config{Log: zerolog.Nop(), Container: container, DataDir: cfg.DataDir, Port: cfg.Port, DevMode: true})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		container.Close()
	})
	return &fixture{t: t, server: ts, container: container}
}

func (f *fixture) do(method, path string, userID string, body interface{}) (*http.Response, map[string]interface{}) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	if userID != "" {
		req.Header.Set(utils.UserIDHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{"ledger": "ok", "history": "ok", "client_data": "ok"}, body["databases"])
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(http.MethodGet, "/api/system/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := body["data"].(map[string]interface{})
	assert.Equal(t, "healthy", status["status"])
	assert.Equal(t, float64(5), status["work_types"])
	assert.Equal(t, false, status["backups_enabled"])

	resp, body = f.do(http.MethodGet, "/api/system/databases", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dbs := body["data"].([]interface{})
	require.Len(t, dbs, 3)
	assert.Equal(t, "client_data", dbs[0].(map[string]interface{})["name"])
	assert.Equal(t, "ledger", dbs[2].(map[string]interface{})["name"])

	resp, _ = f.do(http.MethodGet, "/api/system/backups", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(http.MethodPost, "/api/system/backups", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestModuleRoutesMounted(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(http.MethodGet, "/api/accounts", "1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(http.MethodGet, "/api/transactions", "1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(http.MethodGet, "/api/connections", "1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(http.MethodGet, "/api/sync/status", "1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(http.MethodGet, "/api/work/types", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 5)

	resp, _ = f.do(http.MethodGet, "/api/accounts", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSAllowsUserHeader(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/accounts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", utils.UserIDHeader)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers")), strings.ToLower(utils.UserIDHeader))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	testingpkg.SeedUserCurrency(t, f.container.LedgerDB.Conn(), 1, "EUR", true)

	resp, created := f.do(http.MethodPost, "/api/accounts", "1", map[string]interface{}{"name": "Wallet", "currency_code": "EUR"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	accountID := created["data"].(map[string]interface{})["id"].(float64)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set(utils.UserIDHeader, "1")
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				lines <- data
			}
		}
		close(lines)
	}()

	next := func() map[string]interface{} {
		t.Helper()
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			var payload map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(line), &payload))
			return payload
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}

	assert.Equal(t, "connected", next()["type"])

	// Another user's change is not forwarded
	f.container.EventManager.EmitTyped("ledger", &events.TransactionChangeData{
		Type: events.TransactionCreated, UserID: 2, TransactionIDs: []int64{99},
	})

	resp, _ = f.do(http.MethodPost, "/api/transactions", "1", map[string]interface{}{
		"account_id": accountID, "amount": 500, "transaction_type": "income",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := next()
	assert.Equal(t, string(events.TransactionCreated), event["type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["user_id"])
}

func TestEventsStream_RequiresUser(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(http.MethodGet, "/api/events/stream", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
