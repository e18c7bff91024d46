package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/localstore"
	"github.com/gameatica/arcade/internal/service"
	"github.com/gameatica/arcade/internal/sqlstore"
	"github.com/gameatica/arcade/internal/websocket"
	"github.com/gameatica/arcade/internal/worker"
)

func newTestServer(t *testing.T, withSQL bool) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SQLite.WorkDir = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local := localstore.New(afero.NewMemMapFs(), &cfg.LocalStore, &cfg.Arcade, logger)
	require.NoError(t, local.Init())

	sqldb := sqlstore.New(&cfg.SQLite, &cfg.Arcade, local, logger)
	if withSQL {
		require.NoError(t, sqldb.Create(context.Background()))
	}
	t.Cleanup(func() { sqldb.Close() })

	svc := service.NewArcadeService(local, sqldb, &cfg.Arcade, &cfg.Telemetry, logger)
	hub := websocket.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	syncer := worker.NewSyncWorker(sqldb, local, nil, &cfg.GitHub, cfg.Arcade.SiteID, logger)

	h := NewHandler(svc, sqldb, syncer, hub, logger)
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var api APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&api))
	return resp, api
}

func TestHealthAndReady(t *testing.T) {
	server := newTestServer(t, false)

	resp, api := doJSON(t, http.MethodGet, server.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, api.Success)

	resp, api = doJSON(t, http.MethodGet, server.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := api.Data.(map[string]interface{})
	assert.Equal(t, "unloaded", data["database"])
}

func TestSignupLoginFlow(t *testing.T) {
	server := newTestServer(t, false)

	resp, api := doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/signup", map[string]string{
		"displayName": "Alice",
		"username":    "alice",
		"email":       "alice@example.com",
		"password":    "secret123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, api.Success)

	resp, api = doJSON(t, http.MethodGet, server.URL+"/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := api.Data.(map[string]interface{})
	assert.Equal(t, "alice", user["username"])

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/v1/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, api = doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, api.Success)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "secret123",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignupValidationMessagePassesThrough(t *testing.T) {
	server := newTestServer(t, false)

	resp, api := doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/signup", map[string]string{
		"displayName": "Alice",
		"username":    "al",
		"email":       "alice@example.com",
		"password":    "secret123",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Username must be at least 3 characters", api.Error)
}

func TestScoreAndLeaderboard(t *testing.T) {
	server := newTestServer(t, false)

	doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/signup", map[string]string{
		"displayName": "Alice", "username": "alice",
		"email": "alice@example.com", "password": "secret123",
	})

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/v1/scores", map[string]interface{}{
		"game_id": "snake", "score": 500,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, api := doJSON(t, http.MethodGet, server.URL+"/api/v1/leaderboards/snake/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := api.Data.([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, float64(500), entry["score"])

	resp, api = doJSON(t, http.MethodGet, server.URL+"/api/v1/leaderboards/snake/personal-best?username=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	best := api.Data.(map[string]interface{})
	assert.Equal(t, float64(500), best["best_score"])
}

func TestScoreRequiresGameID(t *testing.T) {
	server := newTestServer(t, false)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/v1/scores", map[string]interface{}{"score": 500})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminEndpointsAreGated(t *testing.T) {
	server := newTestServer(t, false)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/v1/admin/export", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Demo user is not an admin either
	doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/demo", nil)
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/v1/admin/export", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/login", map[string]string{
		"username": "admin", "password": "admin123",
	})
	resp, api := doJSON(t, http.MethodGet, server.URL+"/api/v1/admin/export", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, api.Success)
}

func TestAdminQuery(t *testing.T) {
	server := newTestServer(t, true)

	doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/login", map[string]string{
		"username": "admin", "password": "admin123",
	})

	resp, api := doJSON(t, http.MethodPost, server.URL+"/api/v1/admin/query", map[string]string{
		"sql": "SELECT COUNT(*) AS n FROM game_scores",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := api.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"n"}, result["columns"])
}

func TestSyncWithoutRemoteConfigured(t *testing.T) {
	server := newTestServer(t, true)

	doJSON(t, http.MethodPost, server.URL+"/api/v1/auth/login", map[string]string{
		"username": "admin", "password": "admin123",
	})

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/v1/sync/push", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
