package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
	"github.com/gameatica/arcade/internal/github"
	"github.com/gameatica/arcade/internal/localstore"
	"github.com/gameatica/arcade/internal/sqlstore"
)

type syncEnv struct {
	cfg    *config.Config
	local  *localstore.Store
	sqldb  *sqlstore.Store
	worker *SyncWorker
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSyncEnv(t *testing.T, remoteURL string) *syncEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SQLite.WorkDir = t.TempDir()
	logger := testLogger()

	local := localstore.New(afero.NewMemMapFs(), &cfg.LocalStore, &cfg.Arcade, logger)
	require.NoError(t, local.Init())

	sqldb := sqlstore.New(&cfg.SQLite, &cfg.Arcade, local, logger)
	t.Cleanup(func() { sqldb.Close() })

	var remote *github.Client
	if remoteURL != "" {
		cfg.GitHub.Enabled = true
		cfg.GitHub.BaseURL = remoteURL
		cfg.GitHub.Token = "secret"
		cfg.GitHub.Timeout = 5 * time.Second
		remote = github.NewClient(&cfg.GitHub, logger)
	}

	return &syncEnv{
		cfg:    cfg,
		local:  local,
		sqldb:  sqldb,
		worker: NewSyncWorker(sqldb, local, remote, &cfg.GitHub, cfg.Arcade.SiteID, logger),
	}
}

// exportedImage builds a database image holding one snake score for
// alice, for use as remote or snapshot content.
func exportedImage(t *testing.T) []byte {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SQLite.WorkDir = t.TempDir()
	s := sqlstore.New(&cfg.SQLite, &cfg.Arcade, nil, testLogger())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	_, err := s.SubmitScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500}, "alice", "Alice")
	require.NoError(t, err)

	image, err := s.Export(ctx)
	require.NoError(t, err)
	return image
}

func contentsServer(t *testing.T, content []byte) (*httptest.Server, *struct {
	messages []string
	content  []byte
}) {
	t.Helper()
	state := &struct {
		messages []string
		content  []byte
	}{content: content}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if state.content == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"content":  base64.StdEncoding.EncodeToString(state.content),
				"encoding": "base64",
				"sha":      "abc123",
			})
		case http.MethodPut:
			var req struct {
				Message string `json:"message"`
				Content string `json:"content"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			require.NoError(t, err)
			state.content = decoded
			state.messages = append(state.messages, req.Message)
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(server.Close)
	return server, state
}

func TestLoadOnStartFreshDatabase(t *testing.T) {
	env := newSyncEnv(t, "")

	require.NoError(t, env.worker.LoadOnStart(context.Background()))
	assert.True(t, env.sqldb.Ready())
}

func TestLoadOnStartFromLocalSnapshot(t *testing.T) {
	env := newSyncEnv(t, "")
	require.NoError(t, env.local.SaveBlob(base64.StdEncoding.EncodeToString(exportedImage(t))))

	require.NoError(t, env.worker.LoadOnStart(context.Background()))
	require.True(t, env.sqldb.Ready())

	best, err := env.sqldb.PersonalBest(context.Background(), "snake", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), best)
}

func TestLoadOnStartCorruptSnapshotFallsBackToFresh(t *testing.T) {
	env := newSyncEnv(t, "")
	require.NoError(t, env.local.SaveBlob("@@@ not base64 @@@"))

	require.NoError(t, env.worker.LoadOnStart(context.Background()))
	assert.True(t, env.sqldb.Ready())
}

func TestLoadOnStartPrefersRemote(t *testing.T) {
	server, _ := contentsServer(t, exportedImage(t))
	env := newSyncEnv(t, server.URL)

	require.NoError(t, env.worker.LoadOnStart(context.Background()))
	require.True(t, env.sqldb.Ready())

	best, err := env.sqldb.PersonalBest(context.Background(), "snake", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), best, "remote copy is authoritative on startup")

	assert.NotEmpty(t, env.local.LoadBlob(), "pulled image is persisted as the local snapshot")
}

func TestLoadOnStartRemoteMissingFallsBack(t *testing.T) {
	server, _ := contentsServer(t, nil)
	env := newSyncEnv(t, server.URL)

	require.NoError(t, env.worker.LoadOnStart(context.Background()))
	assert.True(t, env.sqldb.Ready(), "a missing remote file still yields a working database")
}

func TestPushRemote(t *testing.T) {
	server, state := contentsServer(t, nil)
	env := newSyncEnv(t, server.URL)
	ctx := context.Background()

	assert.ErrorIs(t, env.worker.PushRemote(ctx), domain.ErrStoreNotLoaded)

	require.NoError(t, env.worker.LoadOnStart(ctx))
	_, err := env.sqldb.SubmitScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 123}, "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, env.worker.PushRemote(ctx))
	require.Len(t, state.messages, 1)
	assert.True(t, strings.HasPrefix(state.messages[0], "Update from "+env.cfg.Arcade.SiteID))
	assert.NotEmpty(t, state.content)
}

func TestPullRemoteReplacesState(t *testing.T) {
	server, _ := contentsServer(t, exportedImage(t))
	env := newSyncEnv(t, server.URL)
	ctx := context.Background()

	// Start with a fresh local database holding a different score
	require.NoError(t, env.sqldb.Create(ctx))
	_, err := env.sqldb.SubmitScore(ctx, domain.ScoreSubmission{GameID: "pong", Score: 9}, "bob", "")
	require.NoError(t, err)

	require.NoError(t, env.worker.PullRemote(ctx))

	best, err := env.sqldb.PersonalBest(ctx, "snake", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), best)

	// Pre-pull state is gone, replaced wholesale
	best, err = env.sqldb.PersonalBest(ctx, "pong", "bob")
	require.NoError(t, err)
	assert.Zero(t, best)
}

func TestAutoSyncStartStop(t *testing.T) {
	server, state := contentsServer(t, nil)
	env := newSyncEnv(t, server.URL)
	env.cfg.GitHub.AutoSync = true
	env.cfg.GitHub.SyncInterval = 20 * time.Millisecond

	require.NoError(t, env.worker.LoadOnStart(context.Background()))

	env.worker.Start()
	time.Sleep(100 * time.Millisecond)
	env.worker.Stop()

	assert.NotEmpty(t, state.messages, "periodic pushes happened")

	// Stop is idempotent
	env.worker.Stop()
}
