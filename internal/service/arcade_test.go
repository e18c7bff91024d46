package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
	"github.com/gameatica/arcade/internal/localstore"
	"github.com/gameatica/arcade/internal/sqlstore"
)

type testEnv struct {
	svc   *ArcadeService
	local *localstore.Store
	sqldb *sqlstore.Store
}

func newTestEnv(t *testing.T, withSQL bool) *testEnv {
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

	return &testEnv{
		svc:   NewArcadeService(local, sqldb, &cfg.Arcade, &cfg.Telemetry, logger),
		local: local,
		sqldb: sqldb,
	}
}

func (e *testEnv) signupAndLogin(t *testing.T, username string) *domain.User {
	t.Helper()
	user, err := e.svc.Signup(context.Background(), &domain.SignupRequest{
		DisplayName: "Player " + username,
		Username:    username,
		Email:       username + "@example.com",
		Password:    "secret123",
	})
	require.NoError(t, err)
	return user
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	cases := []struct {
		req domain.SignupRequest
		msg string
	}{
		{domain.SignupRequest{DisplayName: "A", Username: "alice", Email: "a@b.com", Password: "secret123"}, "Display name must be at least 2 characters"},
		{domain.SignupRequest{DisplayName: "Alice", Username: "al", Email: "a@b.com", Password: "secret123"}, "Username must be at least 3 characters"},
		{domain.SignupRequest{DisplayName: "Alice", Username: "bad name!", Email: "a@b.com", Password: "secret123"}, "Username can only contain letters, numbers, and underscores"},
		{domain.SignupRequest{DisplayName: "Alice", Username: "alice", Email: "a@b.com", Password: "short"}, "Password must be at least 6 characters"},
		{domain.SignupRequest{DisplayName: "Alice", Username: "alice", Email: "not-an-email", Password: "secret123"}, "Please enter a valid email address"},
	}
	for _, tc := range cases {
		_, err := env.svc.Signup(ctx, &tc.req)
		require.Error(t, err)
		assert.True(t, domain.IsValidation(err))
		assert.Equal(t, tc.msg, err.Error())
	}
}

func TestSignupStartsSession(t *testing.T) {
	env := newTestEnv(t, false)

	user := env.signupAndLogin(t, "Alice")
	assert.Equal(t, "alice", user.Username)

	current, err := env.svc.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, "alice", current.Username)
}

func TestSignupDuplicateUsername(t *testing.T) {
	env := newTestEnv(t, false)
	env.signupAndLogin(t, "alice")

	_, err := env.svc.Signup(context.Background(), &domain.SignupRequest{
		DisplayName: "Other", Username: "ALICE", Email: "o@b.com", Password: "secret123",
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, "Username already taken", err.Error())
}

func TestSignupMirrorsToSQL(t *testing.T) {
	env := newTestEnv(t, true)
	env.signupAndLogin(t, "alice")

	exists, err := env.sqldb.UsernameExists(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")
	env.svc.Logout()

	_, err := env.svc.Login(ctx, "", "")
	assert.True(t, domain.IsValidation(err))

	_, err = env.svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrIncorrectPassword)

	_, err = env.svc.Login(ctx, "nobody", "secret123")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	user, err := env.svc.Login(ctx, "ALICE", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	current, err := env.svc.CurrentUser()
	require.NoError(t, err)
	assert.Equal(t, "alice", current.Username)
}

func TestLoginMaterializesSQLOnlyUser(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	// A user known only to the shared database, e.g. created at a
	// different deployment
	require.NoError(t, env.sqldb.CreateUser(ctx, &domain.User{
		Username:    "remoteuser",
		DisplayName: "Remote User",
		Email:       "r@example.com",
		Password:    "secret123",
	}))

	_, err := env.svc.Login(ctx, "remoteuser", "wrong")
	assert.ErrorIs(t, err, domain.ErrIncorrectPassword)

	user, err := env.svc.Login(ctx, "remoteuser", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "remoteuser", user.Username)

	// The account now exists in the local record store too
	localUser, err := env.local.GetUserByUsername("remoteuser")
	require.NoError(t, err)
	assert.Equal(t, "Remote User", localUser.DisplayName)
}

func TestLoginDemo(t *testing.T) {
	env := newTestEnv(t, false)

	user, err := env.svc.LoginDemo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "demo", user.Username)
	assert.False(t, user.IsAdmin)
}

func TestIsAdmin(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	assert.False(t, env.svc.IsAdmin())

	_, err := env.svc.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.True(t, env.svc.IsAdmin())

	env.svc.Logout()
	assert.False(t, env.svc.IsAdmin())
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t, true)
	env.signupAndLogin(t, "alice")

	name := "Alice Prime"
	user, err := env.svc.UpdateProfile(context.Background(), domain.ProfileUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice Prime", user.DisplayName)

	sqlUser, err := env.sqldb.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Prime", sqlUser.DisplayName)
}

func TestSaveScoreWritesBothBackends(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")

	entry, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.Username)

	assert.Equal(t, int64(500), env.local.UserBestScore("snake", "alice"))
	best, err := env.sqldb.PersonalBest(ctx, "snake", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), best)
}

func TestSaveScoreGuestGoesToSQLOnly(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	entry, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 250})
	require.NoError(t, err)
	assert.Equal(t, sqlstore.GuestUsername, entry.Username)

	best, err := env.sqldb.PersonalBest(ctx, "snake", sqlstore.GuestUsername)
	require.NoError(t, err)
	assert.Equal(t, int64(250), best)
}

func TestSaveScoreGuestWithoutSQLFails(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.svc.SaveScore(context.Background(), domain.ScoreSubmission{GameID: "snake", Score: 250})
	assert.ErrorIs(t, err, domain.ErrNotLoggedIn)
}

func TestStatsIncrements(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")

	_, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)
	_, err = env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 300})
	require.NoError(t, err)

	stats, err := env.svc.GetUserStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPlays)
	assert.Equal(t, int64(800), stats.TotalScore)
	assert.Equal(t, int64(500), stats.GamesPlayed["snake"].BestScore)

	best, err := env.svc.GetPersonalBest(ctx, "snake", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), best)
}

func TestGetUserScoresHistory(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")

	for _, score := range []int64{500, 300, 400} {
		_, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: score})
		require.NoError(t, err)
	}

	entries, err := env.svc.GetUserScores(ctx, "snake", "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Same call still answers after the database goes away
	require.NoError(t, env.sqldb.Close())
	entries, err = env.svc.GetUserScores(ctx, "snake", "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLeaderboardPrefersSQLThenFallsBack(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")

	_, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)

	// Extra row visible only in the relational store, e.g. synced from
	// another deployment
	_, err = env.sqldb.SubmitScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 900}, "bob", "Bob")
	require.NoError(t, err)

	entries, err := env.svc.GetLeaderboard(ctx, "snake", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob", entries[0].Username, "relational store answers while ready")

	// Database gone: the same call now answers from the record store
	require.NoError(t, env.sqldb.Close())
	entries, err = env.svc.GetLeaderboard(ctx, "snake", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Username)
}

func TestLeaderboardFallsBackWhenSQLEmpty(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")

	// Write around the facade so only the record store has the score
	_, err := env.local.SubmitScore(domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)

	entries, err := env.svc.GetLeaderboard(ctx, "snake", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Username)
}

func TestSubmitScoreBatch(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	batch := domain.BatchScoreSubmission{Scores: []domain.ScoreSubmission{
		{GameID: "snake", Score: 100, Username: "kiosk1"},
		{GameID: "snake", Score: 200, Username: "kiosk2"},
		{GameID: "tetris", Score: 300},
	}}
	require.NoError(t, env.svc.SubmitScoreBatch(ctx, batch))

	entries, err := env.sqldb.TopScores(ctx, "snake", 10, false)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	best, err := env.sqldb.PersonalBest(ctx, "tetris", sqlstore.GuestUsername)
	require.NoError(t, err)
	assert.Equal(t, int64(300), best)
}

func TestSubmitScoreBatchRequiresSQL(t *testing.T) {
	env := newTestEnv(t, false)

	err := env.svc.SubmitScoreBatch(context.Background(), domain.BatchScoreSubmission{
		Scores: []domain.ScoreSubmission{{GameID: "snake", Score: 100}},
	})
	assert.ErrorIs(t, err, domain.ErrStoreNotLoaded)
}

type broadcastRecorder struct {
	games []string
}

func (b *broadcastRecorder) BroadcastLeaderboard(gameID string, entries []domain.LeaderboardEntry) {
	b.games = append(b.games, gameID)
}

func TestSaveScoreBroadcasts(t *testing.T) {
	env := newTestEnv(t, false)
	recorder := &broadcastRecorder{}
	env.svc.SetHub(recorder)
	env.signupAndLogin(t, "alice")

	_, err := env.svc.SaveScore(context.Background(), domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)
	assert.Equal(t, []string{"snake"}, recorder.games)
}

func TestExportImportResetRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")
	_, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)

	doc := env.svc.Export()
	assert.Contains(t, doc.Users, "alice")

	require.NoError(t, env.svc.ResetAllData())
	_, err = env.local.GetUserByUsername("alice")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, env.svc.Import(doc))
	_, err = env.local.GetUserByUsername("alice")
	assert.NoError(t, err)
	assert.Equal(t, int64(500), env.local.UserBestScore("snake", "alice"))
}

func TestGlobalStatsFallsBackToLocal(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")
	_, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)

	stats, err := env.svc.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalScores)
	assert.Equal(t, int64(1), stats.UniquePlayers)
}

func TestAllLeaderboards(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	env.signupAndLogin(t, "alice")
	_, err := env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "snake", Score: 500})
	require.NoError(t, err)
	_, err = env.svc.SaveScore(ctx, domain.ScoreSubmission{GameID: "tetris", Score: 900})
	require.NoError(t, err)

	boards, err := env.svc.AllLeaderboards(ctx, 5)
	require.NoError(t, err)
	require.Contains(t, boards, "snake")
	require.Contains(t, boards, "tetris")
	assert.Equal(t, int64(500), boards["snake"][0].Score)
}
