// Package service implements the score/stats facade: the single call
// surface games and UI use. Per call it decides whether the embedded
// relational store answers or the local record store does, preferring
// availability over consistency — the two backends are never reconciled
// into one another.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
	"github.com/gameatica/arcade/internal/localstore"
	"github.com/gameatica/arcade/internal/sqlstore"
)

// Broadcaster pushes recomputed leaderboards to live subscribers.
// Correctness never depends on it.
type Broadcaster interface {
	BroadcastLeaderboard(gameID string, entries []domain.LeaderboardEntry)
}

// ArcadeService orchestrates the two persistence backends.
type ArcadeService struct {
	local     *localstore.Store
	sqldb     *sqlstore.Store
	cfg       *config.ArcadeConfig
	telemetry *config.TelemetryConfig
	client    *http.Client
	hub       Broadcaster
	logger    *slog.Logger
}

// NewArcadeService creates the facade over the given backends.
func NewArcadeService(
	local *localstore.Store,
	sqldb *sqlstore.Store,
	cfg *config.ArcadeConfig,
	telemetry *config.TelemetryConfig,
	logger *slog.Logger,
) *ArcadeService {
	return &ArcadeService{
		local:     local,
		sqldb:     sqldb,
		cfg:       cfg,
		telemetry: telemetry,
		client:    &http.Client{Timeout: telemetry.Timeout},
		logger:    logger,
	}
}

// SetHub attaches the live-update broadcaster.
func (s *ArcadeService) SetHub(hub Broadcaster) {
	s.hub = hub
}

func (s *ArcadeService) clampLimit(n int) int {
	if n <= 0 {
		n = s.cfg.DefaultLimit
	}
	if n > s.cfg.MaxLimit {
		n = s.cfg.MaxLimit
	}
	return n
}

// ==================== AUTH ====================

// Signup registers a new account in the local record store and, when the
// relational store is ready, mirrors it there. The new user becomes the
// current session.
func (s *ArcadeService) Signup(ctx context.Context, req *domain.SignupRequest) (*domain.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.local.GetUserByUsername(req.Username); err == nil {
		return nil, domain.Validation("Username already taken")
	}
	if s.sqldb.Ready() {
		exists, err := s.sqldb.UsernameExists(ctx, req.Username)
		if err != nil {
			s.logger.Warn("sql username check failed", "username", req.Username, "error", err)
		} else if exists {
			return nil, domain.Validation("Username already taken")
		}
	}

	user, err := s.local.CreateUser(req)
	if err != nil {
		return nil, err
	}

	if s.sqldb.Ready() {
		if err := s.sqldb.CreateUser(ctx, user); err != nil {
			s.logger.Warn("failed to mirror user to sql store", "username", user.Username, "error", err)
		}
	}

	if err := s.local.SetCurrentUser(user.Username); err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates against the local record store first; a user known
// only to the relational store is materialized locally on success. The
// outer error intentionally does not distinguish an unknown user from a
// wrong password beyond the two sentinel cases.
func (s *ArcadeService) Login(ctx context.Context, username, password string) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, domain.Validation("Please enter username and password")
	}

	if user, err := s.local.GetUserByUsername(username); err == nil {
		if user.Password != password {
			return nil, domain.ErrIncorrectPassword
		}
		if err := s.local.SetCurrentUser(user.Username); err != nil {
			return nil, err
		}
		return user, nil
	}

	if s.sqldb.Ready() {
		dbUser, err := s.sqldb.GetUserByUsername(ctx, username)
		switch {
		case err == nil:
			if dbUser.Password != password {
				return nil, domain.ErrIncorrectPassword
			}
			// Materialize a local account so the session pointer has a
			// record to reference.
			user, err := s.local.CreateUser(&domain.SignupRequest{
				DisplayName: dbUser.DisplayName,
				Username:    dbUser.Username,
				Email:       dbUser.Email,
				Password:    password,
				IsAdmin:     dbUser.IsAdmin,
			})
			if err != nil {
				return nil, err
			}
			if err := s.local.SetCurrentUser(user.Username); err != nil {
				return nil, err
			}
			s.logger.Info("user authenticated from sql store", "username", user.Username)
			return user, nil
		case errors.Is(err, domain.ErrUserNotFound):
			// fall through
		default:
			s.logger.Warn("sql user lookup failed", "username", username, "error", err)
		}
	}

	return nil, domain.ErrUserNotFound
}

// LoginDemo signs in the demo account, creating it locally when it does
// not exist anywhere yet.
func (s *ArcadeService) LoginDemo(ctx context.Context) (*domain.User, error) {
	demo := s.cfg.DefaultDemo
	user, err := s.Login(ctx, demo.Username, demo.Password)
	if err == nil {
		return user, nil
	}

	user, err = s.local.CreateUser(&domain.SignupRequest{
		DisplayName: demo.DisplayName,
		Username:    demo.Username,
		Email:       demo.Email,
		Password:    demo.Password,
	})
	if err != nil {
		return nil, err
	}
	if err := s.local.SetCurrentUser(user.Username); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout clears the current session.
func (s *ArcadeService) Logout() {
	s.local.ClearCurrentUser()
}

// CurrentUser returns the session's user, or ErrNotLoggedIn.
func (s *ArcadeService) CurrentUser() (*domain.User, error) {
	return s.local.CurrentUser()
}

// IsAdmin reports whether the current session belongs to an admin.
func (s *ArcadeService) IsAdmin() bool {
	user, err := s.local.CurrentUser()
	return err == nil && user.IsAdmin
}

// UpdateProfile applies profile changes for the current user to both
// backends. The relational-store write is best effort.
func (s *ArcadeService) UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (*domain.User, error) {
	user, err := s.local.CurrentUser()
	if err != nil {
		return nil, err
	}

	updated, err := s.local.UpdateUser(user.Username, upd)
	if err != nil {
		return nil, err
	}

	if s.sqldb.Ready() {
		if err := s.sqldb.UpdateUser(ctx, user.Username, upd); err != nil {
			s.logger.Warn("failed to update user in sql store", "username", user.Username, "error", err)
		}
	}
	return updated, nil
}

// ==================== SCORES ====================

// SaveScore records a game result. The local record store is written
// whenever a session exists; the relational store additionally receives
// the row when it is ready (with a guest marker for anonymous play); a
// telemetry report is fired and forgotten. The two writes are not
// atomic: a crash between them leaves the backends inconsistent, which
// this design accepts.
func (s *ArcadeService) SaveScore(ctx context.Context, sub domain.ScoreSubmission) (*domain.ScoreEntry, error) {
	var username, displayName string
	user, sessionErr := s.local.CurrentUser()
	if sessionErr == nil {
		username = user.Username
		displayName = user.DisplayName
	}

	var entry *domain.ScoreEntry
	if sessionErr == nil {
		var err error
		entry, err = s.local.SubmitScore(sub)
		if err != nil {
			return nil, err
		}
	}

	if s.sqldb.Ready() {
		sqlEntry, err := s.sqldb.SubmitScore(ctx, sub, username, displayName)
		if err != nil {
			s.logger.Warn("failed to save score to sql store", "game_id", sub.GameID, "error", err)
		} else if entry == nil {
			entry = sqlEntry
		}
	}

	if entry == nil {
		return nil, domain.ErrNotLoggedIn
	}

	s.reportScore(*entry)
	s.broadcast(ctx, sub.GameID)
	return entry, nil
}

// SubmitScoreBatch ingests externally-sourced score submissions. Rows
// carry their own identity and go to the relational store only; entries
// that fail are logged and skipped.
func (s *ArcadeService) SubmitScoreBatch(ctx context.Context, batch domain.BatchScoreSubmission) error {
	if !s.sqldb.Ready() {
		return domain.ErrStoreNotLoaded
	}

	games := map[string]bool{}
	for _, sub := range batch.Scores {
		if _, err := s.sqldb.SubmitScore(ctx, sub, sub.Username, ""); err != nil {
			s.logger.Error("failed to ingest score",
				"game_id", sub.GameID,
				"username", sub.Username,
				"error", err,
			)
			continue
		}
		games[sub.GameID] = true
	}
	for gameID := range games {
		s.broadcast(ctx, gameID)
	}
	return nil
}

// GetLeaderboard returns the ranking for a game: at most limit entries,
// best score per username, descending. The relational store answers when
// it is ready and has rows; otherwise the local record store does. The
// choice is made independently on every call.
func (s *ArcadeService) GetLeaderboard(ctx context.Context, gameID string, limit int) ([]domain.LeaderboardEntry, error) {
	limit = s.clampLimit(limit)

	if s.sqldb.Ready() {
		entries, err := s.sqldb.TopScores(ctx, gameID, limit, false)
		if err != nil {
			s.logger.Warn("sql leaderboard query failed, falling back", "game_id", gameID, "error", err)
		} else if len(entries) > 0 {
			return entries, nil
		}
	}
	return s.local.TopScores(gameID, limit), nil
}

// GetPersonalBest returns a user's best score for a game, preferring the
// relational store when it has data.
func (s *ArcadeService) GetPersonalBest(ctx context.Context, gameID, username string) (int64, error) {
	if username == "" {
		user, err := s.local.CurrentUser()
		if err != nil {
			return 0, err
		}
		username = user.Username
	}

	if s.sqldb.Ready() {
		best, err := s.sqldb.PersonalBest(ctx, gameID, username)
		if err != nil {
			s.logger.Warn("sql personal best query failed, falling back", "game_id", gameID, "error", err)
		} else if best > 0 {
			return best, nil
		}
	}
	return s.local.UserBestScore(gameID, username), nil
}

// GetUserScores returns a user's recent score history for a game.
func (s *ArcadeService) GetUserScores(ctx context.Context, gameID, username string, limit int) ([]domain.ScoreEntry, error) {
	limit = s.clampLimit(limit)
	if username == "" {
		user, err := s.local.CurrentUser()
		if err != nil {
			return nil, err
		}
		username = user.Username
	}
	username = strings.ToLower(username)

	if s.sqldb.Ready() {
		entries, err := s.sqldb.UserScores(ctx, gameID, username, limit)
		if err != nil {
			s.logger.Warn("sql score history query failed, falling back", "game_id", gameID, "error", err)
		} else if len(entries) > 0 {
			return entries, nil
		}
	}

	var entries []domain.ScoreEntry
	for _, e := range s.local.GameScores(gameID) {
		if e.Username == username {
			entries = append(entries, e)
		}
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetUserStats returns a user's aggregate stats with the same backend
// preference as leaderboards.
func (s *ArcadeService) GetUserStats(ctx context.Context, username string) (domain.UserStats, error) {
	if username == "" {
		user, err := s.local.CurrentUser()
		if err != nil {
			return domain.NewUserStats(), err
		}
		username = user.Username
	}

	if s.sqldb.Ready() {
		stats, err := s.sqldb.UserStats(ctx, username)
		if err != nil {
			s.logger.Warn("sql user stats query failed, falling back", "username", username, "error", err)
		} else if stats.TotalPlays > 0 {
			return stats, nil
		}
	}
	return s.local.UserStats(username), nil
}

func (s *ArcadeService) broadcast(ctx context.Context, gameID string) {
	if s.hub == nil {
		return
	}
	entries, err := s.GetLeaderboard(ctx, gameID, s.cfg.DefaultLimit)
	if err != nil {
		return
	}
	s.hub.BroadcastLeaderboard(gameID, entries)
}

// reportScore fires the best-effort telemetry submission. Failures are
// logged, never surfaced.
func (s *ArcadeService) reportScore(entry domain.ScoreEntry) {
	if !s.telemetry.Enabled || s.telemetry.URL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.telemetry.Timeout)
		defer cancel()

		payload, err := json.Marshal(entry)
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.telemetry.URL, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Debug("telemetry submission failed", "error", err)
			return
		}
		resp.Body.Close()
	}()
}

// ==================== ADMIN ====================

// Export snapshots the local record store into the backup document.
func (s *ArcadeService) Export() *domain.BackupDocument {
	return s.local.Export()
}

// Import restores collections from a backup document.
func (s *ArcadeService) Import(doc *domain.BackupDocument) error {
	return s.local.Import(doc)
}

// ResetAllData wipes the local record store back to its defaults.
func (s *ArcadeService) ResetAllData() error {
	return s.local.ClearAll()
}

// GlobalStats summarizes site activity, preferring the relational store.
func (s *ArcadeService) GlobalStats(ctx context.Context) (domain.GlobalStats, error) {
	if s.sqldb.Ready() {
		stats, err := s.sqldb.GlobalStats(ctx)
		if err == nil {
			return stats, nil
		}
		s.logger.Warn("sql global stats query failed, falling back", "error", err)
	}

	var stats domain.GlobalStats
	players := map[string]bool{}
	for gameID, book := range s.local.Export().Scores {
		stats.TotalScores += int64(len(book))
		stats.TopGames = append(stats.TopGames, domain.GamePlays{GameID: gameID, Plays: int64(len(book))})
		for _, e := range book {
			players[e.Username] = true
		}
	}
	stats.UniquePlayers = int64(len(players))
	return stats, nil
}

// AllLeaderboards returns the top entries of every known game.
func (s *ArcadeService) AllLeaderboards(ctx context.Context, limit int) (map[string][]domain.LeaderboardEntry, error) {
	limit = s.clampLimit(limit)
	boards := map[string][]domain.LeaderboardEntry{}

	if s.sqldb.Ready() {
		games, err := s.sqldb.Games(ctx)
		if err == nil {
			for _, gameID := range games {
				entries, err := s.sqldb.TopScores(ctx, gameID, limit, true)
				if err != nil {
					s.logger.Warn("sql leaderboard query failed", "game_id", gameID, "error", err)
					continue
				}
				boards[gameID] = entries
			}
			return boards, nil
		}
		s.logger.Warn("sql game list query failed, falling back", "error", err)
	}

	for gameID := range s.local.Export().Scores {
		boards[gameID] = s.local.TopScores(gameID, limit)
	}
	return boards, nil
}

// SystemSettings returns the stored site settings.
func (s *ArcadeService) SystemSettings() domain.SystemSettings {
	return s.local.SystemSettings()
}

// SaveSystemSettings replaces the stored site settings.
func (s *ArcadeService) SaveSystemSettings(settings domain.SystemSettings) error {
	return s.local.SaveSystemSettings(settings)
}
