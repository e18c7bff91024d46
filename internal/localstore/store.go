// Package localstore implements the durable key-value record store that
// every arcade deployment can rely on: whole-collection JSON snapshots on
// a filesystem, last-writer-wins, no locking across processes. It is the
// fallback of last resort when the embedded SQL store is unavailable.
package localstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
)

// Collection keys, relative to the configured prefix.
const (
	keyUsers       = "users"
	keyScores      = "scores"
	keySettings    = "settings"
	keyCurrentUser = "current_user"
	keySQLDB       = "sqldb"
)

// Store is the local record store. All mutating operations rewrite whole
// collections; concurrent writers race with last-writer-wins semantics.
type Store struct {
	fs     afero.Fs
	dir    string
	prefix string
	arcade *config.ArcadeConfig
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a local record store rooted at cfg.Dir on the given
// filesystem. Call Init before first use.
func New(fs afero.Fs, cfg *config.LocalStoreConfig, arcade *config.ArcadeConfig, logger *slog.Logger) *Store {
	return &Store{
		fs:     fs,
		dir:    cfg.Dir,
		prefix: cfg.Prefix,
		arcade: arcade,
		logger: logger,
	}
}

// Init creates the storage directory and seeds missing collections with
// their defaults: the admin and demo accounts, an empty score book and
// the stock system settings. Existing collections are left untouched.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	if ok, _ := afero.Exists(s.fs, s.path(keyUsers)); !ok {
		users := map[string]*domain.User{}
		admin := seedUser("admin_001", s.arcade.DefaultAdmin, true)
		demo := seedUser("demo_001", s.arcade.DefaultDemo, false)
		users[admin.Username] = admin
		users[demo.Username] = demo
		if err := s.writeJSON(keyUsers, users); err != nil {
			return err
		}
	}

	if ok, _ := afero.Exists(s.fs, s.path(keyScores)); !ok {
		if err := s.writeJSON(keyScores, map[string][]domain.ScoreEntry{}); err != nil {
			return err
		}
	}

	if ok, _ := afero.Exists(s.fs, s.path(keySettings)); !ok {
		if err := s.writeJSON(keySettings, domain.DefaultSystemSettings()); err != nil {
			return err
		}
	}

	return nil
}

func seedUser(id string, acct config.AccountConfig, admin bool) *domain.User {
	return &domain.User{
		ID:          id,
		Username:    strings.ToLower(acct.Username),
		DisplayName: acct.DisplayName,
		Email:       acct.Email,
		Password:    acct.Password,
		IsAdmin:     admin,
		CreatedAt:   time.Now().UTC(),
		Settings:    map[string]interface{}{},
		Stats:       domain.NewUserStats(),
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, s.prefix+"_"+key+".json")
}

// readJSON loads a collection into v. Missing or corrupt data reads as
// the zero value; the caller cannot fail on a read.
func (s *Store) readJSON(key string, v interface{}) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("corrupt collection, treating as empty", "key", key, "error", err)
	}
}

func (s *Store) writeJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding collection %s: %w", key, err)
	}
	if err := afero.WriteFile(s.fs, s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("writing collection %s: %w", key, err)
	}
	return nil
}

func (s *Store) users() map[string]*domain.User {
	users := map[string]*domain.User{}
	s.readJSON(keyUsers, &users)
	return users
}

func (s *Store) scores() map[string][]domain.ScoreEntry {
	scores := map[string][]domain.ScoreEntry{}
	s.readJSON(keyScores, &scores)
	return scores
}

// GetUserByUsername looks a user up by its case-normalized username.
func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(username)
}

func (s *Store) getUserLocked(username string) (*domain.User, error) {
	user, ok := s.users()[strings.ToLower(username)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}

// CreateUser registers a new account. The username is lowercased for the
// collection key; duplicates are rejected.
func (s *Store) CreateUser(req *domain.SignupRequest) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.users()
	username := req.NormalizedUsername()
	if _, ok := users[username]; ok {
		return nil, domain.ErrUsernameExists
	}

	user := &domain.User{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
		IsAdmin:     req.IsAdmin,
		CreatedAt:   time.Now().UTC(),
		Settings:    map[string]interface{}{},
		Stats:       domain.NewUserStats(),
	}
	users[username] = user

	if err := s.writeJSON(keyUsers, users); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateUser applies a profile update to an existing account.
func (s *Store) UpdateUser(username string, upd domain.ProfileUpdate) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.users()
	user, ok := users[strings.ToLower(username)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if upd.DisplayName != nil && *upd.DisplayName != "" {
		user.DisplayName = *upd.DisplayName
	}
	if upd.Email != nil {
		user.Email = *upd.Email
	}
	if err := s.writeJSON(keyUsers, users); err != nil {
		return nil, err
	}
	return user, nil
}

// CurrentUser resolves the session pointer. A missing pointer, or a
// pointer at a user record that no longer exists, reads as logged out.
func (s *Store) CurrentUser() (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, s.prefix+"_"+keyCurrentUser))
	if err != nil || len(data) == 0 {
		return nil, domain.ErrNotLoggedIn
	}
	user, err := s.getUserLocked(string(data))
	if err != nil {
		return nil, domain.ErrNotLoggedIn
	}
	return user, nil
}

// SetCurrentUser points the session at the given username.
func (s *Store) SetCurrentUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := filepath.Join(s.dir, s.prefix+"_"+keyCurrentUser)
	if err := afero.WriteFile(s.fs, p, []byte(strings.ToLower(username)), 0o644); err != nil {
		return fmt.Errorf("writing session pointer: %w", err)
	}
	return nil
}

// ClearCurrentUser logs the session out.
func (s *Store) ClearCurrentUser() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(filepath.Join(s.dir, s.prefix+"_"+keyCurrentUser)); err != nil {
		s.logger.Debug("clearing session pointer", "error", err)
	}
}

// SubmitScore appends an immutable score entry for the current user,
// keeps the per-game book sorted descending and bounded, and updates the
// user's aggregate stats. An active session is required.
func (s *Store) SubmitScore(sub domain.ScoreSubmission) (*domain.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, s.prefix+"_"+keyCurrentUser))
	if err != nil || len(data) == 0 {
		return nil, domain.ErrNotLoggedIn
	}
	user, err := s.getUserLocked(string(data))
	if err != nil {
		return nil, domain.ErrNotLoggedIn
	}

	entry := domain.ScoreEntry{
		ID:              uuid.New().String(),
		GameID:          sub.GameID,
		Username:        user.Username,
		DisplayName:     user.DisplayName,
		Score:           sub.Score,
		Level:           sub.Level,
		DurationSeconds: sub.DurationSeconds,
		Metadata:        sub.Metadata,
		CreatedAt:       time.Now().UTC(),
	}

	scores := s.scores()
	book := append(scores[sub.GameID], entry)
	sort.SliceStable(book, func(i, j int) bool { return book[i].Score > book[j].Score })
	if len(book) > s.arcade.MaxScoresPerGame {
		book = book[:s.arcade.MaxScoresPerGame]
	}
	scores[sub.GameID] = book
	if err := s.writeJSON(keyScores, scores); err != nil {
		return nil, err
	}

	if err := s.updateUserStatsLocked(user.Username, sub.GameID, sub.Score); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) updateUserStatsLocked(username, gameID string, score int64) error {
	users := s.users()
	user, ok := users[username]
	if !ok {
		return nil
	}
	if user.Stats.GamesPlayed == nil {
		user.Stats.GamesPlayed = make(map[string]*domain.GameStats)
	}
	user.Stats.TotalPlays++
	user.Stats.TotalScore += score

	game := user.Stats.GamesPlayed[gameID]
	if game == nil {
		game = &domain.GameStats{}
		user.Stats.GamesPlayed[gameID] = game
	}
	game.Plays++
	game.TotalScore += score
	if score > game.BestScore {
		game.BestScore = score
	}
	return s.writeJSON(keyUsers, users)
}

// GameScores returns the raw stored score book for a game, best first.
func (s *Store) GameScores(gameID string) []domain.ScoreEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores()[gameID]
}

// TopScores derives the leaderboard view: one best entry per username,
// ordered by score descending, truncated to limit.
func (s *Store) TopScores(gameID string, limit int) []domain.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := map[string]domain.ScoreEntry{}
	for _, e := range s.scores()[gameID] {
		if cur, ok := best[e.Username]; !ok || e.Score > cur.Score {
			best[e.Username] = e
		}
	}

	entries := make([]domain.LeaderboardEntry, 0, len(best))
	for _, e := range best {
		entries = append(entries, domain.LeaderboardEntry{
			Username:        e.Username,
			DisplayName:     e.DisplayName,
			Score:           e.Score,
			Level:           e.Level,
			DurationSeconds: e.DurationSeconds,
			Date:            e.CreatedAt,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// UserBestScore returns the user's highest stored score for a game, or
// zero when none exists.
func (s *Store) UserBestScore(gameID, username string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(username)
	var best int64
	for _, e := range s.scores()[gameID] {
		if e.Username == username && e.Score > best {
			best = e.Score
		}
	}
	return best
}

// UserStats returns a user's aggregate stats; unknown users read as
// empty stats.
func (s *Store) UserStats(username string) domain.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users()[strings.ToLower(username)]
	if !ok {
		return domain.NewUserStats()
	}
	if user.Stats.GamesPlayed == nil {
		user.Stats.GamesPlayed = make(map[string]*domain.GameStats)
	}
	return user.Stats
}

// SystemSettings returns the stored site settings.
func (s *Store) SystemSettings() domain.SystemSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := domain.SystemSettings{}
	s.readJSON(keySettings, &settings)
	return settings
}

// SaveSystemSettings replaces the stored site settings.
func (s *Store) SaveSystemSettings(settings domain.SystemSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(keySettings, settings)
}

// SaveBlob persists the serialized relational store under its fixed key.
func (s *Store) SaveBlob(b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := filepath.Join(s.dir, s.prefix+"_"+keySQLDB)
	if err := afero.WriteFile(s.fs, p, []byte(b64), 0o644); err != nil {
		return fmt.Errorf("writing database blob: %w", err)
	}
	return nil
}

// LoadBlob returns the serialized relational store, or the empty string
// when none has been saved.
func (s *Store) LoadBlob() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, s.prefix+"_"+keySQLDB))
	if err != nil {
		return ""
	}
	return string(data)
}

// Export snapshots users, scores and settings into the backup document.
func (s *Store) Export() *domain.BackupDocument {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := domain.SystemSettings{}
	s.readJSON(keySettings, &settings)

	return &domain.BackupDocument{
		Version:    s.arcade.Version,
		App:        s.arcade.AppName,
		Users:      s.users(),
		Scores:     s.scores(),
		Settings:   settings,
		ExportedAt: time.Now().UTC(),
	}
}

// Import replaces collections with those present in the document.
func (s *Store) Import(doc *domain.BackupDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Users != nil {
		if err := s.writeJSON(keyUsers, doc.Users); err != nil {
			return err
		}
	}
	if doc.Scores != nil {
		if err := s.writeJSON(keyScores, doc.Scores); err != nil {
			return err
		}
	}
	if err := s.writeJSON(keySettings, doc.Settings); err != nil {
		return err
	}
	return nil
}

// ClearAll wipes every collection and the session pointer, then reseeds
// the defaults.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	for _, key := range []string{keyUsers, keyScores, keySettings} {
		if err := s.fs.Remove(s.path(key)); err != nil {
			s.logger.Debug("removing collection", "key", key, "error", err)
		}
	}
	if err := s.fs.Remove(filepath.Join(s.dir, s.prefix+"_"+keyCurrentUser)); err != nil {
		s.logger.Debug("removing session pointer", "error", err)
	}
	s.mu.Unlock()
	return s.Init()
}
