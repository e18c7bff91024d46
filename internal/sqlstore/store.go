// Package sqlstore implements the embedded relational backend: a SQLite
// database holding the shared users and game_scores tables. The live
// database file is scratch state; the durable form is the exported image
// serialized into the local record store after every mutation.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
)

// GuestUsername tags score rows submitted without a session.
const GuestUsername = "guest"

// BlobSaver persists the exported database image. The local record store
// satisfies this.
type BlobSaver interface {
	SaveBlob(b64 string) error
}

// Store is the embedded relational store. It starts Unloaded; nothing is
// queryable until Create or Open succeeds.
type Store struct {
	cfg    *config.SQLiteConfig
	arcade *config.ArcadeConfig
	blobs  BlobSaver
	logger *slog.Logger

	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	state  domain.BackendState
}

// New creates an unloaded store. blobs may be nil to disable the
// auto-serialize step (tests).
func New(cfg *config.SQLiteConfig, arcade *config.ArcadeConfig, blobs BlobSaver, logger *slog.Logger) *Store {
	return &Store{
		cfg:    cfg,
		arcade: arcade,
		blobs:  blobs,
		logger: logger,
		state:  domain.StateUnloaded,
	}
}

// State reports the backend lifecycle state.
func (s *Store) State() domain.BackendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the store can serve queries.
func (s *Store) Ready() bool {
	return s.State() == domain.StateReady
}

// Create initializes a fresh, empty database.
func (s *Store) Create(ctx context.Context) error {
	return s.load(ctx, nil)
}

// Open initializes the database from a serialized image.
func (s *Store) Open(ctx context.Context, image []byte) error {
	return s.load(ctx, image)
}

// OpenBase64 initializes the database from the record-store blob encoding.
func (s *Store) OpenBase64(ctx context.Context, b64 string) error {
	image, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(b64, "\n", ""))
	if err != nil {
		return fmt.Errorf("decoding database blob: %w", err)
	}
	return s.Open(ctx, image)
}

func (s *Store) load(ctx context.Context, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = domain.StateLoading
	if err := s.loadLocked(ctx, image); err != nil {
		s.state = domain.StateFailed
		return err
	}
	s.state = domain.StateReady
	return nil
}

func (s *Store) loadLocked(ctx context.Context, image []byte) error {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}

	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating sqlite work dir: %w", err)
	}
	s.dbPath = filepath.Join(s.cfg.WorkDir, "arcade.db")
	for _, p := range []string{s.dbPath, s.dbPath + "-wal", s.dbPath + "-shm"} {
		os.Remove(p)
	}
	if image != nil {
		if err := os.WriteFile(s.dbPath, image, 0o644); err != nil {
			return fmt.Errorf("writing database image: %w", err)
		}
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		s.dbPath, s.cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	s.db = db

	if err := s.ensureSchemaLocked(ctx); err != nil {
		db.Close()
		s.db = nil
		return err
	}
	s.autoSaveLocked(ctx)
	return nil
}

// EnsureSchema idempotently creates the users and game_scores tables and
// their indexes. Safe to call any number of times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return domain.ErrStoreNotLoaded
	}
	if err := s.ensureSchemaLocked(ctx); err != nil {
		return err
	}
	s.autoSaveLocked(ctx)
	return nil
}

func (s *Store) ensureSchemaLocked(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		display_name TEXT,
		email TEXT,
		role TEXT DEFAULT 'user',
		site TEXT DEFAULT 'Gameatica',
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS game_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		username TEXT NOT NULL,
		display_name TEXT,
		score INTEGER NOT NULL,
		level INTEGER DEFAULT 1,
		duration_seconds INTEGER,
		extra_data TEXT,
		site TEXT DEFAULT 'Gameatica',
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	CREATE INDEX IF NOT EXISTS idx_users_site ON users(site);
	CREATE INDEX IF NOT EXISTS idx_scores_game ON game_scores(game_id, score DESC);
	CREATE INDEX IF NOT EXISTS idx_scores_user ON game_scores(username, game_id);
	CREATE INDEX IF NOT EXISTS idx_scores_site ON game_scores(site, game_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Export produces a consistent serialized image of the whole database.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, domain.ErrStoreNotLoaded
	}
	return s.exportLocked(ctx)
}

func (s *Store) exportLocked(ctx context.Context) ([]byte, error) {
	snapshot := filepath.Join(s.cfg.WorkDir, fmt.Sprintf("export-%s.db", uuid.New().String()))
	defer os.Remove(snapshot)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", snapshot)); err != nil {
		return nil, fmt.Errorf("snapshotting database: %w", err)
	}
	image, err := os.ReadFile(snapshot)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return image, nil
}

// ExportBase64 returns the serialized image in the record-store encoding.
func (s *Store) ExportBase64(ctx context.Context) (string, error) {
	image, err := s.Export(ctx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(image), nil
}

// autoSaveLocked re-serializes the whole database into the record store.
// O(database size) per mutation; acceptable at arcade data volumes.
func (s *Store) autoSaveLocked(ctx context.Context) {
	if s.blobs == nil || s.db == nil {
		return
	}
	image, err := s.exportLocked(ctx)
	if err != nil {
		s.logger.Warn("auto-serialize failed", "error", err)
		return
	}
	if err := s.blobs.SaveBlob(base64.StdEncoding.EncodeToString(image)); err != nil {
		s.logger.Warn("persisting database blob failed", "error", err)
	}
}

// SubmitScore inserts one score row. Missing identity is tolerated and
// recorded under the guest marker.
func (s *Store) SubmitScore(ctx context.Context, sub domain.ScoreSubmission, username, displayName string) (*domain.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, domain.ErrStoreNotLoaded
	}

	if username == "" {
		username = GuestUsername
	}
	if displayName == "" {
		if username == GuestUsername {
			displayName = "Guest"
		} else {
			displayName = username
		}
	}
	level := sub.Level
	if level == 0 {
		level = 1
	}
	var duration interface{}
	if sub.DurationSeconds > 0 {
		duration = sub.DurationSeconds
	}
	extra, err := json.Marshal(sub.Metadata)
	if err != nil {
		extra = []byte("{}")
	}

	query := `
		INSERT INTO game_scores (game_id, username, display_name, score, level, duration_seconds, extra_data, site)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		sub.GameID, username, displayName, sub.Score, level, duration, string(extra), s.arcade.SiteID,
	); err != nil {
		return nil, fmt.Errorf("inserting score: %w", err)
	}

	s.autoSaveLocked(ctx)

	return &domain.ScoreEntry{
		GameID:          sub.GameID,
		Username:        username,
		DisplayName:     displayName,
		Score:           sub.Score,
		Level:           level,
		DurationSeconds: sub.DurationSeconds,
		Metadata:        sub.Metadata,
		Site:            s.arcade.SiteID,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// TopScores returns the leaderboard for a game: each user's maximum
// score, ordered descending, truncated to limit. siteOnly restricts the
// view to rows tagged with the local site instead of the shared pool.
func (s *Store) TopScores(ctx context.Context, gameID string, limit int, siteOnly bool) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, domain.ErrStoreNotLoaded
	}

	query := `
		SELECT username, display_name, MAX(score) as score,
		       level, duration_seconds, site, created_at
		FROM game_scores
		WHERE game_id = ?
	`
	args := []interface{}{gameID}
	if siteOnly {
		query += " AND site = ?"
		args = append(args, s.arcade.SiteID)
	}
	query += `
		GROUP BY username
		ORDER BY score DESC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying top scores: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		var displayName, site, createdAt sql.NullString
		var level, duration sql.NullInt64
		if err := rows.Scan(&e.Username, &displayName, &e.Score, &level, &duration, &site, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning top score: %w", err)
		}
		e.DisplayName = displayName.String
		if e.DisplayName == "" {
			e.DisplayName = e.Username
		}
		e.Level = int(level.Int64)
		e.DurationSeconds = duration.Int64
		e.Site = site.String
		e.Date = parseSQLiteTime(createdAt.String)
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PersonalBest returns a user's maximum score for a game, zero when the
// user has no rows.
func (s *Store) PersonalBest(ctx context.Context, gameID, username string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, domain.ErrStoreNotLoaded
	}

	var best sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(score) FROM game_scores WHERE game_id = ? AND username = ?`,
		gameID, strings.ToLower(username),
	).Scan(&best)
	if err != nil {
		return 0, fmt.Errorf("querying personal best: %w", err)
	}
	return best.Int64, nil
}

// UserScores returns a user's recent score history for a game.
func (s *Store) UserScores(ctx context.Context, gameID, username string, limit int) ([]domain.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, domain.ErrStoreNotLoaded
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT score, level, duration_seconds, created_at
		FROM game_scores
		WHERE game_id = ? AND username = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, gameID, strings.ToLower(username), limit)
	if err != nil {
		return nil, fmt.Errorf("querying user scores: %w", err)
	}
	defer rows.Close()

	var entries []domain.ScoreEntry
	for rows.Next() {
		var e domain.ScoreEntry
		var level, duration sql.NullInt64
		var createdAt sql.NullString
		if err := rows.Scan(&e.Score, &level, &duration, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning user score: %w", err)
		}
		e.GameID = gameID
		e.Username = strings.ToLower(username)
		e.Level = int(level.Int64)
		e.DurationSeconds = duration.Int64
		e.CreatedAt = parseSQLiteTime(createdAt.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UserStats aggregates a user's total plays, total score and per-game
// breakdown from the score rows.
func (s *Store) UserStats(ctx context.Context, username string) (domain.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.NewUserStats()
	if s.db == nil {
		return stats, domain.ErrStoreNotLoaded
	}
	username = strings.ToLower(username)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(score), 0)
		FROM game_scores WHERE username = ?
	`, username).Scan(&stats.TotalPlays, &stats.TotalScore)
	if err != nil {
		return stats, fmt.Errorf("querying user totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, COUNT(*), MAX(score), COALESCE(SUM(score), 0)
		FROM game_scores WHERE username = ?
		GROUP BY game_id
	`, username)
	if err != nil {
		return stats, fmt.Errorf("querying user game breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var gameID string
		game := &domain.GameStats{}
		if err := rows.Scan(&gameID, &game.Plays, &game.BestScore, &game.TotalScore); err != nil {
			return stats, fmt.Errorf("scanning game breakdown: %w", err)
		}
		stats.GamesPlayed[gameID] = game
	}
	return stats, rows.Err()
}

// GlobalStats summarizes site-local activity for the admin panel.
func (s *Store) GlobalStats(ctx context.Context) (domain.GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.GlobalStats
	if s.db == nil {
		return stats, domain.ErrStoreNotLoaded
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT username) FROM game_scores WHERE site = ?`,
		s.arcade.SiteID,
	).Scan(&stats.TotalScores, &stats.UniquePlayers)
	if err != nil {
		return stats, fmt.Errorf("querying global totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, COUNT(*) as plays
		FROM game_scores WHERE site = ?
		GROUP BY game_id
		ORDER BY plays DESC
		LIMIT 5
	`, s.arcade.SiteID)
	if err != nil {
		return stats, fmt.Errorf("querying top games: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.GamePlays
		if err := rows.Scan(&g.GameID, &g.Plays); err != nil {
			return stats, fmt.Errorf("scanning top game: %w", err)
		}
		stats.TopGames = append(stats.TopGames, g)
	}
	return stats, rows.Err()
}

// Games lists the distinct site-local game ids with recorded scores.
func (s *Store) Games(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, domain.ErrStoreNotLoaded
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT game_id FROM game_scores WHERE site = ? ORDER BY game_id`,
		s.arcade.SiteID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying games: %w", err)
	}
	defer rows.Close()

	var games []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scanning game id: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// UsernameExists reports whether a user row exists, case-insensitively.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, domain.ErrStoreNotLoaded
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE LOWER(username) = LOWER(?) LIMIT 1`, username,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking username: %w", err)
	}
	return true, nil
}

// CreateUser inserts a user row mirroring a local account.
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return domain.ErrStoreNotLoaded
	}

	role := "user"
	if user.IsAdmin {
		role = "admin"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, display_name, email, role, created_at, site)
		VALUES (?, ?, ?, ?, ?, datetime('now'), ?)
	`, user.Username, user.Password, user.DisplayName, user.Email, role, s.arcade.SiteID)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	s.autoSaveLocked(ctx)
	return nil
}

// GetUserByUsername fetches a user row, case-insensitively.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, domain.ErrStoreNotLoaded
	}

	var user domain.User
	var displayName, email, role, createdAt sql.NullString
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, display_name, email, role, created_at
		FROM users WHERE LOWER(username) = LOWER(?) LIMIT 1
	`, username).Scan(&id, &user.Username, &user.Password, &displayName, &email, &role, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.ID = fmt.Sprintf("sql_%d", id)
	user.Username = strings.ToLower(user.Username)
	user.DisplayName = displayName.String
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	user.Email = email.String
	user.IsAdmin = role.String == "admin"
	user.CreatedAt = parseSQLiteTime(createdAt.String)
	user.Stats = domain.NewUserStats()
	return &user, nil
}

// UpdateUser applies a profile update to a user row.
func (s *Store) UpdateUser(ctx context.Context, username string, upd domain.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return domain.ErrStoreNotLoaded
	}

	var fields []string
	var args []interface{}
	if upd.DisplayName != nil && *upd.DisplayName != "" {
		fields = append(fields, "display_name = ?")
		args = append(args, *upd.DisplayName)
	}
	if upd.Email != nil {
		fields = append(fields, "email = ?")
		args = append(args, *upd.Email)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, strings.ToLower(username))

	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(fields, ", ")+" WHERE username = ?", args...)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	s.autoSaveLocked(ctx)
	return nil
}

// Query runs an arbitrary SQL statement for the admin query editor and
// returns column names with row values.
func (s *Store) Query(ctx context.Context, stmt string) ([]string, [][]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, nil, domain.ErrStoreNotLoaded
	}

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("reading columns: %w", err)
	}

	var values [][]interface{}
	for rows.Next() {
		row := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		values = append(values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	s.autoSaveLocked(ctx)
	return cols, values, nil
}

// Close releases the database handle and returns the store to Unloaded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = domain.StateUnloaded
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
