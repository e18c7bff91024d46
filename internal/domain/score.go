package domain

import "time"

// BackendState is the lifecycle of an optional persistence backend.
type BackendState int

const (
	StateUnloaded BackendState = iota
	StateLoading
	StateReady
	StateFailed
)

// String implements fmt.Stringer.
func (s BackendState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ScoreEntry is one immutable game-result record.
type ScoreEntry struct {
	ID              string                 `json:"id"`
	GameID          string                 `json:"gameId"`
	Username        string                 `json:"username"`
	DisplayName     string                 `json:"displayName"`
	Score           int64                  `json:"score"`
	Level           int                    `json:"level,omitempty"`
	DurationSeconds int64                  `json:"duration,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Site            string                 `json:"site,omitempty"`
	CreatedAt       time.Time              `json:"date"`
}

// ScoreSubmission represents a request to record a game result.
type ScoreSubmission struct {
	GameID          string                 `json:"game_id"`
	Score           int64                  `json:"score"`
	Level           int                    `json:"level,omitempty"`
	DurationSeconds int64                  `json:"duration_seconds,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`

	// Username is only honored on ingestion paths that carry their own
	// identity (bulk ingestion); interactive submissions use the session.
	Username string `json:"username,omitempty"`
}

// BatchScoreSubmission represents multiple score submissions.
type BatchScoreSubmission struct {
	Scores []ScoreSubmission `json:"scores"`
}

// LeaderboardEntry is one row of a derived, recomputed-on-read ranking:
// a user's best score for a game.
type LeaderboardEntry struct {
	Rank            int       `json:"rank"`
	Username        string    `json:"username"`
	DisplayName     string    `json:"display_name"`
	Score           int64     `json:"score"`
	Level           int       `json:"level,omitempty"`
	DurationSeconds int64     `json:"duration,omitempty"`
	Site            string    `json:"site,omitempty"`
	Date            time.Time `json:"date"`
}

// GamePlays counts plays of one game, used in global stats.
type GamePlays struct {
	GameID string `json:"game_id"`
	Plays  int64  `json:"plays"`
}

// GlobalStats summarizes site-wide activity for the admin panel.
type GlobalStats struct {
	TotalScores   int64       `json:"total_scores"`
	UniquePlayers int64       `json:"unique_players"`
	TopGames      []GamePlays `json:"top_games"`
}

// BackupDocument is the export/import file format used for manual
// backup, restore and full admin export.
type BackupDocument struct {
	Version    string                  `json:"version"`
	App        string                  `json:"app"`
	Users      map[string]*User        `json:"users"`
	Scores     map[string][]ScoreEntry `json:"scores"`
	Settings   SystemSettings          `json:"settings"`
	ExportedAt time.Time               `json:"exportedAt"`
}
