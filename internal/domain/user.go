package domain

import (
	"regexp"
	"strings"
	"time"
)

// User represents an arcade account. Username is the unique, lowercased
// identity; DisplayName is what leaderboards show.
type User struct {
	ID          string                 `json:"id"`
	Username    string                 `json:"username"`
	DisplayName string                 `json:"displayName"`
	Email       string                 `json:"email,omitempty"`
	Password    string                 `json:"password"`
	IsAdmin     bool                   `json:"isAdmin"`
	CreatedAt   time.Time              `json:"createdAt"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	Stats       UserStats              `json:"stats"`
}

// UserStats aggregates a user's play history across all games.
type UserStats struct {
	TotalPlays  int                   `json:"totalPlays"`
	TotalScore  int64                 `json:"totalScore"`
	GamesPlayed map[string]*GameStats `json:"gamesPlayed"`
}

// GameStats is the per-game breakdown inside UserStats.
type GameStats struct {
	Plays      int   `json:"plays"`
	BestScore  int64 `json:"bestScore"`
	TotalScore int64 `json:"totalScore"`
}

// NewUserStats returns empty, initialized stats.
func NewUserStats() UserStats {
	return UserStats{GamesPlayed: make(map[string]*GameStats)}
}

// SignupRequest carries the inputs of a registration attempt.
type SignupRequest struct {
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	Password    string `json:"password"`
	IsAdmin     bool   `json:"-"`
}

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Validate checks signup inputs and returns a user-facing validation
// error for the first rule violated.
func (r *SignupRequest) Validate() error {
	if len(r.DisplayName) < 2 {
		return Validation("Display name must be at least 2 characters")
	}
	if len(r.Username) < 3 {
		return Validation("Username must be at least 3 characters")
	}
	if !usernameRe.MatchString(r.Username) {
		return Validation("Username can only contain letters, numbers, and underscores")
	}
	if len(r.Password) < 6 {
		return Validation("Password must be at least 6 characters")
	}
	if r.Email != "" && !emailRe.MatchString(r.Email) {
		return Validation("Please enter a valid email address")
	}
	return nil
}

// NormalizedUsername returns the lowercase form used as the lookup key.
func (r *SignupRequest) NormalizedUsername() string {
	return strings.ToLower(r.Username)
}

// ProfileUpdate carries optional profile mutations. A nil field is left
// unchanged; a non-nil empty email clears the address.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Email       *string `json:"email,omitempty"`
}

// SystemSettings are the tunable site-wide flags.
type SystemSettings struct {
	EmailVerification bool `json:"emailVerification"`
	PublicSignup      bool `json:"publicSignup"`
	MaintenanceMode   bool `json:"maintenanceMode"`
}

// DefaultSystemSettings returns the settings a fresh install starts with.
func DefaultSystemSettings() SystemSettings {
	return SystemSettings{PublicSignup: true}
}
