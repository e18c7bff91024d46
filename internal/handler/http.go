// Package handler exposes the arcade persistence API over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gameatica/arcade/internal/domain"
	"github.com/gameatica/arcade/internal/service"
	"github.com/gameatica/arcade/internal/sqlstore"
	"github.com/gameatica/arcade/internal/websocket"
	"github.com/gameatica/arcade/internal/worker"
)

// Handler provides HTTP handlers for the arcade API.
type Handler struct {
	service *service.ArcadeService
	sqldb   *sqlstore.Store
	syncer  *worker.SyncWorker
	hub     *websocket.Hub
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(
	svc *service.ArcadeService,
	sqldb *sqlstore.Store,
	syncer *worker.SyncWorker,
	hub *websocket.Hub,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service: svc,
		sqldb:   sqldb,
		syncer:  syncer,
		hub:     hub,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Auth
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Post("/demo", h.LoginDemo)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
			r.Put("/profile", h.UpdateProfile)
		})

		// Score operations
		r.Post("/scores", h.SubmitScore)
		r.Post("/scores/batch", h.SubmitScoreBatch)

		// Leaderboard and stats operations
		r.Route("/leaderboards", func(r chi.Router) {
			r.Get("/", h.AllLeaderboards)
			r.Route("/{gameID}", func(r chi.Router) {
				r.Get("/", h.GetLeaderboard)
				r.Get("/personal-best", h.GetPersonalBest)
				r.Get("/history", h.GetUserScores)
			})
		})
		r.Get("/users/{username}/stats", h.GetUserStats)

		// Remote sync
		r.Route("/sync", func(r chi.Router) {
			r.Post("/pull", h.SyncPull)
			r.Post("/push", h.SyncPush)
		})

		// Admin operations
		r.Route("/admin", func(r chi.Router) {
			r.Get("/export", h.Export)
			r.Post("/import", h.Import)
			r.Post("/reset", h.ResetAllData)
			r.Get("/stats", h.GlobalStats)
			r.Post("/query", h.Query)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps domain errors onto HTTP statuses. Validation
// messages pass through verbatim; unexpected errors are logged and
// masked.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrUsernameExists):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrIncorrectPassword),
		errors.Is(err, domain.ErrNotLoggedIn),
		errors.Is(err, domain.ErrRemoteUnauthorized):
		h.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, domain.ErrAdminOnly):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrRemoteNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrRemoteStaleRevision):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrStoreNotLoaded):
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// requireAdmin gates a handler on the current session being an admin.
func (h *Handler) requireAdmin(w http.ResponseWriter) bool {
	if !h.service.IsAdmin() {
		h.writeError(w, http.StatusForbidden, domain.ErrAdminOnly)
		return false
	}
	return true
}

func (h *Handler) limitParam(r *http.Request) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			return l
		}
	}
	return 0
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.TotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports the embedded database state. The service still
// answers requests from the local record store when the database is
// down, so this is informational rather than a gate.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{
		"status":   "ready",
		"database": h.sqldb.State().String(),
	})
}

// ==================== AUTH ====================

// Signup registers a new account and signs it in.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req domain.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	user, err := h.service.Signup(r.Context(), &req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: user})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a user and starts a session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	user, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, user)
}

// LoginDemo signs in the demo account.
func (h *Handler) LoginDemo(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.LoginDemo(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, user)
}

// Logout ends the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout()
	h.writeSuccess(w, map[string]string{"status": "logged_out"})
}

// Me returns the current session's user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.CurrentUser()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, user)
}

// UpdateProfile applies profile changes for the current user.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd domain.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), upd)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, user)
}

// ==================== SCORES ====================

// SubmitScore records a score for the current session.
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var sub domain.ScoreSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if sub.GameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.service.SaveScore(r.Context(), sub)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: entry})
}

// SubmitScoreBatch ingests externally-sourced scores.
func (h *Handler) SubmitScoreBatch(w http.ResponseWriter, r *http.Request) {
	var batch domain.BatchScoreSubmission
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if len(batch.Scores) == 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.service.SubmitScoreBatch(r.Context(), batch); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"status":   "accepted",
		"received": len(batch.Scores),
	})
}

// GetLeaderboard returns the ranking for a game.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entries, err := h.service.GetLeaderboard(r.Context(), gameID, h.limitParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, entries)
}

// GetPersonalBest returns a user's best score for a game. With no
// username query param the current session's user is used.
func (h *Handler) GetPersonalBest(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	best, err := h.service.GetPersonalBest(r.Context(), gameID, r.URL.Query().Get("username"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]int64{"best_score": best})
}

// GetUserScores returns a user's recent score history for a game. With
// no username query param the current session's user is used.
func (h *Handler) GetUserScores(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entries, err := h.service.GetUserScores(r.Context(), gameID, r.URL.Query().Get("username"), h.limitParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, entries)
}

// GetUserStats returns a user's aggregate play statistics.
func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	stats, err := h.service.GetUserStats(r.Context(), username)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, stats)
}

// AllLeaderboards returns the top entries of every known game.
func (h *Handler) AllLeaderboards(w http.ResponseWriter, r *http.Request) {
	boards, err := h.service.AllLeaderboards(r.Context(), h.limitParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, boards)
}

// ==================== SYNC ====================

// SyncPull replaces the embedded database with the remote copy.
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	if err := h.syncer.PullRemote(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "pulled"})
}

// SyncPush uploads the embedded database to the remote repository.
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	if err := h.syncer.PushRemote(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "pushed"})
}

// ==================== ADMIN ====================

// Export returns a backup document of the local record store.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	h.writeSuccess(w, h.service.Export())
}

// Import restores collections from a backup document.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	var doc domain.BackupDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.service.Import(&doc); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "imported"})
}

// ResetAllData wipes the local record store back to its defaults.
func (h *Handler) ResetAllData(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	if err := h.service.ResetAllData(); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "reset"})
}

// GlobalStats returns site-wide activity statistics.
func (h *Handler) GlobalStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	stats, err := h.service.GlobalStats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, stats)
}

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResult struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Query runs an ad-hoc SQL statement against the embedded database.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.SQL == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	columns, rows, err := h.sqldb.Query(r.Context(), req.SQL)
	if err != nil {
		if errors.Is(err, domain.ErrStoreNotLoaded) {
			h.writeDomainError(w, err)
			return
		}
		// Surface SQL errors verbatim so the query editor is usable
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.writeSuccess(w, queryResult{Columns: columns, Rows: rows})
}

// GetSettings returns the stored site settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	h.writeSuccess(w, h.service.SystemSettings())
}

// UpdateSettings replaces the stored site settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	var settings domain.SystemSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.service.SaveSystemSettings(settings); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, settings)
}
