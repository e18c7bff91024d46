// Package worker owns database lifecycle: loading the embedded store at
// startup and keeping the remote copy in sync.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
	"github.com/gameatica/arcade/internal/github"
	"github.com/gameatica/arcade/internal/localstore"
	"github.com/gameatica/arcade/internal/sqlstore"
)

// SyncWorker loads the embedded relational store on startup and
// periodically pushes its serialized image to the remote repository.
type SyncWorker struct {
	sqldb  *sqlstore.Store
	local  *localstore.Store
	remote *github.Client
	cfg    *config.GitHubConfig
	siteID string
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSyncWorker creates a sync worker. remote may be nil when remote
// sync is not configured.
func NewSyncWorker(
	sqldb *sqlstore.Store,
	local *localstore.Store,
	remote *github.Client,
	cfg *config.GitHubConfig,
	siteID string,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		sqldb:  sqldb,
		local:  local,
		remote: remote,
		cfg:    cfg,
		siteID: siteID,
		logger: logger,
	}
}

// LoadOnStart brings the embedded store up. When remote sync is enabled
// the remote copy is authoritative and is tried first; the local
// snapshot is the fallback, and a fresh database the last resort. With
// sync disabled the local snapshot is tried directly. Either way the
// store ends up ready or an error is returned.
func (w *SyncWorker) LoadOnStart(ctx context.Context) error {
	if w.cfg.Enabled && w.remote != nil {
		if err := w.PullRemote(ctx); err != nil {
			w.logger.Warn("remote database load failed, trying local snapshot", "error", err)
		} else {
			w.logger.Info("database loaded from remote")
			return nil
		}
	}

	if b64 := w.local.LoadBlob(); b64 != "" {
		if err := w.sqldb.OpenBase64(ctx, b64); err != nil {
			w.logger.Warn("local snapshot unusable, creating fresh database", "error", err)
		} else if err := w.sqldb.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		} else {
			w.logger.Info("database loaded from local snapshot")
			return nil
		}
	}

	if err := w.sqldb.Create(ctx); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	if err := w.sqldb.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}
	w.logger.Info("created fresh database")
	return nil
}

// PullRemote fetches the remote database image, opens it as the current
// embedded store, and persists it as the local snapshot. Any state the
// embedded store held before the pull is replaced wholesale.
func (w *SyncWorker) PullRemote(ctx context.Context) error {
	if w.remote == nil {
		return domain.ErrRemoteNotFound
	}

	blob, err := w.remote.Pull(ctx)
	if err != nil {
		return err
	}
	if err := w.sqldb.Open(ctx, blob.Content); err != nil {
		return fmt.Errorf("failed to open remote image: %w", err)
	}
	if err := w.sqldb.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}

	if err := w.local.SaveBlob(base64.StdEncoding.EncodeToString(blob.Content)); err != nil {
		w.logger.Warn("failed to persist pulled snapshot locally", "error", err)
	}
	w.logger.Info("pulled remote database", "bytes", len(blob.Content), "sha", blob.SHA)
	return nil
}

// PushRemote exports the current database image and uploads it. The
// upload is conditional on the remote revision we last saw; a
// concurrent writer surfaces as ErrRemoteStaleRevision and the local
// state is left untouched.
func (w *SyncWorker) PushRemote(ctx context.Context) error {
	if w.remote == nil {
		return domain.ErrRemoteUnauthorized
	}
	if !w.sqldb.Ready() {
		return domain.ErrStoreNotLoaded
	}

	image, err := w.sqldb.Export(ctx)
	if err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}

	message := fmt.Sprintf("Update from %s - %s", w.siteID, time.Now().UTC().Format(time.RFC3339))
	if err := w.remote.Push(ctx, image, message); err != nil {
		return err
	}
	w.logger.Info("pushed database to remote", "bytes", len(image))
	return nil
}

// Start launches the periodic auto-push loop. No-op when auto sync is
// disabled or the worker is already running.
func (w *SyncWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || !w.cfg.Enabled || !w.cfg.AutoSync || w.remote == nil {
		return
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run()
	w.logger.Info("auto sync started", "interval", w.cfg.SyncInterval)
}

// Stop halts the auto-push loop and waits for it to exit.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
	w.logger.Info("auto sync stopped")
}

func (w *SyncWorker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
			if err := w.PushRemote(ctx); err != nil {
				w.logger.Error("auto sync push failed", "error", err)
			}
			cancel()
		}
	}
}
