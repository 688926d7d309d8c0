package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/netopt/pkg/storage"
)

// PolicyFileWatcher keeps the policy store in sync with a seed file.
type PolicyFileWatcher struct {
	path     string
	store    storage.PolicyStore
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	seeded map[string]struct{}
	// reloaded is signalled after every sync attempt triggered by a file event.
	reloaded chan error
}

// NewPolicyFileWatcher creates a watcher for path.
func NewPolicyFileWatcher(path string, store storage.PolicyStore, logger *slog.Logger) (*PolicyFileWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyFileWatcher{
		path:     absPath,
		store:    store,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		seeded:   make(map[string]struct{}),
		reloaded: make(chan error, 1),
	}, nil
}

// Sync loads the file and applies it to the store. A file that fails to
// parse leaves the store untouched.
func (w *PolicyFileWatcher) Sync(ctx context.Context) (SeedResult, error) {
	policies, err := LoadPolicyFile(w.path)
	if err != nil {
		return SeedResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := SeedPolicies(ctx, w.store, policies, w.seeded)
	if err != nil {
		return res, err
	}
	w.seeded = make(map[string]struct{}, len(policies))
	for _, p := range policies {
		w.seeded[p.ID] = struct{}{}
	}
	return res, nil
}

// Run watches the file's directory and re-syncs on change until ctx is
// cancelled. Editors that replace the file are handled by watching the
// directory rather than the file.
func (w *PolicyFileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				res, err := w.Sync(ctx)
				if err != nil {
					w.logger.Error("policy reload failed", "path", w.path, "error", err)
				} else {
					w.logger.Info("policies reloaded", "path", w.path,
						"created", res.Created, "updated", res.Updated, "deleted", res.Deleted)
				}
				select {
				case w.reloaded <- err:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}
