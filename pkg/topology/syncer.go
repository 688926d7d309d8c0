package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/netopt/pkg/domain"
)

// SyncerConfig controls topology polling.
type SyncerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Syncer keeps the model aligned with a TopologyProvider by periodic pulls
// and, when supported, pushed change notifications.
type Syncer struct {
	model    *Model
	provider domain.TopologyProvider
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSyncer creates a syncer applying sane defaults.
func NewSyncer(model *Model, provider domain.TopologyProvider, cfg SyncerConfig) *Syncer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		model:    model,
		provider: provider,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// SyncOnce pulls the provider view and merges it into the model.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	topo, err := s.provider.GetTopology(ctx)
	if err != nil {
		return fmt.Errorf("get topology: %w", err)
	}
	if err := s.model.ApplyTopology(topo); err != nil {
		s.logger.Warn("topology merge incomplete", "error", err)
	}
	nodes, links, _ := s.model.Counts()
	s.logger.Debug("topology synced", "nodes", nodes, "links", links)
	return nil
}

// Run syncs immediately and then every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	if sub, ok := s.provider.(domain.ChangeSubscriber); ok {
		go s.subscribe(ctx, sub)
	}

	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("initial topology sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Warn("topology sync failed", "error", err)
			}
		}
	}
}

func (s *Syncer) subscribe(ctx context.Context, sub domain.ChangeSubscriber) {
	err := sub.SubscribeChanges(ctx, func(change domain.Change) {
		if err := s.model.ApplyChange(change); err != nil {
			s.logger.Warn("topology change rejected", "kind", string(change.Kind), "error", err)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("topology subscription ended", "error", err)
	}
}
