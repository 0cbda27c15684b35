package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"devicelink/internal/metrics"
	"devicelink/internal/model"
	"devicelink/internal/repository"
)

// Sweeper periodically expires stale registrations and deletes dead rows.
// Every instance runs one; the sweep statement is idempotent.
type Sweeper struct {
	store     repository.TokenStore
	metrics   *metrics.Metrics
	interval  time.Duration
	grace     time.Duration
	retention time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type SweeperConfig struct {
	Interval          time.Duration
	RegistrationGrace time.Duration
	TokenRetention    time.Duration
}

func NewSweeper(store repository.TokenStore, m *metrics.Metrics, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		store:     store,
		metrics:   m,
		interval:  cfg.Interval,
		grace:     cfg.RegistrationGrace,
		retention: cfg.TokenRetention,
	}
}

// Start runs a sweep immediately and then on every tick until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("sweep failed", "component", "sweeper", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	slog.Info("sweeper started", "component", "sweeper", "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("sweeper stopped", "component", "sweeper")
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (model.SweepResult, error) {
	res, err := s.store.SweepExpired(ctx, s.grace, s.retention)
	if err != nil {
		return res, err
	}
	s.metrics.Swept(res)
	if res.RegistrationsExpired+res.RegistrationsDeleted+res.TokensDeleted > 0 {
		slog.Info("sweep complete", "component", "sweeper",
			"registrations_expired", res.RegistrationsExpired,
			"registrations_deleted", res.RegistrationsDeleted,
			"tokens_deleted", res.TokensDeleted)
	}
	return res, nil
}
