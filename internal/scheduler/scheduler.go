// Package scheduler drives the recurring settlement batch: a daily charge run
// over due subscriptions and an afternoon retry run over failed ones.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/gateway"
	"github.com/storeboost/autobill/internal/lock"
	"github.com/storeboost/autobill/internal/notifier"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/zap"
)

// Scheduler owns the cron triggers and the batch charge pipeline.
type Scheduler struct {
	repo     domain.Repository
	gateway  gateway.Client
	notifier notifier.Notifier
	locks    lock.Store
	retries  RetryTracker
	clock    clock.Clock
	tunables *config.SchedulerTunablesHolder
	gwCfg    config.GatewayConfig
	schedCfg config.SchedulerConfig
	log      *zap.Logger
	node     *snowflake.Node

	cron *cron.Cron

	mu         sync.Mutex
	running    bool
	processing map[string]struct{}
	wg         sync.WaitGroup
}

// New constructs the scheduler. Start must be called before any cron trigger
// fires; the Run* methods work without Start for manual invocation.
func New(
	repo domain.Repository,
	gw gateway.Client,
	ntf notifier.Notifier,
	locks lock.Store,
	retries RetryTracker,
	clk clock.Clock,
	tunables *config.SchedulerTunablesHolder,
	cfg config.Config,
	node *snowflake.Node,
	log *zap.Logger,
) *Scheduler {
	return &Scheduler{
		repo:       repo,
		gateway:    gw,
		notifier:   ntf,
		locks:      locks,
		retries:    retries,
		clock:      clk,
		tunables:   tunables,
		gwCfg:      cfg.Gateway,
		schedCfg:   cfg.Scheduler,
		log:        log.Named("scheduler"),
		node:       node,
		processing: make(map[string]struct{}),
	}
}

// Start registers the settlement and retry cron entries and begins running
// them. Calling Start on a started scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("start called on a running scheduler")
		return nil
	}

	loc, err := time.LoadLocation(s.schedCfg.Timezone)
	if err != nil {
		s.log.Warn("unknown scheduler timezone, using settlement default",
			zap.String("timezone", s.schedCfg.Timezone), zap.Error(err))
		loc = domain.Location()
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.schedCfg.SettlementSpec, func() {
		if err := s.RunSettlement(context.Background()); err != nil {
			s.log.Error("settlement run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(s.schedCfg.RetrySpec, func() {
		if err := s.RunRetry(context.Background()); err != nil {
			s.log.Error("retry run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.Start()
	s.cron = c
	s.running = true
	s.log.Info("scheduler started",
		zap.String("timezone", loc.String()),
		zap.String("settlement_spec", s.schedCfg.SettlementSpec),
		zap.String("retry_spec", s.schedCfg.RetrySpec),
	)
	return nil
}

// Stop halts the cron triggers, waits for in-flight charges to finish, then
// clears the processing set. Retry counters are discarded only when the
// tracker is process-local; a shared backend keeps its counts for the next
// start and for other replicas.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for in-flight payments")
		return ctx.Err()
	}

	s.mu.Lock()
	s.processing = make(map[string]struct{})
	s.mu.Unlock()
	if s.retries.ProcessLocal() {
		if err := s.retries.Reset(ctx); err != nil {
			s.log.Warn("failed to reset retry counters on stop", zap.Error(err))
		}
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Status is a point-in-time snapshot for the ops endpoint.
type Status struct {
	IsRunning       bool `json:"isRunning"`
	ProcessingCount int  `json:"processingCount"`
	RetryCount      int  `json:"retryCount"`
	MaxRetries      int  `json:"maxRetries"`
	BatchSize       int  `json:"batchSize"`
	ConcurrentLimit int  `json:"concurrentLimit"`
}

// GetStatus reports scheduler health for operators.
func (s *Scheduler) GetStatus(ctx context.Context) Status {
	cfg := snapshotConfig(s.tunables)

	s.mu.Lock()
	running := s.running
	inFlight := len(s.processing)
	s.mu.Unlock()

	retryCount := 0
	if snapshot, err := s.retries.Snapshot(ctx); err == nil {
		retryCount = len(snapshot)
	}

	return Status{
		IsRunning:       running,
		ProcessingCount: inFlight,
		RetryCount:      retryCount,
		MaxRetries:      cfg.MaxRetries,
		BatchSize:       cfg.BatchSize,
		ConcurrentLimit: cfg.ConcurrentLimit,
	}
}

// beginProcessing claims uid in the in-flight set. Returns false when another
// goroutine in this process is already charging uid.
func (s *Scheduler) beginProcessing(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.processing[uid]; busy {
		return false
	}
	s.processing[uid] = struct{}{}
	return true
}

func (s *Scheduler) endProcessing(uid string) {
	s.mu.Lock()
	delete(s.processing, uid)
	s.mu.Unlock()
}
