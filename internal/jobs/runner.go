package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/events"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/scheduler"
	"github.com/yourorg/whale-intel/internal/types"
)

// WhaleService is the part of the whale service the jobs drive.
type WhaleService interface {
	ProcessWhaleTransactions(ctx context.Context, coinID, contractAddress string, network types.Network) ([]*model.WhaleTransaction, error)
	AnalyzeWhaleMovements(ctx context.Context, coinID string, tf model.Timeframe) (*model.WhaleAnalysis, error)
}

// Schedules holds cron specs. An empty spec leaves the job unscheduled.
type Schedules struct {
	Discovery string
	Sync      string
	Analysis  string
}

// Runner owns the tracked coin set and runs the batch jobs over it.
type Runner struct {
	service   WhaleService
	discovery *Discovery
	sync      *scheduler.Scheduler
	analysis  *scheduler.Scheduler

	mu    sync.RWMutex
	coins []model.Coin
	byID  map[string]model.Coin
}

// NewRunner creates a runner with an empty coin set.
func NewRunner(service WhaleService, discovery *Discovery, syncScheduler, analysisScheduler *scheduler.Scheduler) *Runner {
	return &Runner{
		service:   service,
		discovery: discovery,
		sync:      syncScheduler,
		analysis:  analysisScheduler,
		byID:      map[string]model.Coin{},
	}
}

// Refresh re-runs discovery. An empty result keeps the previous set.
func (r *Runner) Refresh(ctx context.Context) []model.Coin {
	coins := r.discovery.Discover(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(coins) == 0 && len(r.coins) > 0 {
		logrus.Warnf("Discovery found no coins, keeping %d", len(r.coins))
		return append([]model.Coin(nil), r.coins...)
	}
	r.coins = coins
	r.byID = make(map[string]model.Coin, len(coins))
	for _, c := range coins {
		r.byID[c.ID] = c
	}
	return append([]model.Coin(nil), coins...)
}

// Coins returns the tracked coins.
func (r *Runner) Coins() []model.Coin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Coin(nil), r.coins...)
}

func (r *Runner) coinIDs(ctx context.Context) []string {
	coins := r.Coins()
	if len(coins) == 0 {
		coins = r.Refresh(ctx)
	}
	ids := make([]string, len(coins))
	for i, c := range coins {
		ids[i] = c.ID
	}
	return ids
}

func (r *Runner) coin(id string) (model.Coin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Sync processes whale transactions for every tracked coin.
func (r *Runner) Sync(ctx context.Context) *scheduler.Summary[[]*model.WhaleTransaction] {
	return scheduler.Run(ctx, r.sync, events.TypeBatchSyncComplete, r.coinIDs(ctx),
		func(ctx context.Context, id string) ([]*model.WhaleTransaction, error) {
			c, ok := r.coin(id)
			if !ok {
				return nil, fmt.Errorf("coin %s is no longer tracked", id)
			}
			return r.service.ProcessWhaleTransactions(ctx, c.ID, c.Contract, c.Network)
		})
}

// Analyze recomputes every timeframe's analysis for every tracked coin.
func (r *Runner) Analyze(ctx context.Context) *scheduler.Summary[[]*model.WhaleAnalysis] {
	return scheduler.Run(ctx, r.analysis, events.TypeBatchAnalysisComplete, r.coinIDs(ctx),
		func(ctx context.Context, id string) ([]*model.WhaleAnalysis, error) {
			out := make([]*model.WhaleAnalysis, 0, len(model.Timeframes))
			for _, tf := range model.Timeframes {
				a, err := r.service.AnalyzeWhaleMovements(ctx, id, tf)
				if err != nil {
					return out, fmt.Errorf("analyze %s: %w", tf, err)
				}
				out = append(out, a)
			}
			return out, nil
		})
}

// Register adds the jobs to c. Jobs run with ctx, so cancelling it stops
// in-flight batches.
func (r *Runner) Register(ctx context.Context, c *cron.Cron, s Schedules) error {
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"discovery", s.Discovery, func() { r.Refresh(ctx) }},
		{"whale-sync", s.Sync, func() { r.Sync(ctx) }},
		{"whale-analysis", s.Analysis, func() { r.Analyze(ctx) }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			logrus.Infof("Job %s disabled", j.name)
			continue
		}
		if _, err := c.AddFunc(j.spec, j.run); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		logrus.WithField("schedule", j.spec).Infof("Job %s scheduled", j.name)
	}
	return nil
}

// NewCron returns a cron that skips a job's run while its previous run is
// still going.
func NewCron() *cron.Cron {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	return cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}
