// Package scheduler runs an operation over many coins in fixed-size chunks,
// pausing between chunks to pace the upstream APIs.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/whale-intel/internal/events"
	"github.com/yourorg/whale-intel/internal/metrics"
	"github.com/yourorg/whale-intel/internal/model"
)

// Defaults for the two batch kinds.
const (
	SyncBatchSize     = 5
	SyncDelay         = 2 * time.Second
	AnalysisBatchSize = 10
	AnalysisDelay     = 1 * time.Second
)

// Options configures a Scheduler.
type Options struct {
	BatchSize int
	Delay     time.Duration

	// Publisher receives one summary event per run. Nil discards it.
	Publisher events.Publisher

	Now func() time.Time
}

// SyncOptions returns the defaults for whale-sync batches.
func SyncOptions() Options {
	return Options{BatchSize: SyncBatchSize, Delay: SyncDelay}
}

// AnalysisOptions returns the defaults for analysis batches.
func AnalysisOptions() Options {
	return Options{BatchSize: AnalysisBatchSize, Delay: AnalysisDelay}
}

// Scheduler runs batches. A Scheduler holds no per-run state and can run
// several batches at once.
type Scheduler struct {
	batchSize int
	delay     time.Duration
	publisher events.Publisher
	now       func() time.Time
}

// New creates a scheduler. A batch size below one is treated as one.
func New(opts Options) *Scheduler {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		batchSize: opts.BatchSize,
		delay:     opts.Delay,
		publisher: opts.Publisher,
		now:       opts.Now,
	}
}

// BatchSize returns the chunk size.
func (s *Scheduler) BatchSize() int { return s.batchSize }

// Result is the outcome of the operation for one coin.
type Result[T any] struct {
	CoinID  string
	Success bool

	// Skipped is set when the run was cancelled before the coin's chunk started
	Skipped bool

	Err   error
	Value T
}

// Summary collects the results of one run in input order.
type Summary[T any] struct {
	Kind      events.Type
	Results   []Result[T]
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration

	index map[string]int
}

// Result returns the result for coinID.
func (s *Summary[T]) Result(coinID string) (Result[T], bool) {
	i, ok := s.index[coinID]
	if !ok {
		return Result[T]{}, false
	}
	return s.Results[i], true
}

// FailedIDs lists the coins whose operation returned an error.
func (s *Summary[T]) FailedIDs() []string {
	var ids []string
	for _, r := range s.Results {
		if !r.Success && !r.Skipped {
			ids = append(ids, r.CoinID)
		}
	}
	return ids
}

// BatchSummary converts the summary to its event form.
func (s *Summary[T]) BatchSummary() events.BatchSummary {
	return events.BatchSummary{
		Total:      len(s.Results),
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		FailedIDs:  s.FailedIDs(),
		DurationMs: s.Duration.Milliseconds(),
	}
}

// Run applies op to every coin. Coins are processed in chunks of the batch
// size; the coins of a chunk run concurrently and the next chunk starts after
// all of them finished and the delay elapsed. A failing coin never stops the
// others. Cancelling ctx stops chunks that have not started yet; their coins
// are reported as skipped. Repeated coin ids are processed once.
//
// kind selects the summary event published when the run ends.
func Run[T any](ctx context.Context, s *Scheduler, kind events.Type, coinIDs []string, op func(ctx context.Context, coinID string) (T, error)) *Summary[T] {
	start := s.now()
	label := kindLabel(kind)

	ids := unique(coinIDs)
	summary := &Summary[T]{
		Kind:    kind,
		Results: make([]Result[T], len(ids)),
		index:   make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		summary.Results[i] = Result[T]{CoinID: id, Skipped: true}
		summary.index[id] = i
	}

	log := logrus.WithFields(logrus.Fields{"batch": label, "coins": len(ids), "batch_size": s.batchSize})
	log.Info("Batch started")

	for chunkStart := 0; chunkStart < len(ids); chunkStart += s.batchSize {
		if ctx.Err() != nil {
			log.Warnf("Batch cancelled with %d coins left", len(ids)-chunkStart)
			break
		}

		chunkEnd := min(chunkStart+s.batchSize, len(ids))
		var g errgroup.Group
		for i := chunkStart; i < chunkEnd; i++ {
			g.Go(func() error {
				summary.Results[i] = runOne(ctx, ids[i], op)
				return nil
			})
		}
		_ = g.Wait()

		if chunkEnd < len(ids) && !sleep(ctx, s.delay) {
			log.Warnf("Batch cancelled with %d coins left", len(ids)-chunkEnd)
			break
		}
	}

	newTransactions := 0
	for _, r := range summary.Results {
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Success:
			summary.Succeeded++
			if txs, ok := any(r.Value).([]*model.WhaleTransaction); ok {
				newTransactions += len(txs)
			}
		default:
			summary.Failed++
			log.WithField("coin_id", r.CoinID).Warnf("Batch item failed: %v", r.Err)
		}
	}
	summary.Duration = s.now().Sub(start)

	metrics.BatchItems.WithLabelValues(label, "success").Add(float64(summary.Succeeded))
	metrics.BatchItems.WithLabelValues(label, "failure").Add(float64(summary.Failed))
	metrics.BatchItems.WithLabelValues(label, "skipped").Add(float64(summary.Skipped))
	metrics.BatchDuration.WithLabelValues(label).Observe(summary.Duration.Seconds())

	log.WithFields(logrus.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"duration":  summary.Duration.String(),
	}).Info("Batch finished")

	var data any
	switch kind {
	case events.TypeBatchSyncComplete:
		data = events.BatchSyncComplete{BatchSummary: summary.BatchSummary(), NewTransactions: newTransactions}
	case events.TypeBatchAnalysisComplete:
		data = events.BatchAnalysisComplete{BatchSummary: summary.BatchSummary()}
	default:
		data = summary.BatchSummary()
	}
	// The summary still goes out when the run itself was cancelled.
	events.PublishBestEffort(context.WithoutCancel(ctx), s.publisher, events.Event{
		Type:      kind,
		Data:      data,
		Timestamp: s.now(),
	})

	return summary
}

func runOne[T any](ctx context.Context, coinID string, op func(context.Context, string) (T, error)) (res Result[T]) {
	res.CoinID = coinID
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = fmt.Errorf("panic processing %s: %v", coinID, r)
		}
	}()

	v, err := op(ctx, coinID)
	if err != nil {
		res.Err = err
		return res
	}
	res.Value = v
	res.Success = true
	return res
}

// sleep waits d or until ctx is done. It reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// kindLabel turns "batch_sync_complete" into "sync".
func kindLabel(kind events.Type) string {
	return strings.TrimSuffix(strings.TrimPrefix(string(kind), "batch_"), "_complete")
}
