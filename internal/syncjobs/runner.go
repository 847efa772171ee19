// Package syncjobs backfills historical conversations from the provider and
// replays them through the ingestion pipeline. Sync requests travel over a
// durable AMQP queue so a restart never loses a requested backfill.
package syncjobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/pipeline"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/routing"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/metrics"
)

// ProviderThread is one conversation thread as listed by the provider.
type ProviderThread struct {
	ExternalThreadID string
	Subject          string
}

// ProviderClient fetches historical data from the messaging provider.
// Messages come back in webhook shape so the ingestion pipeline processes
// live and historical traffic identically.
type ProviderClient interface {
	ListThreads(ctx context.Context, providerAccountID string, since time.Time, folders []string) ([]ProviderThread, error)
	ListMessages(ctx context.Context, providerAccountID, externalThreadID string, since time.Time, limit int) ([]*model.Webhook, error)
}

// Options bound one sync run.
type Options struct {
	DaysBack     int
	MaxPerThread int
	Concurrency  int
	Folders      []string
}

// Runner executes sync jobs.
type Runner struct {
	store    store.Store
	router   *routing.Router
	pipeline *pipeline.Pipeline
	provider ProviderClient
	logger   *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, router *routing.Router, p *pipeline.Pipeline, provider ProviderClient, log *logger.Logger) *Runner {
	return &Runner{
		store:    st,
		router:   router,
		pipeline: p,
		provider: provider,
		logger:   log,
	}
}

type threadResult struct {
	seen, stored, skipped, failed int
}

// Run executes one sync job to completion. The job row must already exist;
// Run appends progress as threads finish and marks the terminal state.
func (r *Runner) Run(ctx context.Context, providerAccountID, jobID string, opts Options) error {
	tc, err := r.router.Resolve(ctx, providerAccountID)
	if err != nil {
		return fmt.Errorf("syncjobs: routing: %w", err)
	}
	ts := r.store.Tenant(tc.Schema)

	if opts.DaysBack <= 0 {
		opts.DaysBack = 30
	}
	if opts.MaxPerThread <= 0 {
		opts.MaxPerThread = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	since := time.Now().UTC().AddDate(0, 0, -opts.DaysBack)

	threads, err := r.provider.ListThreads(ctx, providerAccountID, since, opts.Folders)
	if err != nil {
		r.finish(ctx, ts, jobID, model.SyncJobFailed, err.Error())
		return fmt.Errorf("syncjobs: thread listing: %w", err)
	}

	r.logger.Info("sync job started",
		zap.String("job_id", jobID),
		zap.String("tenant_id", tc.TenantID),
		zap.Int("threads", len(threads)))

	work := make(chan ProviderThread)
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for th := range work {
				res := r.syncThread(ctx, tc, th, since, opts.MaxPerThread)
				if err := ts.AddSyncJobProgress(ctx, jobID, 1, res.seen, res.stored, res.skipped, res.failed); err != nil {
					r.logger.Warn("sync progress update failed",
						zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}()
	}

feed:
	for _, th := range threads {
		select {
		case <-ctx.Done():
			break feed
		case work <- th:
		}
	}
	close(work)
	wg.Wait()

	if ctx.Err() != nil {
		r.finish(ctx, ts, jobID, model.SyncJobFailed, ctx.Err().Error())
		return ctx.Err()
	}
	r.finish(ctx, ts, jobID, model.SyncJobCompleted, "")
	return nil
}

func (r *Runner) syncThread(ctx context.Context, tc routing.TenantContext, th ProviderThread, since time.Time, limit int) threadResult {
	var res threadResult

	msgs, err := r.provider.ListMessages(ctx, tc.ProviderAccountID, th.ExternalThreadID, since, limit)
	if err != nil {
		r.logger.Warn("thread fetch failed",
			zap.String("thread", th.ExternalThreadID), zap.Error(err))
		res.failed++
		return res
	}

	for _, w := range msgs {
		res.seen++
		out, err := r.pipeline.Process(ctx, tc, w)
		switch {
		case err != nil:
			res.failed++
			metrics.SyncMessagesProcessed.WithLabelValues("failed").Inc()
			r.logger.Warn("historical message failed",
				zap.String("thread", th.ExternalThreadID), zap.Error(err))
		case out.Decision.Store && out.MatchedBy == store.MatchNone:
			res.stored++
			metrics.SyncMessagesProcessed.WithLabelValues("stored").Inc()
		default:
			// Gate rejections and merges with already-stored rows both count
			// as skipped; the backfill made no new row.
			res.skipped++
			metrics.SyncMessagesProcessed.WithLabelValues("skipped").Inc()
		}
	}
	return res
}

func (r *Runner) finish(ctx context.Context, ts store.TenantStore, jobID string, status model.SyncJobStatus, errMsg string) {
	metrics.SyncJobsTotal.WithLabelValues(string(status)).Inc()
	// The run context may already be cancelled; the terminal state still has
	// to land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := ts.FinishSyncJob(ctx, jobID, status, errMsg); err != nil {
		r.logger.Error("failed to finalize sync job",
			zap.String("job_id", jobID), zap.Error(err))
	}
}
