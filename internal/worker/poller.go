package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-health/retina-pipeline/internal/config"
	"github.com/aura-health/retina-pipeline/internal/store"
)

// How often the poller sweeps for jobs whose worker died mid-flight.
const reclaimInterval = time.Minute

// Poller drives the queue: on a fixed interval it claims queued jobs and
// hands each to a bounded goroutine pool. Ticks are non-reentrant, so a
// slow database can never stack claim sweeps.
type Poller struct {
	coordinator *Coordinator
	processor   *Processor
	store       store.Store
	logger      *slog.Logger

	pollInterval   time.Duration
	concurrency    int
	maxAttempts    int
	staleLockAfter time.Duration

	slots    chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPoller(coord *Coordinator, proc *Processor, st store.Store, cfg config.WorkerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		coordinator:    coord,
		processor:      proc,
		store:          st,
		logger:         logger,
		pollInterval:   cfg.PollInterval,
		concurrency:    cfg.Concurrency,
		maxAttempts:    cfg.MaxAttempts,
		staleLockAfter: cfg.StaleLockAfter,
		slots:          make(chan struct{}, cfg.Concurrency),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the poll loop. Call Stop to shut down.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("starting analysis job poller",
		"poll_interval", p.pollInterval,
		"concurrency", p.concurrency,
		"max_attempts", p.maxAttempts,
	)
	go p.run(ctx)
}

// Stop signals the loop to exit and blocks until in-flight jobs drain.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	reclaim := time.NewTicker(reclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.stopCh:
			p.drain()
			return
		case <-reclaim.C:
			p.reclaimStale(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick claims up to concurrency jobs and dispatches them. A claim that
// finds the pool full is put straight back on the queue so another tick
// (or another worker process) can pick it up.
func (p *Poller) tick(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		job, err := p.coordinator.ClaimNextQueued(ctx)
		if err != nil {
			p.logger.Error("failed to claim job", "error", err)
			return
		}
		if job == nil {
			return
		}

		select {
		case p.slots <- struct{}{}:
			p.wg.Add(1)
			go func(id uuid.UUID) {
				defer p.wg.Done()
				defer func() { <-p.slots }()
				p.processor.ProcessJob(ctx, id, p.maxAttempts)
			}(job.ID)
		default:
			p.processor.Requeue(ctx, job.ID, "worker pool saturated")
			return
		}
	}
}

func (p *Poller) reclaimStale(ctx context.Context) {
	n, err := p.store.ReclaimStaleJobs(ctx, p.staleLockAfter)
	if err != nil {
		p.logger.Error("failed to reclaim stale jobs", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("reclaimed stale jobs", "count", n, "older_than", p.staleLockAfter)
	}
}

func (p *Poller) drain() {
	p.logger.Info("poller stopping, draining in-flight jobs")
	p.wg.Wait()
	p.logger.Info("poller stopped")
}
