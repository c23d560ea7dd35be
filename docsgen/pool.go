package docsgen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crateport/crateport/store"
)

// Pool drains the build queue with a fixed number of workers. Each job
// gets a wall-clock timeout; failures re-queue until the attempt cap.
type Pool struct {
	registry    *store.Registry
	builder     *Builder
	queue       *Queue
	workers     int
	maxAttempts int
	timeout     time.Duration
	poll        time.Duration
	log         *slog.Logger
}

// PoolOptions parameterizes a worker pool.
type PoolOptions struct {
	Workers     int
	MaxAttempts int
	// Timeout bounds one build attempt. A pathological package must
	// not monopolize a worker.
	Timeout time.Duration
	// Poll is the fallback wake interval; mainly shortened in tests.
	Poll time.Duration
}

// NewPool wires a worker pool over the queue and builder.
func NewPool(registry *store.Registry, builder *Builder, queue *Queue, opts PoolOptions, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = 30 * time.Second
	}
	return &Pool{
		registry:    registry,
		builder:     builder,
		queue:       queue,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		poll:        opts.Poll,
		log:         log.With("component", "docsgen"),
	}
}

// Run requeues jobs orphaned by a previous crash, then blocks draining
// the queue until the context is canceled.
func (p *Pool) Run(ctx context.Context) error {
	requeued, err := p.registry.RequeueStuckBuilds(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		p.log.Info("requeued interrupted builds", "count", requeued)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context) error {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	for {
		p.drain(ctx)
		timer.Reset(p.poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.queue.Wake():
		case <-timer.C:
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (p *Pool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.registry.ClaimBuild(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			p.log.Error("claim build job", "error", err)
			return
		}
		// A failure pauses this worker until the next wake so a
		// re-queued job does not spin through its attempts instantly.
		if !p.runJob(ctx, job) {
			return
		}
	}
}

func (p *Pool) runJob(ctx context.Context, job *store.BuildJob) bool {
	buildCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.builder.Build(buildCtx, job.Package, job.Version)
	cancel()

	if finishErr := p.registry.FinishBuild(ctx, job.ID, err, p.maxAttempts); finishErr != nil {
		p.log.Error("record build outcome", "job", job.ID, "error", finishErr)
		return false
	}
	if err != nil {
		p.log.Warn("docs build failed", "package", job.Package, "version", job.Version,
			"attempt", job.Attempts, "error", err)
		return false
	}
	return true
}
