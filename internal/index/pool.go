package index

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Intensity controls how much breathing room the worker pool leaves between
// dispatching jobs, trading indexing throughput for a lighter footprint on
// the host machine.
type Intensity string

const (
	IntensityHigh   Intensity = "high"
	IntensityMedium Intensity = "medium"
	IntensityLow    Intensity = "low"
)

// Delay returns the pause applied between dispatch decisions at this
// intensity. Unrecognized values behave like IntensityHigh.
func (i Intensity) Delay() time.Duration {
	switch i {
	case IntensityMedium:
		return 100 * time.Millisecond
	case IntensityLow:
		return 500 * time.Millisecond
	default:
		return 0
	}
}

// WorkerPool is a fixed-size pool of stateless per-file processors. Each
// worker handles one job at a time; the pool never shares mutable state
// between workers, so embedding and parsing resources stay owned per-job.
type WorkerPool struct {
	workers   int
	intensity Intensity
}

// NewWorkerPool creates a pool sized to max(1, logical-cpu-count-1), or the
// given worker count if positive.
func NewWorkerPool(workers int, intensity Intensity) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
		if workers < 1 {
			workers = 1
		}
	}
	return &WorkerPool{workers: workers, intensity: intensity}
}

// Run dispatches process over job indices [0, n). process is expected to
// record its own per-job failures (e.g. via a renderer) rather than return
// them, so one failing file never aborts the run; only a context
// cancellation stops dispatch early. The intensity delay is applied between
// dispatch decisions only, never while a worker is mid-job, so it throttles
// submission rate, not per-file latency.
func (p *WorkerPool) Run(ctx context.Context, n int, process func(ctx context.Context, i int)) error {
	if n == 0 {
		return nil
	}

	workers := p.workers
	if workers > n {
		workers = n
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	delay := p.intensity.Delay()

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			return g.Wait()
		}

		select {
		case <-gctx.Done():
			return g.Wait()
		case sem <- struct{}{}:
		}

		idx := i
		g.Go(func() error {
			defer func() { <-sem }()
			process(gctx, idx)
			return nil
		})

		if delay > 0 && i < n-1 {
			select {
			case <-gctx.Done():
			case <-time.After(delay):
			}
		}
	}

	return g.Wait()
}
