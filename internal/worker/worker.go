// Package worker runs periodic background jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processor runs one job by type.
type Processor func(ctx context.Context, jobType string) error

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	// PollInterval is how often the jobs run
	PollInterval time.Duration

	// MaxConcurrency is the maximum number of jobs to process concurrently
	MaxConcurrency int

	// JobTimeout bounds a single job run
	JobTimeout time.Duration

	// RunOnStart runs every job once before the first tick
	RunOnStart bool
}

// Worker runs a fixed set of jobs on a ticker
type Worker struct {
	config   Config
	jobTypes []string
	process  Processor
	logger   *slog.Logger

	// running guards against a slow job overlapping its next tick.
	mu      sync.Mutex
	running map[string]bool
}

// NewWorker creates a new background job worker
func NewWorker(process Processor, jobTypes []string, config Config, logger *slog.Logger) *Worker {
	// Set defaults
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 10 * time.Minute
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 2
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		config:   config,
		jobTypes: jobTypes,
		process:  process,
		logger:   logger.With("worker_id", config.WorkerID),
		running:  make(map[string]bool),
	}
}

// Start runs jobs until the context is cancelled, then waits for in-flight
// jobs and returns nil.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"poll_interval", w.config.PollInterval,
		"max_concurrency", w.config.MaxConcurrency,
		"jobs", w.jobTypes,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Semaphore for concurrency control
	sem := make(chan struct{}, w.config.MaxConcurrency)
	var wg sync.WaitGroup

	dispatch := func() {
		for _, jobType := range w.jobTypes {
			if !w.claim(jobType) {
				w.logger.Debug("job still running, skipping tick", "job_type", jobType)
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				w.release(jobType)
				return
			}
			wg.Add(1)
			go func(jobType string) {
				defer wg.Done()
				defer func() { <-sem }()
				defer w.release(jobType)
				w.runJob(ctx, jobType)
			}(jobType)
		}
	}

	if w.config.RunOnStart {
		dispatch()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			wg.Wait()
			return nil
		case <-ticker.C:
			dispatch()
		}
	}
}

// RunOnce runs every job sequentially and returns the first error.
func (w *Worker) RunOnce(ctx context.Context) error {
	for _, jobType := range w.jobTypes {
		if err := w.runJob(ctx, jobType); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) runJob(ctx context.Context, jobType string) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := w.safeProcess(jobCtx, jobType)
	if err != nil {
		w.logger.Error("job failed",
			"job_type", jobType,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}
	w.logger.Debug("job completed",
		"job_type", jobType,
		"duration", time.Since(start),
	)
	return nil
}

// safeProcess turns a panicking job into an error so one bad run does not
// take the process down.
func (w *Worker) safeProcess(ctx context.Context, jobType string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", jobType, rec)
		}
	}()
	return w.process(ctx, jobType)
}

func (w *Worker) claim(jobType string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running[jobType] {
		return false
	}
	w.running[jobType] = true
	return true
}

func (w *Worker) release(jobType string) {
	w.mu.Lock()
	delete(w.running, jobType)
	w.mu.Unlock()
}
