package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *Job) error

// Worker processes jobs from a queue
type Worker struct {
	queue        *Queue
	workerID     string
	handlers     map[string]Handler
	concurrency  int
	pollInterval time.Duration
	lockDuration time.Duration
	log          zerolog.Logger
	stopChan     chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
}

// WorkerConfig configures a worker
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	LockDuration time.Duration
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  5,
		PollInterval: 100 * time.Millisecond,
		LockDuration: 6 * time.Minute,
	}
}

// NewWorker creates a new queue worker
func NewWorker(queue *Queue, workerID string, config WorkerConfig, log zerolog.Logger) *Worker {
	return &Worker{
		queue:        queue,
		workerID:     workerID,
		handlers:     make(map[string]Handler),
		concurrency:  config.Concurrency,
		pollInterval: config.PollInterval,
		lockDuration: config.LockDuration,
		log:          log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		stopChan:     make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a job type
func (w *Worker) RegisterHandler(jobType string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// Start begins processing jobs
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("worker is already running")
	}
	w.isRunning = true
	w.mu.Unlock()

	w.log.Info().Int("concurrency", w.concurrency).Msg("worker starting")

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, i)
	}

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.log.Info().Msg("worker stopping")
	close(w.stopChan)
	w.wg.Wait()

	w.mu.Lock()
	w.isRunning = false
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.log.Info().Msg("worker stopped")
}

func (w *Worker) processLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumerID := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return
		case <-workerCtx.Done():
			return
		default:
			job, err := w.queue.Dequeue(workerCtx, consumerID, w.lockDuration)
			if err != nil {
				w.log.Error().Err(err).Str("consumer", consumerID).Msg("dequeue error")
				time.Sleep(w.pollInterval)
				continue
			}

			if job == nil {
				time.Sleep(w.pollInterval)
				continue
			}

			w.processJob(workerCtx, job)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *Job) {
	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	if !exists {
		w.log.Error().Str("job_type", job.Type).Msg("no handler for job type")
		w.queue.Fail(ctx, job.ID, fmt.Errorf("no handler for job type: %s", job.Type))
		return
	}

	w.log.Debug().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("attempt", job.RetryCount+1).
		Msg("processing job")

	// Leave headroom so the handler observes a deadline before the job
	// lock can expire under it.
	jobCtx, cancel := context.WithTimeout(ctx, w.lockDuration-30*time.Second)
	defer cancel()

	startTime := time.Now()
	err := handler(jobCtx, job)
	duration := time.Since(startTime)

	if err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Dur("duration", duration).Msg("job failed")
		if failErr := w.queue.Fail(ctx, job.ID, err); failErr != nil {
			w.log.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to mark job as failed")
		}
		return
	}

	w.log.Debug().Str("job_id", job.ID).Dur("duration", duration).Msg("job completed")
	if completeErr := w.queue.Complete(ctx, job.ID); completeErr != nil {
		w.log.Error().Err(completeErr).Str("job_id", job.ID).Msg("failed to mark job as complete")
	}
}
