// Package api provides HTTP handlers for the expression utilities server.
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exprutils/server/internal/jobstore"
)

// queueCapacity bounds the number of matrix jobs waiting for a worker.
const queueCapacity = 100

// Messages recorded on jobs that end without running to completion.
const (
	msgQueueFull       = "job queue is full; try again later"
	msgServerRestarted = "server restarted"
	msgCancelledQueued = "cancelled before start"
)

// Cancellation causes of a running matrix job.
var (
	errCancelledByUser = errors.New("cancelled by user")
	errShuttingDown    = errors.New("server shutting down")
)

// MatrixExecutor builds the matrices of one stored job. It must return
// promptly once ctx is done.
type MatrixExecutor func(ctx context.Context, store *jobstore.Store, jobID string) error

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent matrix jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager runs matrix jobs on a fixed pool of workers. Jobs are
// persisted before they are queued, so a restart picks up queued jobs and
// fails the ones that were running.
type JobManager struct {
	cfg   JobManagerConfig
	store *jobstore.Store
	queue chan string // job IDs

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to build the matrices of a job.
	Executor MatrixExecutor
}

// NewJobManager opens the job store at cfg.SQLitePath.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, queueCapacity),
		running: make(map[string]context.CancelCauseFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start recovers jobs left by a previous process, then starts the workers
// and the cleanup ticker.
func (jm *JobManager) Start() {
	jm.recoverJobs()

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

func (jm *JobManager) recoverJobs() {
	if err := jm.store.MarkRunningAsFailed(msgServerRestarted); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
		return
	}
	for _, job := range queued {
		if jm.enqueue(job.ID) {
			log.Printf("[JobManager] re-queued job %s", job.ID)
		}
	}
}

// enqueue hands jobID to the workers, failing the job when the queue is
// full.
func (jm *JobManager) enqueue(jobID string) bool {
	select {
	case jm.queue <- jobID:
		return true
	default:
		log.Printf("[JobManager] queue full, failing job %s", jobID)
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, msgQueueFull)
		return false
	}
}

// Stop cancels running jobs, waits for workers to exit and closes the
// store. Jobs still queued stay queued for the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		close(jm.queue)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel(errShuttingDown)
		}
		jm.mu.Unlock()
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	// Register before starting so a Cancel arriving in between reaches
	// either the store guard or this context.
	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()
	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	started, err := jm.store.UpdateJobStarted(jobID)
	if err != nil {
		log.Printf("[JobManager] failed to start job %s: %v", jobID, err)
		return
	}
	if !started {
		// Cancelled or deleted while queued.
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}
	status, msg := finalStatus(context.Cause(ctx), execErr)
	if status == jobstore.JobStatusFailed {
		log.Printf("[JobManager] job %s failed: %s", jobID, msg)
	}
	jm.store.UpdateJobStatus(jobID, status, msg)
}

// finalStatus derives the stored outcome of a job from its cancellation
// cause and the executor error. A cancellation wins over the error it
// caused.
func finalStatus(cause, execErr error) (jobstore.JobStatus, string) {
	switch {
	case errors.Is(cause, errCancelledByUser):
		return jobstore.JobStatusCancelled, cause.Error()
	case errors.Is(cause, errShuttingDown):
		return jobstore.JobStatusFailed, cause.Error()
	case execErr != nil:
		return jobstore.JobStatusFailed, execErr.Error()
	default:
		return jobstore.JobStatusCompleted, ""
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
			if err != nil {
				log.Printf("[JobManager] cleanup error: %v", err)
			} else if deleted > 0 {
				log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
			}
		}
	}
}

// Submit persists a new matrix job and queues it. A full queue fails the
// job immediately; the returned job reflects that.
func (jm *JobManager) Submit(params jobstore.MatrixJobParams) (*jobstore.MatrixJob, error) {
	job := &jobstore.MatrixJob{
		ID:        uuid.NewString(),
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}
	if !jm.enqueue(job.ID) {
		job.Status = jobstore.JobStatusFailed
		job.Error = msgQueueFull
	}
	return job, nil
}

// Get returns a job by ID, or nil when it does not exist.
func (jm *JobManager) Get(id string) *jobstore.MatrixJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel stops a running job or marks a queued one cancelled. It reports
// whether the job was still cancellable.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()
	if ok {
		cancel(errCancelledByUser)
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return ok
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, msgCancelledQueued)
		return true
	}
	return ok
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
