package warming

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
)

// WarmTask is one queued dataset refresh.
type WarmTask struct {
	Dataset  string
	QueuedAt time.Time
}

// WorkerPool manages a pool of concurrent workers that execute warming tasks.
type WorkerPool struct {
	service     *Service
	workers     []*Worker
	taskQueue   chan WarmTask
	activeCount atomic.Int32
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Worker represents a single warming worker goroutine.
type Worker struct {
	id          int
	state       string // "idle", "busy", "stopped"
	currentTask string
	startedAt   *time.Time
	mu          sync.RWMutex
}

// NewWorkerPool creates a new worker pool and starts its workers.
func NewWorkerPool(service *Service, numWorkers, queueSize int) *WorkerPool {
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := &WorkerPool{
		service:   service,
		workers:   make([]*Worker, numWorkers),
		taskQueue: make(chan WarmTask, queueSize),
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		worker := &Worker{
			id:    i,
			state: "idle",
		}
		pool.workers[i] = worker

		pool.wg.Add(1)
		go pool.runWorker(worker)
	}

	return pool
}

// QueueTasks adds tasks to the queue without blocking and returns how many
// were accepted.
func (p *WorkerPool) QueueTasks(tasks []WarmTask) int {
	queued := 0
	for _, task := range tasks {
		select {
		case <-p.stopChan:
			return queued
		default:
		}
		select {
		case p.taskQueue <- task:
			queued++
		default:
			// Queue full; the next cron run picks the dataset up again.
		}
	}
	return queued
}

// runWorker is the main worker loop.
func (p *WorkerPool) runWorker(worker *Worker) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			worker.setState("stopped")
			return

		case task := <-p.taskQueue:
			worker.startTask(task.Dataset)
			p.activeCount.Add(1)

			p.runWithRetry(task)

			worker.finishTask()
			p.activeCount.Add(-1)
		}
	}
}

// runWithRetry executes a task, retrying failures with exponential backoff
// and jitter up to MaxRetries extra attempts. Shutdown interrupts the wait.
func (p *WorkerPool) runWithRetry(task WarmTask) {
	cfg := p.service.config

	for attempt := 0; ; attempt++ {
		err := p.execute(task)
		if err == nil {
			return
		}
		if attempt >= cfg.MaxRetries {
			p.service.metrics.FailureTotal.Add(1)
			rlog.Error("warm task failed", "dataset", task.Dataset, "attempts", attempt+1, "error", err)
			return
		}

		p.service.metrics.RetriesTotal.Add(1)
		wait := backoff(cfg.BackoffBase, attempt)
		rlog.Warn("warm task retrying", "dataset", task.Dataset, "attempt", attempt+1, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-p.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *WorkerPool) execute(task WarmTask) error {
	ctx := context.Background()
	if timeout := p.service.config.TaskTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.service.ExecuteWarmTask(ctx, task)
}

// backoff returns base * 2^attempt plus up to 50% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	sleep := base << uint(attempt)
	return sleep + time.Duration(rand.Int64N(int64(sleep/2)+1))
}

// ActiveCount returns the number of currently active workers.
func (p *WorkerPool) ActiveCount() int {
	return int(p.activeCount.Load())
}

// QueueSize returns the number of tasks waiting in queue.
func (p *WorkerPool) QueueSize() int {
	return len(p.taskQueue)
}

// GetWorkerStatus returns status of all workers.
func (p *WorkerPool) GetWorkerStatus() []WorkerStatus {
	status := make([]WorkerStatus, len(p.workers))
	for i, worker := range p.workers {
		worker.mu.RLock()
		status[i] = WorkerStatus{
			ID:          worker.id,
			State:       worker.state,
			CurrentTask: worker.currentTask,
			StartedAt:   worker.startedAt,
		}
		worker.mu.RUnlock()
	}
	return status
}

// Shutdown stops all workers. Queued tasks are abandoned; a running task
// finishes its current attempt.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Worker methods

func (w *Worker) startTask(dataset string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.state = "busy"
	w.currentTask = dataset
	w.startedAt = &now
}

func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = "idle"
	w.currentTask = ""
	w.startedAt = nil
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}
