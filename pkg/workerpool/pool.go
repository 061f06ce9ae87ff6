// Package workerpool provides a bounded worker pool for controlled concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries; attempt n waits n*RetryDelay
	RetryDelay time.Duration
	// Retryable decides whether a failed result is retried. Nil retries every failure.
	Retryable func(error) bool
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for submission processing
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1000,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

var (
	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup

	// guards taskChan against send-after-close
	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking. The result is discarded.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		p.enqueued()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, blocking while the queue is full, and waits for
// its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.enqueueWait(ctx, task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

// Run processes tasks concurrently and returns their results in task order.
// Tasks that could not be enqueued get a failed result carrying the reason.
func (p *Pool) Run(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		task.done = make(chan *Result, 1)
		if err := p.enqueueWait(ctx, task); err != nil {
			results[i] = &Result{TaskID: task.ID, Error: err}
			continue
		}
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				results[i] = &Result{TaskID: task.ID, Error: ctx.Err()}
			case r := <-task.done:
				results[i] = r
			}
		}(i, task)
	}
	wg.Wait()
	return results
}

func (p *Pool) enqueueWait(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskChan <- task:
		p.enqueued()
		return nil
	}
}

func (p *Pool) enqueued() {
	atomic.AddInt64(&p.tasksSubmitted, 1)
	atomic.AddInt64(&p.queueDepth, 1)
}

// Stop stops accepting tasks, drains the queue and waits for workers
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}

	p.cancel()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		result := p.processTask(id, task)
		if task.done != nil {
			task.done <- result
		}
	}
}

// processTask runs a task, retrying retryable failures with linear backoff
func (p *Pool) processTask(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Success: true}
		}
		if result.Success || attempt > p.config.MaxRetries || !p.retryable(result.Error) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}
	result.TaskID = task.ID
	result.Attempts = attempt

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempt),
			zap.Error(result.Error))
	}
	return result
}

func (p *Pool) retryable(err error) bool {
	if p.config.Retryable == nil {
		return true
	}
	return p.config.Retryable(err)
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% capacity
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
