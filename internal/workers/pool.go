// Package workers runs bounded parallel work for the engine: candle
// refreshes fan out across instruments and class cycles run side by
// side without either spawning unbounded goroutines.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Config sizes a pool.
type Config struct {
	Name            string        `json:"name"`
	Workers         int           `json:"workers"`
	Queue           int           `json:"queue"`
	TaskTimeout     time.Duration `json:"taskTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout"`
}

// DefaultConfig returns defaults sized for I/O-bound work.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Workers:         runtime.NumCPU(),
		Queue:           256,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats counts pool activity since Start.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Timeouts  int64 `json:"timeouts"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

var (
	ErrPoolStopped     = errors.New("worker pool is stopped")
	ErrQueueFull       = errors.New("worker pool queue is full")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Pool runs tasks on a fixed set of goroutines with a bounded queue.
type Pool struct {
	logger *zap.Logger
	config Config

	tasks chan Task

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timeouts  atomic.Int64
	panics    atomic.Int64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(logger *zap.Logger, config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.Queue <= 0 {
		config.Queue = 256
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", config.Name)),
		config: config,
		tasks:  make(chan Task, config.Queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("Worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue", p.config.Queue))

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit queues a task without blocking. Returns ErrQueueFull when the
// queue is at capacity and ErrPoolStopped after Stop.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc queues a function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait queues a task and blocks until it finishes, returning the
// task's error. Panics are converted to errors here so the caller is
// always unblocked.
func (p *Pool) SubmitWait(task Task) error {
	done := make(chan error, 1)
	err := p.Submit(TaskFunc(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
			done <- err
		}()
		return task.Execute()
	}))
	if err != nil {
		return err
	}
	return <-done
}

// Stop shuts the pool down, waiting up to ShutdownTimeout for in-flight
// tasks. Queued tasks that never started are discarded.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped",
			zap.Int64("completed", p.completed.Load()),
			zap.Int64("failed", p.failed.Load()))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out")
		return ErrShutdownTimeout
	}
}

// Running reports whether the pool accepts work.
func (p *Pool) Running() bool { return p.running.Load() }

// Stats returns activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Timeouts:  p.timeouts.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.tasks),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.execute(task)
		}
	}
}

// execute runs one task with panic recovery and a timeout backstop. A
// task that outlives the timeout keeps its goroutine until it returns;
// the worker moves on so one hung fetch cannot stall the whole pool.
func (p *Pool) execute(task Task) {
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.Error("Task panic recovered", zap.Any("panic", r))
				err = errors.New("task panicked")
			}
			done <- err
		}()
		err = task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			p.logger.Debug("Task failed", zap.Error(err))
		} else {
			p.completed.Add(1)
		}
	case <-time.After(p.config.TaskTimeout):
		p.timeouts.Add(1)
		p.logger.Warn("Task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Each runs fn over every item on the pool and waits for all of them,
// returning the joined errors. Items that cannot be submitted are
// counted as failures too.
func Each[T any](pool *Pool, items []T, fn func(T) error) error {
	if len(items) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(items))
	for i := range items {
		i := i
		wg.Add(1)
		if submitErr := pool.SubmitFunc(func() error {
			defer wg.Done()
			errs[i] = fn(items[i])
			return errs[i]
		}); submitErr != nil {
			wg.Done()
			errs[i] = submitErr
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
