// Package bootstrap decides which worker of a deployment runs the one-time
// startup scan and supervises that scan as a background task.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/namespace"
)

// ScanFunc is the body of the startup scan.
type ScanFunc func(ctx context.Context) error

// ErrTasksCancelled is returned by Shutdown when tasks had to be cancelled.
var ErrTasksCancelled = errors.New("background tasks cancelled before completion")

// CoordinationError means the shared namespace store could not be used. The
// process must not serve requests after one.
type CoordinationError struct {
	Op  string
	Err error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination error: %s: %v", e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// Observer receives scan lifecycle events. Metrics implement it.
type Observer interface {
	ScanStarted()
	ScanFinished(err error)
}

// Task is a handle to a supervised background scan.
type Task struct {
	ID string

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the task reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Coordinator runs the startup scan on exactly one worker per deployment.
type Coordinator struct {
	store    namespace.Store
	scan     ScanFunc
	log      *zap.Logger
	observer Observer

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

func NewCoordinator(store namespace.Store, scan ScanFunc, log *zap.Logger, observer Observer) *Coordinator {
	return &Coordinator{
		store:    store,
		scan:     scan,
		log:      log.Named("bootstrap"),
		observer: observer,
		tasks:    make(map[string]*Task),
	}
}

// MaybeStartScan starts the scan in the background if shouldAutoScan is set
// and no worker of this deployment has claimed it yet. It returns nil when
// this worker did not win the claim.
func (c *Coordinator) MaybeStartScan(ctx context.Context, shouldAutoScan bool) (*Task, error) {
	if err := namespace.InitializePipelineStatus(ctx, c.store); err != nil {
		return nil, &CoordinationError{Op: "initialize pipeline status", Err: err}
	}

	won, err := c.claim(ctx, shouldAutoScan)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}

	task := c.start()
	c.log.Info("auto scan task started at startup", zap.Int("pid", os.Getpid()), zap.String("task_id", task.ID))
	return task, nil
}

// claim performs the check-and-set of autoscanned under the namespace lock.
func (c *Coordinator) claim(ctx context.Context, shouldAutoScan bool) (bool, error) {
	guard, err := c.store.Lock(ctx, namespace.PipelineStatusNamespace)
	if err != nil {
		return false, &CoordinationError{Op: "lock pipeline status", Err: err}
	}
	defer guard.Discard()

	status := guard.Record()
	if !shouldAutoScan || status.Bool(namespace.KeyAutoscanned) {
		return false, nil
	}

	status[namespace.KeyAutoscanned] = true
	if err := guard.Unlock(); err != nil {
		return false, &CoordinationError{Op: "claim auto scan", Err: err}
	}
	return true, nil
}

func (c *Coordinator) start() *Task {
	// Detached from the startup context: the scan outlives the startup hook
	// and is stopped only through Shutdown.
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &Task{ID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.tasks[task.ID] = task
	c.mu.Unlock()
	c.wg.Add(1)

	if c.observer != nil {
		c.observer.ScanStarted()
	}

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.tasks, task.ID)
			c.mu.Unlock()
			cancel()
			close(task.done)
		}()

		task.err = c.run(taskCtx)
		if task.err != nil {
			c.log.Error("auto scan task failed", zap.String("task_id", task.ID), zap.Error(task.err))
			c.recordFailure(task.err)
		} else {
			c.log.Info("auto scan task finished", zap.String("task_id", task.ID))
		}
		if c.observer != nil {
			c.observer.ScanFinished(task.err)
		}
	}()
	return task
}

func (c *Coordinator) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return c.scan(ctx)
}

// recordFailure surfaces a failed scan through the pipeline status. The
// autoscanned flag stays set: a failed scan is not retried in this deployment.
func (c *Coordinator) recordFailure(scanErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	guard, err := c.store.Lock(ctx, namespace.PipelineStatusNamespace)
	if err != nil {
		c.log.Warn("could not record scan failure", zap.Error(err))
		return
	}
	defer guard.Discard()

	status := guard.Record()
	status[namespace.KeyBusy] = false
	status[namespace.KeyScanError] = scanErr.Error()
	status.AppendMessage("Auto scan failed: " + scanErr.Error())
	if err := guard.Unlock(); err != nil {
		c.log.Warn("could not record scan failure", zap.Error(err))
	}
}

// Running returns the number of supervised tasks that have not finished.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Shutdown waits up to grace for supervised tasks, cancels whatever is still
// running, and returns only after every task reached a terminal state. Callers
// release storage after Shutdown returns.
func (c *Coordinator) Shutdown(ctx context.Context, grace time.Duration) error {
	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-finished:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	pending := len(c.tasks)
	for _, t := range c.tasks {
		t.cancel()
	}
	c.mu.Unlock()
	c.log.Warn("cancelling background tasks after grace period", zap.Int("pending", pending), zap.Duration("grace", grace))

	<-finished
	if pending > 0 {
		return fmt.Errorf("%w: %d task(s)", ErrTasksCancelled, pending)
	}
	return nil
}
