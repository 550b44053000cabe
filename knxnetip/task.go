package knxnetip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-knx/logger"
)

// TaskFunc represents a function that performs a task within a goroutine managed by the TaskManager.
// It should return true to continue running the task, or false to stop the goroutine.
type TaskFunc func() bool

// TaskRecvFunc represents a function that receives one frame into buf within a goroutine managed by the
// TaskManager. It should return true to continue receiving, or false to stop the goroutine.
type TaskRecvFunc func(buf []byte) bool

// TaskCancelFunc represents a function that will be called when a goroutine managed by the TaskManager exits.
type TaskCancelFunc func()

// MaxFrameSize is the receive buffer size used by receiver tasks.
const MaxFrameSize = 1024

// TaskManager manages the lifecycle of the goroutines of a connection.
//
// The TaskManager uses a context.Context to manage the lifecycle of the goroutines. When the
// context is canceled, all running goroutines are signaled to stop. Wait blocks until all goroutines
// have terminated.
//
// Example Usage:
//
//	taskMgr := knxnetip.NewTaskManager(ctx, logger)
//
//	// start a receiver goroutine
//	taskMgr.StartReceiver("receiver", func(buf []byte) bool {
//	    // ... read and dispatch one frame ...
//	    return true
//	}, nil)
//
//	taskMgr.Stop()
//	taskMgr.Wait()
type TaskManager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
}

// NewTaskManager creates a new TaskManager with the given context as the parent context and logger.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context of the currently running tasks.
func (mgr *TaskManager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// StartReceiver starts a new goroutine calling taskFunc with a reusable receive buffer.
//
// The taskCancelFunc will be called when the goroutine exits.
func (mgr *TaskManager) StartReceiver(name string, taskFunc TaskRecvFunc, taskCancelFunc TaskCancelFunc) error {
	mgr.logger.Debug("start receiver task", "name", name)

	return mgr.startTask(name, func(ctx context.Context) {
		if taskCancelFunc != nil {
			defer taskCancelFunc()
		}

		buf := make([]byte, MaxFrameSize)
		mgr.runTaskLoop(ctx, name, func() bool {
			return taskFunc(buf)
		})
	})
}

// StartInterval starts a new goroutine that executes taskFunc at the specified interval
// until it returns false or the manager stops.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval)

	if interval <= 0 {
		return fmt.Errorf("knxnetip: invalid interval: %v", interval)
	}

	return mgr.startTask(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})
}

// Stop signals all running goroutines.
func (mgr *TaskManager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait waits for all goroutines to terminate and prepares the manager for a new set of tasks.
func (mgr *TaskManager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *TaskManager) startTask(name string, body func(ctx context.Context)) error {
	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrTaskManagerStopped, name)
	}

	mgr.wg.Add(1)
	mgr.count.Add(1)
	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug(name+" task terminated", "task_count", mgr.TaskCount())
		}()

		body(ctx)
	}()

	return nil
}

// runTaskLoop runs a task function in a loop with context cancellation
func (mgr *TaskManager) runTaskLoop(ctx context.Context, name string, taskFunc TaskFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecover(name, taskFunc) {
				return
			}
		}
	}
}

// callWithRecover calls a function that returns bool with panic protection
func (mgr *TaskManager) callWithRecover(name string, fn TaskFunc) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	return fn()
}
