package pipeline

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/zeng407/comfyui/core/infra/logging"
)

// StageFunc processes one request id pulled from a stage queue. It must not
// panic the worker: the pool recovers and keeps pulling.
type StageFunc func(ctx context.Context, workerID int, requestID string)

// Pool runs a fixed number of workers over one stage queue. Workers exit
// when the context is cancelled or when they pull a shutdown sentinel.
type Pool struct {
	stage string
	queue *Queue
	size  int
	fn    StageFunc
	wg    sync.WaitGroup
}

// NewPool constructs a pool of size workers for a stage.
func NewPool(stage string, queue *Queue, size int, fn StageFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{stage: stage, queue: queue, size: size, fn: fn}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	logging.Info(p.stage, "workers started", "count", p.size)
}

// Stop pushes one shutdown sentinel per worker and waits for them to exit.
// A worker finishes its in-flight item first. When the start context is
// already cancelled workers exit at the next pull instead of reaching a
// sentinel, so queued ids may be left behind; the outstanding count records
// what shutdown abandoned.
func (p *Pool) Stop() {
	p.queue.PushPoison(p.size)
	p.wg.Wait()
	logging.Info(p.stage, "workers stopped", "outstanding", p.queue.Outstanding())
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		requestID, ok, err := p.queue.Pull(ctx)
		if err != nil {
			logging.Info(p.stage, "worker exiting", "worker", workerID, "reason", err.Error())
			return
		}
		if !ok {
			logging.Debug(p.stage, "worker received stop", "worker", workerID)
			return
		}
		p.process(ctx, workerID, requestID)
	}
}

// process runs the stage function with panic isolation so one poisoned
// request cannot take a worker down.
func (p *Pool) process(ctx context.Context, workerID int, requestID string) {
	defer p.queue.TaskDone()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(p.stage, "worker panic recovered",
				"worker", workerID, "request_id", requestID, "panic", r)
			logging.Debug(p.stage, "panic stack", "stack", string(debug.Stack()))
		}
	}()
	p.fn(ctx, workerID, requestID)
}
