// Package pool implements the worker pool: a fixed set of goroutines, each
// fronted by a worker.Host, dispatched to in FIFO order with idle tracking
// and move-only argument semantics.
//
// The pool never blocks its caller: RunTask only ever appends bookkeeping
// under a mutex and, at most, sends on a per-worker channel sized to hold
// exactly the one job that worker can be running. Completion is fanned in
// from every worker goroutine onto a single results channel drained by one
// dedicated goroutine, the same single-consumer shape the teacher
// repository's internal/dag traversal uses to serialize concurrent
// completions onto one controller-owned state machine.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vk/taskmesh/internal/codec"
	"github.com/vk/taskmesh/internal/registry"
	"github.com/vk/taskmesh/internal/task"
	"github.com/vk/taskmesh/internal/worker"
)

type job struct {
	taskID    int64
	wireBytes []byte
}

type workerMsg struct {
	taskID      int64
	workerIdx   int
	resultBytes []byte
	err         error
}

type outgoingEntry struct {
	t         *task.Task
	movables  []codec.Movable
	workerIdx int
}

// WorkerPool owns a fixed set of worker goroutines and the FIFO wait queue
// of tasks that could not be dispatched immediately because no worker was
// idle, or because the task's arguments still carried a moved buffer.
type WorkerPool struct {
	mu sync.Mutex

	numWorkers int
	codecs     *codec.Registry

	idle      []int
	waitQueue []*task.Task
	outgoing  map[int64]*outgoingEntry
	nextID    int64
	terminated bool

	jobCh     []chan job
	resultsCh chan workerMsg
	hosts     []*worker.Host

	eg     *errgroup.Group
	cancel context.CancelFunc

	// OnWorkerDone fires once per completed task, with the unpacked result
	// and the original *task.Task it ran.
	OnWorkerDone func(result any, t *task.Task, workerIdx int)
	// OnPoolTerminated fires once, from the first Terminate call, right
	// after every job channel is closed; it does not wait for the worker
	// goroutines to exit (Wait does). An internal abort does not fire it.
	OnPoolTerminated func()
	// OnFatalError fires for any condition that aborts the pool: a worker-
	// raised task error, a stall, or a transport failure. The pool
	// terminates itself before calling it.
	OnFatalError func(error)
}

// New constructs a WorkerPool with numWorkers goroutines (runtime.NumCPU()
// if numWorkers <= 0) and starts them. ctx bounds every worker's task
// execution: cancelling it cancels the context tasks run under, but does
// not terminate the pool or close its job channels (Terminate does). global
// is the live process-wide callable registry; each worker resolves against
// it fresh on every task rather than a snapshot taken at pool construction,
// since callables are typically registered after the pool already exists.
func New(ctx context.Context, numWorkers int, codecs *codec.Registry, global *registry.Registry) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	runCtx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		numWorkers: numWorkers,
		codecs:     codecs,
		outgoing:   make(map[int64]*outgoingEntry),
		jobCh:      make([]chan job, numWorkers),
		resultsCh:  make(chan workerMsg, numWorkers*4),
		hosts:      make([]*worker.Host, numWorkers),
		cancel:     cancel,
	}
	p.eg = new(errgroup.Group)
	workers := new(errgroup.Group)
	for i := 0; i < numWorkers; i++ {
		p.idle = append(p.idle, i)
		p.jobCh[i] = make(chan job, 1)
		p.hosts[i] = worker.NewHost(i, codecs, global)
		idx := i
		workers.Go(func() error {
			p.workerLoop(runCtx, idx)
			return nil
		})
	}
	// resultsCh is closed once every worker has exited, which ends
	// resultLoop and lets Wait return.
	p.eg.Go(func() error {
		_ = workers.Wait()
		close(p.resultsCh)
		return nil
	})
	p.eg.Go(func() error {
		p.resultLoop()
		return nil
	})
	return p
}

// Wait blocks until every worker goroutine and the result-fan-in goroutine
// have exited, which happens once Terminate (or an internal abort) has
// closed every job channel. Intended for callers and tests that need to
// observe a clean shutdown rather than racing it.
func (p *WorkerPool) Wait() {
	_ = p.eg.Wait()
}

// NumberOfCPUs reports the pool's worker count.
func (p *WorkerPool) NumberOfCPUs() int { return p.numWorkers }

// IsTerminated reports whether the pool has shut down.
func (p *WorkerPool) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// RunTask admits t for dispatch: immediately, if a worker is idle and t's
// arguments carry no already-moved buffer; otherwise it joins the FIFO
// wait queue. RunTask never blocks and never returns an error — a task
// submitted to a terminated pool is silently dropped, matching a terminated
// controller's own refusal to schedule further work.
func (p *WorkerPool) RunTask(t *task.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}
	if t.HasMovedBuffer() {
		p.waitQueue = append(p.waitQueue, t)
		return
	}
	if len(p.idle) > 0 {
		idx := p.idle[0]
		p.idle = p.idle[1:]
		p.dispatchLocked(t, idx)
		return
	}
	p.waitQueue = append(p.waitQueue, t)
}

// Terminate cancels every in-flight task's context and closes each
// worker's job channel, then fires OnPoolTerminated. Safe to call more
// than once.
func (p *WorkerPool) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.cancel()
	for _, ch := range p.jobCh {
		close(ch)
	}
	p.mu.Unlock()
	if p.OnPoolTerminated != nil {
		p.OnPoolTerminated()
	}
}

func (p *WorkerPool) dispatchLocked(t *task.Task, idx int) {
	descriptor, movables, err := t.ToTransferDescriptor()
	if err != nil {
		p.abortLocked(err)
		return
	}
	wireBytes, err := codec.Marshal(descriptor)
	if err != nil {
		p.abortLocked(fmt.Errorf("pool: encoding task descriptor: %w", err))
		return
	}
	for _, m := range movables {
		m.Move()
	}

	id := p.nextID
	p.nextID++
	p.outgoing[id] = &outgoingEntry{t: t, movables: movables, workerIdx: idx}
	p.jobCh[idx] <- job{taskID: id, wireBytes: wireBytes}
}

func (p *WorkerPool) workerLoop(ctx context.Context, idx int) {
	for j := range p.jobCh[idx] {
		resultBytes, err := p.hosts[idx].HandleTask(ctx, j.wireBytes)
		p.resultsCh <- workerMsg{taskID: j.taskID, workerIdx: idx, resultBytes: resultBytes, err: err}
	}
}

func (p *WorkerPool) resultLoop() {
	for msg := range p.resultsCh {
		p.mu.Lock()
		p.handleWorkerMsgLocked(msg)
		p.mu.Unlock()
	}
}

func (p *WorkerPool) handleWorkerMsgLocked(msg workerMsg) {
	if p.terminated {
		return
	}

	entry := p.outgoing[msg.taskID]
	delete(p.outgoing, msg.taskID)

	if msg.err != nil {
		p.abortLocked(fmt.Errorf("pool: %w", msg.err))
		return
	}

	var wr worker.WireResult
	if err := codec.Unmarshal(msg.resultBytes, &wr); err != nil {
		p.abortLocked(fmt.Errorf("pool: decoding worker result: %w", err))
		return
	}
	if wr.ErrMessage != "" {
		p.abortLocked(&WorkerError{Message: wr.ErrMessage})
		return
	}

	for i, data := range wr.InputBackBytes {
		if i < len(entry.movables) {
			entry.movables[i].Restore(data)
		}
	}

	result, err := p.codecs.Unpack(wr.ResultPacked)
	if err != nil {
		p.abortLocked(fmt.Errorf("pool: unpacking result: %w", err))
		return
	}

	if p.OnWorkerDone != nil {
		p.OnWorkerDone(result, entry.t, msg.workerIdx)
	}

	p.idle = append(p.idle, msg.workerIdx)
	p.drainQueueLocked()
}

// drainQueueLocked dispatches as many waiting tasks as there are idle
// workers and dispatchable (non-moved-buffer) entries. If it makes no
// progress while the queue is still non-empty and every worker has ended up
// idle, the wait queue can never drain on its own: the pool raises a stall.
func (p *WorkerPool) drainQueueLocked() {
	for len(p.idle) > 0 && len(p.waitQueue) > 0 {
		dispatchedAny := false
		for i, pending := range p.waitQueue {
			if pending.HasMovedBuffer() {
				continue
			}
			p.waitQueue = append(p.waitQueue[:i:i], p.waitQueue[i+1:]...)
			idx := p.idle[0]
			p.idle = p.idle[1:]
			p.dispatchLocked(pending, idx)
			dispatchedAny = true
			break
		}
		if !dispatchedAny {
			break
		}
	}
	if len(p.waitQueue) > 0 && len(p.idle) == p.numWorkers {
		p.abortLocked(&StallError{})
	}
}

// abortLocked marks the pool terminated, closes every worker's job
// channel, and reports err. Must be called with mu held.
func (p *WorkerPool) abortLocked(err error) {
	if p.terminated {
		return
	}
	p.terminated = true
	p.cancel()
	for _, ch := range p.jobCh {
		close(ch)
	}
	if p.OnFatalError != nil {
		p.OnFatalError(err)
	}
}
