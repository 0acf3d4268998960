package taskmesh

import (
	"context"
	"reflect"

	"github.com/vk/taskmesh/internal/codec"
	"github.com/vk/taskmesh/internal/pool"
	"github.com/vk/taskmesh/internal/registry"
	"github.com/vk/taskmesh/internal/scheduler"
	"github.com/vk/taskmesh/internal/task"
)

// Options configures a new Pipeline.
type Options struct {
	// WorkerCount sizes the worker pool. Zero means runtime.NumCPU();
	// negative disables the pool entirely, forcing every task to run
	// inline regardless of its NoMultithreading flag.
	WorkerCount int

	// NoMultithreadPatterns holds regular expressions matched against a
	// task's resolved command name; a match forces that task inline even
	// when a pool exists and NoMultithreading is false.
	NoMultithreadPatterns []string
}

// Pipeline is the public entry point: it owns the value codec registry, the
// process-wide callable registry, an optional worker pool, and the
// scheduler that drives execution contexts over a Config.
type Pipeline struct {
	codecs   *codec.Registry
	registry *registry.Registry
	pool     *pool.WorkerPool
	sched    *scheduler.Scheduler
	events   eventBus
	cancel   context.CancelFunc
}

// New builds a Pipeline from cfg. The dependency graph is built and
// validated (cycle and missing-dependency checks) before New returns.
func New(cfg Config, opts Options) (*Pipeline, error) {
	reg := registry.New()
	codecs := codec.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		codecs:   codecs,
		registry: reg,
		cancel:   cancel,
	}

	var wp *pool.WorkerPool
	if opts.WorkerCount >= 0 {
		wp = pool.New(ctx, opts.WorkerCount, codecs, reg)
		p.pool = wp
		wp.OnPoolTerminated = func() {
			p.events.Emit(Event{Type: EventPoolTerminated})
		}
	}

	sched, err := scheduler.New(ctx, cfg, codecs, reg, wp, opts.NoMultithreadPatterns)
	if err != nil {
		cancel()
		return nil, err
	}
	sched.OnTaskDispatch = func(name string, ctxIdx int) {
		p.events.Emit(Event{Type: EventTaskDispatch, Task: name, ContextIdx: ctxIdx})
	}
	sched.OnTaskDone = func(name string, result any, workerIdx int, ctxIdx int) {
		p.events.Emit(Event{Type: EventTaskDone, Task: name, Result: result, WorkerIdx: workerIdx, ContextIdx: ctxIdx})
	}
	sched.OnContextTerminated = func(ctxIdx int, err error) {
		p.events.Emit(Event{Type: EventContextTerminated, Err: err, ContextIdx: ctxIdx})
	}
	sched.OnFatalError = func(err error) {
		p.events.Emit(Event{Type: EventError, Err: err})
	}
	if wp != nil {
		// scheduler.New installed its own OnWorkerDone; chain it so
		// subscribers also see each pool-level completion.
		schedDone := wp.OnWorkerDone
		wp.OnWorkerDone = func(result any, t *task.Task, workerIdx int) {
			name, _ := t.Data["taskName"].(string)
			p.events.Emit(Event{Type: EventWorkerDone, Task: name, Result: result, WorkerIdx: workerIdx})
			schedDone(result, t, workerIdx)
		}
	}
	p.sched = sched

	return p, nil
}

// Register adds name to the process-wide callable registry, the default
// second (and, absent a receiver, only) lookup base consulted when
// resolving a task's Command.
func (p *Pipeline) Register(name string, fn any) {
	p.registry.Register(name, fn)
}

// RegisterCodec associates a Go type with a codec.Codec, extending the
// built-in buffer and numeric-view codecs with an application-defined
// movable or packable type.
func (p *Pipeline) RegisterCodec(sample any, c codec.Codec) {
	p.codecs.Register(reflect.TypeOf(sample), c)
}

// Subscribe registers h to observe every Event this Pipeline emits.
func (p *Pipeline) Subscribe(h EventHandler) {
	p.events.Subscribe(h)
}

// Process starts executing the dependency subgraph rooted at target.
// callback fires exactly once: with the target's result, or with the error
// that ended the context (one of the kinds in errors.go, or an error
// returned by a callable run inline). Process itself returns ErrTerminated
// after Terminate and a ConfigurationError for a target with no
// description; a CycleError is reported by New.
func (p *Pipeline) Process(target string, variables map[string]any, callback func(result any, err error)) error {
	return p.sched.Process(target, variables, callback)
}

// Terminate tears down the worker pool and rejects any pipeline-wide
// further scheduling. Already in-flight results are discarded when they
// arrive. Safe to call more than once.
func (p *Pipeline) Terminate() {
	p.sched.Terminate()
	if p.pool != nil {
		p.pool.Terminate()
	}
	p.cancel()
}

// IsTerminated reports whether Terminate has been called or a fatal error
// has stopped the pipeline.
func (p *Pipeline) IsTerminated() bool {
	return p.sched.IsTerminated()
}
