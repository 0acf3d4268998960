// Package scheduler implements the pipeline scheduler: it builds the
// dependency graph from a configuration, drives one or more execution
// contexts through admission, short-term FIFO selection, and dispatch, and
// routes completions back to pending dependents.
//
// Every exported entry point and every pool completion callback funnels
// through a single mutex, the Go stand-in for the spec's single-threaded,
// cooperatively event-driven controller: Go has no such guarantee across
// goroutines, so this package buys it back explicitly rather than assume
// it, the same way the teacher repository's dag package guards its node
// state with its own mutex instead of trusting callers to serialize access.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/vk/taskmesh/internal/codec"
	"github.com/vk/taskmesh/internal/errs"
	"github.com/vk/taskmesh/internal/graph"
	"github.com/vk/taskmesh/internal/model"
	"github.com/vk/taskmesh/internal/pool"
	"github.com/vk/taskmesh/internal/registry"
	"github.com/vk/taskmesh/internal/task"
)

// ExecutionContext is the per-process() state: a private copy of the
// dependency graph, a FIFO admission queue, and the bookkeeping needed to
// route completions and reclaim results.
type ExecutionContext struct {
	idx    int
	graph  *graph.Graph
	target string

	queue    []string
	admitted map[string]bool
	finished map[string]bool
	results  map[string]any

	// weight is the static per-vertex by-value-dependent count, captured at
	// context creation and never mutated; remaining starts as a copy of it,
	// decremented on each by-value consumption, used to reclaim a result
	// once its last by-value dependent has read it.
	weight    map[string]int
	remaining map[string]int

	variables map[string]any
	callback  func(result any, err error)
}

// Idx returns the context's slot index in the scheduler's active-contexts
// array, the value stamped into a dispatched Task's Data bag so a pool
// completion can find its way back here.
func (c *ExecutionContext) Idx() int { return c.idx }

type consumedDep struct {
	name    string
	passRef bool
	value   any
}

// Scheduler builds the dependency graph from a model.Config and drives
// execution contexts through it, dispatching tasks either inline or to an
// optional worker pool.
type Scheduler struct {
	mu sync.Mutex

	config model.Config
	graph  *graph.Graph // immutable master: only ever Copy()'d or read for weights

	codecs         *codec.Registry
	globalRegistry *registry.Registry
	pool           *pool.WorkerPool

	noMultithreadList []*regexp.Regexp

	contexts []*ExecutionContext
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	// OnTaskDispatch, OnTaskDone, OnContextTerminated and OnFatalError let
	// the root package observe scheduler activity without this package
	// importing it.
	OnTaskDispatch      func(name string, ctxIdx int)
	OnTaskDone          func(name string, result any, workerIdx int, ctxIdx int)
	OnContextTerminated func(ctxIdx int, err error)
	OnFatalError        func(error)
}

// New builds a Scheduler from cfg: every task id becomes a vertex, every
// DeferredResult/Await dependency becomes an edge, and the resulting graph
// is rejected if it contains a cycle. pool may be nil, meaning every task
// runs inline regardless of its NoMultithreading flag.
func New(parent context.Context, cfg model.Config, codecs *codec.Registry, globalRegistry *registry.Registry, p *pool.WorkerPool, noMultithreadPatterns []string) (*Scheduler, error) {
	g, err := buildGraph(cfg)
	if err != nil {
		return nil, err
	}

	patterns := make([]*regexp.Regexp, 0, len(noMultithreadPatterns))
	for _, pat := range noMultithreadPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid no-multithread pattern %q: %w", pat, err)
		}
		patterns = append(patterns, re)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		config:            cfg,
		graph:             g,
		codecs:            codecs,
		globalRegistry:    globalRegistry,
		pool:              p,
		noMultithreadList: patterns,
		ctx:               ctx,
		cancel:            cancel,
	}

	if p != nil {
		p.OnWorkerDone = s.onPoolWorkerDone
		p.OnFatalError = s.onPoolFatalError
	}

	return s, nil
}

func buildGraph(cfg model.Config) (*graph.Graph, error) {
	g := graph.New()
	for id := range cfg {
		g.AddVertex(id)
	}

	addDep := func(fromID, depID string, passRef bool) error {
		if !g.HasVertex(depID) {
			return &errs.ConfigurationError{Task: fromID, Reason: fmt.Sprintf("dependency %q mentioned as dependency but does not have a task description", depID)}
		}
		if err := g.AddEdge(fromID, depID); err != nil {
			return &errs.ConfigurationError{Task: fromID, Reason: err.Error()}
		}
		if !passRef {
			if v, ok := g.GetByName(depID); ok {
				v.Weight++
			}
		}
		return nil
	}

	for id, td := range cfg {
		switch cmd := td.Command.(type) {
		case model.DeferredResult:
			if err := addDep(id, cmd.Dep, cmd.PassRef); err != nil {
				return nil, err
			}
		case model.Await:
			if err := addDep(id, cmd.Dep, true); err != nil {
				return nil, err
			}
		case string:
			// plain lookup name: no dependency edge.
		default:
			return nil, &errs.ConfigurationError{Task: id, Reason: fmt.Sprintf("command has unsupported type %T", cmd)}
		}

		for _, a := range td.Args {
			switch v := a.(type) {
			case model.DeferredResult:
				if err := addDep(id, v.Dep, v.PassRef); err != nil {
					return nil, err
				}
			case model.Await:
				return nil, &errs.ConfigurationError{Task: id, Reason: "an Await placeholder is not valid in an argument position"}
			}
		}

		if td.PreserveResultCopy {
			if v, ok := g.GetByName(id); ok {
				v.Weight++
			}
		}
	}

	it := graph.NewFullDFS(g)
	for {
		v, kind, ok := it.Next()
		if !ok {
			break
		}
		if kind == graph.Back {
			return nil, &errs.CycleError{Task: v.ID}
		}
	}

	return g, nil
}

// Process creates a fresh execution context targeting target and triggers
// the first scheduling step. callback fires exactly once, either with the
// target's stored result or with the error that ended the context, unless
// the context is removed by Stop, which never invokes it. Process itself
// returns ErrTerminated after Terminate and a ConfigurationError for a
// target with no description; a CycleError is reported by New.
func (s *Scheduler) Process(target string, variables map[string]any, callback func(result any, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errs.ErrTerminated
	}
	if _, ok := s.config[target]; !ok {
		return &errs.ConfigurationError{Task: target, Reason: "target task has no description"}
	}

	ctx := s.newContextLocked(target, variables, callback)
	s.admitAndDispatchLoop(ctx)
	return nil
}

// Stop tears the context at ctxIdx down at once: it emits
// context-terminated and frees the slot without invoking the context's
// callback, rather than waiting for the next scheduling step. In-flight
// work is not interrupted; its eventual result is discarded.
func (s *Scheduler) Stop(ctxIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctxIdx < 0 || ctxIdx >= len(s.contexts) {
		return
	}
	if ctx := s.contexts[ctxIdx]; ctx != nil {
		s.notifyContextTerminated(ctxIdx, nil)
		s.freeContextLocked(ctx)
	}
}

// Terminate stops every active context with errs.ErrTerminated and cancels
// the context bound to every inline task run. The pool, if any, is torn
// down separately by the owning Pipeline.
func (s *Scheduler) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	for _, ctx := range s.contexts {
		if ctx == nil {
			continue
		}
		cb := ctx.callback
		if cb != nil {
			cb(nil, errs.ErrTerminated)
		}
	}
	s.contexts = nil
}

// IsTerminated reports whether Terminate or a fatal error has stopped the
// scheduler.
func (s *Scheduler) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) newContextLocked(target string, variables map[string]any, callback func(any, error)) *ExecutionContext {
	idx := -1
	for i, c := range s.contexts {
		if c == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = len(s.contexts)
		s.contexts = append(s.contexts, nil)
	}

	g := s.graph.Copy()
	ctx := &ExecutionContext{
		idx:       idx,
		graph:     g,
		target:    target,
		queue:     nil,
		admitted:  make(map[string]bool),
		finished:  make(map[string]bool),
		results:   make(map[string]any),
		weight:    make(map[string]int),
		remaining: make(map[string]int),
		variables: variables,
		callback:  callback,
	}
	for _, id := range g.IDs() {
		if v, ok := g.GetByName(id); ok {
			ctx.weight[id] = v.Weight
			ctx.remaining[id] = v.Weight
		}
	}
	s.contexts[idx] = ctx
	return ctx
}

func (s *Scheduler) freeContextLocked(ctx *ExecutionContext) {
	if ctx.idx >= 0 && ctx.idx < len(s.contexts) {
		s.contexts[ctx.idx] = nil
	}
}

// admitAndDispatchLoop implements scheduling steps 4-6, repeated until the
// admission queue is exhausted (every pool dispatch is non-blocking, so
// this drains every currently-ready task in one pass) or the context is
// freed (starvation, termination, or the target completing inline).
func (s *Scheduler) admitAndDispatchLoop(ctx *ExecutionContext) {
	for {
		leaves := ctx.graph.GetLeaves()
		if len(leaves) == 0 && len(ctx.queue) == 0 {
			err := &errs.StarvationError{Target: ctx.target}
			cb := ctx.callback
			s.freeContextLocked(ctx)
			if cb != nil {
				cb(nil, err)
			}
			return
		}
		for _, v := range leaves {
			if !ctx.admitted[v.ID] {
				ctx.admitted[v.ID] = true
				ctx.queue = append(ctx.queue, v.ID)
			}
		}
		if len(ctx.queue) == 0 {
			return
		}

		name := ctx.queue[0]
		ctx.queue = ctx.queue[1:]
		if freed := s.dispatchOneLocked(ctx, name); freed {
			return
		}
	}
}

func (s *Scheduler) dispatchOneLocked(ctx *ExecutionContext, name string) bool {
	td := s.config[name]

	command, receiver, args, consumed, err := s.resolveDispatch(ctx, td)
	if err != nil {
		return s.finishTaskLocked(ctx, name, nil, -1, err)
	}

	t := task.New(command, args, s.codecs)
	if receiver != nil {
		t.SetReceiver(receiver)
	}
	t.SetLookupTable(registry.DefaultLookupTable(receiver, s.globalRegistry))
	t.Variables = ctx.variables
	t.Data = map[string]any{"ctxIdx": ctx.idx, "taskName": name}

	s.notifyTaskDispatch(name, ctx.idx)

	// An ASYNC() marker can only be honored inline: the injected func(any)
	// is a live Go closure, and a worker round-trip would have to survive a
	// codec.Marshal of the descriptor it sits in, which a closure cannot.
	if async := hasAsyncMarker(args); async || !s.shouldUsePool(td, command) {
		if async {
			_, runErr := t.Run(s.ctx, s.asyncCompletionCallback(ctx, name))
			if runErr != nil {
				return s.finishTaskLocked(ctx, name, nil, -1, runErr)
			}
			// The callable's own synchronous return is not the task's
			// result; that arrives later through the injected callback.
			return false
		}
		result, runErr := t.Run(s.ctx, nil)
		return s.finishTaskLocked(ctx, name, result, -1, runErr)
	}

	for _, dep := range consumed {
		if !dep.passRef && ctx.weight[dep.name] > 1 {
			t.RemoveMovable(dep.value)
		}
	}
	s.pool.RunTask(t)
	return false
}

// hasAsyncMarker reports whether args carries the ASYNC() placeholder that
// task.Run substitutes with a completion callback.
func hasAsyncMarker(args []any) bool {
	for _, a := range args {
		if _, ok := a.(model.AsyncResult); ok {
			return true
		}
	}
	return false
}

// asyncCompletionCallback returns the func task.Run installs into the
// ASYNC() slot. It always hands the actual completion off to a fresh
// goroutine rather than acting on the spot: the callable may invoke it from
// within the very call to t.Run this scheduler is making under s.mu, and
// s.mu is not reentrant, or it may invoke it much later from a goroutine
// that holds no lock at all. Routing both cases through the same re-entry
// point, onAsyncTaskDone, keeps the locking discipline uniform with how a
// pool completion arrives.
func (s *Scheduler) asyncCompletionCallback(ctx *ExecutionContext, name string) func(any, *task.Task) {
	return func(result any, _ *task.Task) {
		go s.onAsyncTaskDone(ctx, name, result)
	}
}

func (s *Scheduler) onAsyncTaskDone(ctx *ExecutionContext, name string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if ctx.idx < 0 || ctx.idx >= len(s.contexts) || s.contexts[ctx.idx] != ctx {
		// ctx was freed (stopped, or finished through another path) and its
		// slot may already belong to an unrelated later context.
		return
	}
	if freed := s.finishTaskLocked(ctx, name, result, -1, nil); !freed {
		s.admitAndDispatchLoop(ctx)
	}
}

// resolveDispatch resolves the task's receiver and command (per §4.6:
// "Resolve the task's receiver... and arguments") and substitutes each
// DeferredResult argument with its dependency's stored result.
func (s *Scheduler) resolveDispatch(ctx *ExecutionContext, td *model.TaskDescription) (command any, receiver any, args []any, consumed []consumedDep, err error) {
	switch cmd := td.Command.(type) {
	case string:
		command = cmd
	case model.DeferredResult:
		v := s.consumeDepLocked(ctx, cmd.Dep, cmd.PassRef)
		consumed = append(consumed, consumedDep{cmd.Dep, cmd.PassRef, v})
		if cmd.Then == "" {
			// The dependency's result is itself the callable.
			command = v
		} else {
			receiver = v
			command = cmd.Then
		}
	case model.Await:
		// Purely temporal: the edge already enforced cmd.Dep finished
		// before this vertex became a leaf; its value is never consumed.
		command = cmd.Then
	default:
		return nil, nil, nil, nil, &errs.ConfigurationError{Reason: fmt.Sprintf("command has unsupported type %T", cmd)}
	}

	args = make([]any, len(td.Args))
	for i, a := range td.Args {
		if dr, ok := a.(model.DeferredResult); ok {
			v := s.consumeDepLocked(ctx, dr.Dep, dr.PassRef)
			consumed = append(consumed, consumedDep{dr.Dep, dr.PassRef, v})
			args[i] = v
			continue
		}
		args[i] = a
	}
	return command, receiver, args, consumed, nil
}

// consumeDepLocked reads dep's stored result and, for a by-value
// (!passRef) consumption, decrements its remaining reference count,
// reclaiming the stored result once the count reaches zero.
func (s *Scheduler) consumeDepLocked(ctx *ExecutionContext, dep string, passRef bool) any {
	v := ctx.results[dep]
	if passRef {
		return v
	}
	if n, ok := ctx.remaining[dep]; ok && n > 0 {
		n--
		ctx.remaining[dep] = n
		if n == 0 {
			delete(ctx.results, dep)
			delete(ctx.remaining, dep)
		}
	}
	return v
}

func (s *Scheduler) shouldUsePool(td *model.TaskDescription, command any) bool {
	if s.pool == nil || td.NoMultithreading {
		return false
	}
	name, ok := command.(string)
	if !ok {
		return false
	}
	for _, re := range s.noMultithreadList {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

// finishTaskLocked runs scheduling steps 1-3 for a task that has just
// completed (inline or via the pool): bookkeeping, the target check, and
// (if neither applies) nothing further — the caller's loop continues
// admission. It returns true if ctx was freed (fatal error, stop, or
// target reached) and the caller must stop driving it.
func (s *Scheduler) finishTaskLocked(ctx *ExecutionContext, name string, result any, workerIdx int, err error) bool {
	if err != nil {
		cb := ctx.callback
		s.freeContextLocked(ctx)
		if cb != nil {
			cb(nil, err)
		}
		return true
	}

	ctx.graph.RemoveVertex(name)
	ctx.results[name] = result
	ctx.finished[name] = true
	s.notifyTaskDone(name, result, workerIdx, ctx.idx)

	if name == ctx.target {
		cb := ctx.callback
		finalResult := ctx.results[name]
		s.freeContextLocked(ctx)
		if cb != nil {
			cb(finalResult, nil)
		}
		return true
	}
	return false
}

func (s *Scheduler) onPoolWorkerDone(result any, t *task.Task, workerIdx int) {
	ctxIdx, _ := t.Data["ctxIdx"].(int)
	name, _ := t.Data["taskName"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || ctxIdx < 0 || ctxIdx >= len(s.contexts) {
		return
	}
	ctx := s.contexts[ctxIdx]
	if ctx == nil {
		return
	}
	if freed := s.finishTaskLocked(ctx, name, result, workerIdx, nil); !freed {
		s.admitAndDispatchLoop(ctx)
	}
}

func (s *Scheduler) onPoolFatalError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalLocked(translatePoolError(err))
}

func translatePoolError(err error) error {
	switch e := err.(type) {
	case *pool.StallError:
		return &errs.StallError{}
	case *pool.WorkerError:
		return &errs.WorkerError{Message: e.Message}
	default:
		return err
	}
}

func (s *Scheduler) fatalLocked(err error) {
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	if s.OnFatalError != nil {
		s.OnFatalError(err)
	}
	for _, ctx := range s.contexts {
		if ctx == nil {
			continue
		}
		cb := ctx.callback
		if cb != nil {
			cb(nil, err)
		}
	}
	s.contexts = nil
}

func (s *Scheduler) notifyTaskDispatch(name string, ctxIdx int) {
	if s.OnTaskDispatch != nil {
		s.OnTaskDispatch(name, ctxIdx)
	}
}

func (s *Scheduler) notifyTaskDone(name string, result any, workerIdx int, ctxIdx int) {
	if s.OnTaskDone != nil {
		s.OnTaskDone(name, result, workerIdx, ctxIdx)
	}
}

func (s *Scheduler) notifyContextTerminated(ctxIdx int, err error) {
	if s.OnContextTerminated != nil {
		s.OnContextTerminated(ctxIdx, err)
	}
}
