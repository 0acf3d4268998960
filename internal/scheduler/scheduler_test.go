package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskmesh/internal/codec"
	"github.com/vk/taskmesh/internal/errs"
	"github.com/vk/taskmesh/internal/model"
	"github.com/vk/taskmesh/internal/registry"
	"github.com/vk/taskmesh/internal/task"
)

func newTestScheduler(t *testing.T, cfg model.Config, global *registry.Registry) *Scheduler {
	t.Helper()
	s, err := New(context.Background(), cfg, codec.NewRegistry(), global, nil, nil)
	require.NoError(t, err)
	t.Cleanup(s.Terminate)
	return s
}

func awaitCallback(t *testing.T, fn func(func(result any, err error))) (any, error) {
	t.Helper()
	done := make(chan struct{})
	var result any
	var resultErr error
	fn(func(r any, e error) {
		result, resultErr = r, e
		close(done)
	})
	select {
	case <-done:
		return result, resultErr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process callback")
		return nil, nil
	}
}

func TestScheduler_New_MissingDependencyIsAConfigurationError(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		"b": {Command: model.DeferredResult{Dep: "a"}},
	}

	_, err := New(context.Background(), cfg, codec.NewRegistry(), registry.New(), nil, nil)

	var cfgErr *errs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "b", cfgErr.Task)
}

func TestScheduler_New_CycleIsDetected(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		"a": {Command: model.DeferredResult{Dep: "b"}},
		"b": {Command: model.DeferredResult{Dep: "a"}},
	}

	_, err := New(context.Background(), cfg, codec.NewRegistry(), registry.New(), nil, nil)

	var cycleErr *errs.CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestScheduler_Process_RunsATwoTaskChainInline(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	global := registry.New()
	global.Register("inc", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}))
	cfg := model.Config{
		"a": {Command: "inc", Args: []any{41}},
		"b": {Command: "inc", Args: []any{model.DeferredResult{Dep: "a"}}},
	}
	s := newTestScheduler(t, cfg, global)

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("b", nil, cb))
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 43, result)
}

func TestScheduler_Process_DeferredResultWithEmptyThenUsesTheDependencyAsTheCallable(t *testing.T) {
	t.Parallel()

	// --- Arrange: "a"'s result is itself a Callable, invoked directly in
	// "b"'s command position. ---
	global := registry.New()
	cfg := model.Config{
		"a": {Command: "make-fn"},
		"b": {Command: model.DeferredResult{Dep: "a"}, Args: []any{10}},
	}
	global.Register("make-fn", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return task.Callable(func(ctx context.Context, args []any) (any, error) {
			return args[0].(int) * 3, nil
		}), nil
	}))
	s := newTestScheduler(t, cfg, global)

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("b", nil, cb))
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 30, result)
}

func TestScheduler_Process_AwaitIsPurelyTemporal(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	global := registry.New()
	var order []string
	var mu sync.Mutex
	record := func(name string) task.Callable {
		return func(ctx context.Context, args []any) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}
	global.Register("first", record("first"))
	global.Register("second", record("second"))

	cfg := model.Config{
		"a": {Command: "first"},
		"b": {Command: model.Await{Dep: "a", Then: "second"}},
	}
	s := newTestScheduler(t, cfg, global)

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("b", nil, cb))
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "second", result)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestScheduler_Process_LateStaticBindingResolvesFromVariables(t *testing.T) {
	t.Parallel()

	global := registry.New()
	global.Register("echo", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	}))
	cfg := model.Config{
		"a": {Command: "echo", Args: []any{model.LateStaticBinding{Name: "greeting"}}},
	}
	s := newTestScheduler(t, cfg, global)

	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("a", map[string]any{"greeting": "hello"}, cb))
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestScheduler_Process_TargetHasNoDescriptionIsAConfigurationError(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, model.Config{}, registry.New())

	err := s.Process("missing", nil, func(any, error) {})

	var cfgErr *errs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestScheduler_Process_DiamondSharedDependencyFeedsBothSiblings(t *testing.T) {
	t.Parallel()

	// --- Arrange: "shared" feeds both "useA" and "useB" by value; only once
	// both have run, regardless of which the scheduler admits first (leaf
	// order is not guaranteed), does "combined" become reachable. ---
	global := registry.New()
	global.Register("produce", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return 7, nil
	}))
	global.Register("double", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}))
	global.Register("sum", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}))

	cfg := model.Config{
		"shared": {Command: "produce"},
		"useA":   {Command: "double", Args: []any{model.DeferredResult{Dep: "shared"}}},
		"useB":   {Command: "double", Args: []any{model.DeferredResult{Dep: "shared"}}},
		"combined": {
			Command: "sum",
			Args: []any{
				model.DeferredResult{Dep: "useA"},
				model.DeferredResult{Dep: "useB"},
			},
		},
	}
	s := newTestScheduler(t, cfg, global)

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("combined", nil, cb))
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 28, result)
}

func TestScheduler_Process_FatalPoolErrorTerminatesEveryPendingContext(t *testing.T) {
	t.Parallel()

	// --- Arrange: "a" never invokes its injected callback, so its context
	// stays pending until a fatal pool error arrives independently. ---
	global := registry.New()
	global.Register("stall", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	}))
	cfg := model.Config{
		"a": {Command: "stall", Args: []any{model.AsyncResult{}}},
	}
	s := newTestScheduler(t, cfg, global)
	var fatal error
	s.OnFatalError = func(err error) { fatal = err }

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("a", nil, cb))
		go s.onPoolFatalError(assert.AnError)
	})

	// --- Assert ---
	assert.Nil(t, result)
	assert.Error(t, err)
	assert.Error(t, fatal)
}

func TestScheduler_Terminate_RejectsFurtherProcessing(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, model.Config{"a": {Command: "noop"}}, registry.New())
	s.Terminate()

	err := s.Process("a", nil, func(any, error) {})

	assert.ErrorIs(t, err, errs.ErrTerminated)
}

func TestBuildGraph_WeightCountsByValueDependentsAndPreserveResultCopy(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cfg := model.Config{
		"a": {Command: "noop"},
		"b": {Command: "noop", Args: []any{model.DeferredResult{Dep: "a"}}},
		"c": {Command: "noop", Args: []any{model.DeferredResult{Dep: "a", PassRef: true}}},
		"d": {Command: "noop", PreserveResultCopy: true},
	}

	// --- Act ---
	g, err := buildGraph(cfg)
	require.NoError(t, err)

	// --- Assert: "a" gains weight only from "b" (by value); "c" passes by
	// reference and contributes nothing. "d" gains weight purely from its
	// own PreserveResultCopy flag. ---
	va, ok := g.GetByName("a")
	require.True(t, ok)
	assert.Equal(t, 1, va.Weight)

	vd, ok := g.GetByName("d")
	require.True(t, ok)
	assert.Equal(t, 1, vd.Weight)
}

func TestBuildGraph_AwaitInArgumentPositionIsRejected(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		"a": {Command: "noop"},
		"b": {Command: "noop", Args: []any{model.Await{Dep: "a"}}},
	}

	_, err := buildGraph(cfg)

	var cfgErr *errs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestScheduler_Process_AsyncResultDeliversTheInjectedCallbackValue(t *testing.T) {
	t.Parallel()

	// --- Arrange: the callable stashes the injected completion func and
	// fires it from a separate goroutine well after its own synchronous
	// return, matching the documented ASYNC() contract. ---
	global := registry.New()
	global.Register("delayed", task.Callable(func(ctx context.Context, args []any) (any, error) {
		cb := args[0].(func(any))
		go func() {
			cb(42)
		}()
		return "ignored-sync-return", nil
	}))
	cfg := model.Config{
		"a": {Command: "delayed", Args: []any{model.AsyncResult{}}},
	}
	s := newTestScheduler(t, cfg, global)

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("a", nil, cb))
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestScheduler_Process_AsyncResultFiredSynchronouslyStillCompletes(t *testing.T) {
	t.Parallel()

	// --- Arrange: the callable invokes the injected callback before
	// returning, from inside the same call stack that holds the scheduler's
	// mutex. The completion must still be observed, not deadlock. ---
	global := registry.New()
	global.Register("immediate", task.Callable(func(ctx context.Context, args []any) (any, error) {
		cb := args[0].(func(any))
		cb("fired-before-return")
		return "ignored-sync-return", nil
	}))
	cfg := model.Config{
		"a": {Command: "immediate", Args: []any{model.AsyncResult{}}},
	}
	s := newTestScheduler(t, cfg, global)

	// --- Act ---
	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("a", nil, cb))
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "fired-before-return", result)
}

func TestScheduler_Process_AsyncResultChainsIntoADependent(t *testing.T) {
	t.Parallel()

	global := registry.New()
	global.Register("delayed", task.Callable(func(ctx context.Context, args []any) (any, error) {
		cb := args[0].(func(any))
		go cb(5)
		return nil, nil
	}))
	global.Register("double", task.Callable(func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}))
	cfg := model.Config{
		"a": {Command: "delayed", Args: []any{model.AsyncResult{}}},
		"b": {Command: "double", Args: []any{model.DeferredResult{Dep: "a"}}},
	}
	s := newTestScheduler(t, cfg, global)

	result, err := awaitCallback(t, func(cb func(any, error)) {
		require.NoError(t, s.Process("b", nil, cb))
	})

	require.NoError(t, err)
	assert.Equal(t, 10, result)
}

func TestScheduler_Stop_DiscardsTheContextWithoutInvokingItsCallback(t *testing.T) {
	t.Parallel()

	// --- Arrange: "a" defers its completion behind a channel, so its
	// context stays pending (not yet freed) by the time Stop is called. ---
	global := registry.New()
	blocked := make(chan struct{})
	global.Register("deferred", task.Callable(func(ctx context.Context, args []any) (any, error) {
		cb := args[0].(func(any))
		go func() {
			<-blocked
			cb("too-late")
		}()
		return nil, nil
	}))
	cfg := model.Config{
		"a": {Command: "deferred", Args: []any{model.AsyncResult{}}},
	}
	s := newTestScheduler(t, cfg, global)

	called := false
	require.NoError(t, s.Process("a", nil, func(any, error) { called = true }))

	s.mu.Lock()
	idx := s.contexts[0].idx
	s.mu.Unlock()

	// --- Act ---
	s.Stop(idx)
	close(blocked)
	time.Sleep(50 * time.Millisecond)

	// --- Assert ---
	assert.False(t, called, "a stopped context's callback must never fire")
}
