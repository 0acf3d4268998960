package taskmesh

import "github.com/vk/taskmesh/internal/model"

// Config is the declarative, immutable description of a pipeline: a mapping
// from a human-readable task name to its TaskDescription. Once handed to
// New, a Config is never mutated by the pipeline.
type Config = model.Config

// TaskDescription describes a single task entry in a Config.
//
// Command names the callable to invoke, either directly (a dotted lookup
// path), or indirectly via a DeferredResult (the callable itself is the
// result of another task) or an Await (a purely temporal dependency, never
// consumed as a value).
//
// Args is the ordered argument list. Each element is either a plain value
// or one of the placeholder kinds: DeferredResult, LateStaticBinding, or
// AsyncResult.
type TaskDescription = model.TaskDescription

// DeferredResult is a placeholder naming another task whose result
// substitutes for this argument (or, in the Command position, whose result
// is itself the callable to invoke).
//
// When PassRef is false the receiving task gets a copy and Dep's weight is
// incremented; when true it gets a moved reference and weight is untouched.
type DeferredResult = model.DeferredResult

// Await is a temporal-only dependency: Dep must finish before this task is
// admitted, but its value is never consumed. Await only ever appears in the
// Command position.
type Await = model.Await

// AsyncResult marks the argument slot into which the pipeline injects a
// one-shot completion callback of type func(any).
type AsyncResult = model.AsyncResult

// LateStaticBinding is resolved at execution time from the process-wide
// variable lookup passed to Pipeline.Process.
type LateStaticBinding = model.LateStaticBinding

// RESULT_OF builds a by-value DeferredResult placeholder.
func RESULT_OF(dep string, then ...string) DeferredResult {
	return DeferredResult{Dep: dep, Then: firstOrEmpty(then), PassRef: false}
}

// REFERENCE_TO_RESULT_OF builds a moved-reference DeferredResult placeholder.
func REFERENCE_TO_RESULT_OF(dep string, then ...string) DeferredResult {
	return DeferredResult{Dep: dep, Then: firstOrEmpty(then), PassRef: true}
}

// AWAIT builds a temporal-only Await placeholder.
func AWAIT(dep string, then ...string) Await {
	return Await{Dep: dep, Then: firstOrEmpty(then)}
}

// ASYNC_RESULT marks an argument slot for completion-callback injection.
func ASYNC_RESULT() AsyncResult { return AsyncResult{} }

// ASYNC is an alias for ASYNC_RESULT.
func ASYNC() AsyncResult { return AsyncResult{} }

// VARIABLE builds a LateStaticBinding placeholder resolved at run time.
func VARIABLE(name string) LateStaticBinding {
	return LateStaticBinding{Name: name}
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
