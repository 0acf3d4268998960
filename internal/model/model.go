// Package model holds the declarative configuration types and the closed
// set of late-binding placeholder values: the data the root package and
// internal/scheduler both need to agree on without either importing the
// other. The root package re-exports every type here as a public alias, the
// same shape the teacher repository uses for its gohcl-decoded block types
// versus the dag.Node state that consumes them.
package model

// Config is a mapping from a human-readable task name to its TaskDescription.
// Once handed to a scheduler, a Config is never mutated.
type Config map[string]*TaskDescription

// TaskDescription describes a single task entry in a Config.
type TaskDescription struct {
	Command any
	Args    []any

	// PreserveResultCopy forces this task's own result to be copied rather
	// than moved to a single dependent, as if an extra by-value dependent
	// existed.
	PreserveResultCopy bool

	// NoMultithreading forbids the scheduler from dispatching this task to
	// the worker pool; it always runs inline on the controller.
	NoMultithreading bool
}

// DeferredResult is a placeholder naming another task whose result
// substitutes for this argument (or, in the Command position, whose result
// is itself the callable to invoke).
//
// When PassRef is false the receiving task gets a copy and Dep's weight is
// incremented; when true it gets a moved reference and weight is untouched.
type DeferredResult struct {
	Dep     string
	Then    string
	PassRef bool
}

// Await is a temporal-only dependency: Dep must finish before this task is
// admitted, but its value is never consumed. Await only ever appears in the
// Command position.
type Await struct {
	Dep  string
	Then string
}

// AsyncResult marks the argument slot into which the pipeline injects a
// one-shot completion callback of type func(any).
type AsyncResult struct{}

// IsAsyncResult satisfies internal/task's structural asyncMarker interface.
func (AsyncResult) IsAsyncResult() {}

// LateStaticBinding is resolved at execution time from the process-wide
// variable lookup passed to a process() call.
type LateStaticBinding struct {
	Name string
}

// LateBindingName satisfies internal/task's structural late-binding
// interface.
func (v LateStaticBinding) LateBindingName() string { return v.Name }
