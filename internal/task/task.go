// Package task implements the unit of dispatch: a callable identity, its
// resolved arguments, and the bookkeeping needed to ship it across the
// simulated worker boundary and run it on either side.
//
// The split between a Task (identity + arguments) and its
// TransferDescriptor (the wire-safe projection of a Task) mirrors how the
// teacher repository separates a dag.Node's live Go state from the
// gohcl-decoded input struct it hands to a registered handler: the
// in-process shape and the wire shape are different types, translated at
// a single boundary.
package task

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vk/taskmesh/internal/codec"
	"github.com/vk/taskmesh/internal/errs"
	"github.com/vk/taskmesh/internal/registry"
)

// Callable is the signature every registered task function must satisfy.
type Callable func(ctx context.Context, args []any) (any, error)

// asyncMarker is implemented by the placeholder type used to mark the
// argument slot that should receive an injected completion callback. It is
// defined here, rather than imported from the root package, to keep this
// package free of a dependency on the public API; the root package's
// AsyncResult satisfies it structurally.
type asyncMarker interface {
	IsAsyncResult()
}

// TransferDescriptor is the wire-safe projection of a Task: every field is
// plain data, safe to serialize with codec.Marshal and hand to a worker
// that shares no memory with the controller. The movable resources
// themselves travel alongside a TransferDescriptor, not inside it.
type TransferDescriptor struct {
	Command  string
	Args     []any
	Receiver any
	Data     map[string]any
}

// Task carries a callable identity, its argument list, an optional bound
// receiver and lookup table, the set of movable resources embedded in its
// arguments, and an opaque data bag the scheduler uses to stamp routing
// metadata (owning context index and task name).
type Task struct {
	// Command is either a lookup name (string) — transferable — or a raw
	// Callable — usable only for inline, single-threaded execution.
	Command any
	Args    []any
	Receiver any

	LookupTable registry.LookupTable
	Variables   map[string]any

	Data map[string]any

	codecs *codec.Registry

	autoDetect bool
	movables   []codec.Movable
	excluded   map[any]bool
}

// New builds a Task. command is either a lookup-name string or a raw
// Callable (the latter can only ever run inline). Movables embedded in
// args are auto-detected via codecs unless SetMovables overrides them.
func New(command any, args []any, codecs *codec.Registry) *Task {
	t := &Task{
		Command:    command,
		Args:       args,
		codecs:     codecs,
		autoDetect: true,
		excluded:   make(map[any]bool),
	}
	return t
}

// SetReceiver attaches a bound receiver, consulted first when resolving
// Command through the lookup table.
func (t *Task) SetReceiver(v any) { t.Receiver = v }

// SetLookupTable overrides the lookup table used to resolve Command.
func (t *Task) SetLookupTable(lt registry.LookupTable) { t.LookupTable = lt }

// SetMovables overrides auto-detection with an explicit movable list.
func (t *Task) SetMovables(m []codec.Movable) {
	t.autoDetect = false
	t.movables = m
}

// Movables returns the movables embedded in Args and Receiver, either the
// explicit override or freshly auto-detected via the codec registry. The
// Worker Host uses this to compute the automatic back-transfer.
func (t *Task) Movables() []codec.Movable { return t.movableList() }

// movableList returns the movables embedded in Args and Receiver, either
// the explicit override or freshly auto-detected via the codec registry.
func (t *Task) movableList() []codec.Movable {
	if !t.autoDetect {
		return t.movables
	}
	var out []codec.Movable
	for _, a := range t.Args {
		_, m := t.codecs.Pack(a, true)
		out = append(out, m...)
	}
	if t.Receiver != nil {
		_, m := t.codecs.Pack(t.Receiver, true)
		out = append(out, m...)
	}
	return out
}

// RemoveMovable excludes value's embedded movables from the *next*
// transfer's movable list: the packed form still carries its data (so the
// dispatch behaves as a copy), but the controller's original buffer is not
// neutered. The exclusion is one-shot and is cleared by
// ToTransferDescriptor.
func (t *Task) RemoveMovable(value any) {
	_, m := t.codecs.Pack(value, true)
	for _, mv := range m {
		t.excluded[mv] = true
	}
}

// HasMovedBuffer reports whether any movable embedded in Args or Receiver
// currently has zero length, i.e. is an already-moved sentinel.
func (t *Task) HasMovedBuffer() bool {
	for _, m := range t.movableList() {
		if m.IsMoved() {
			return true
		}
	}
	return false
}

// ToTransferDescriptor packs Args and Receiver and returns the wire-safe
// descriptor alongside the (exclusion-filtered) movable list the pool must
// move. The exclusion list is cleared on return.
func (t *Task) ToTransferDescriptor() (TransferDescriptor, []codec.Movable, error) {
	commandName, ok := t.Command.(string)
	if !ok {
		return TransferDescriptor{}, nil, &errs.SerializationError{Reason: "command is not a lookup name, cannot ship a raw callable to a worker"}
	}

	packedArgs := make([]any, len(t.Args))
	var movables []codec.Movable
	for i, a := range t.Args {
		packed, m := t.codecs.Pack(a, false)
		packedArgs[i] = packed
		movables = append(movables, filterExcluded(t.excluded, m)...)
	}

	var packedReceiver any
	if t.Receiver != nil {
		packed, m := t.codecs.Pack(t.Receiver, false)
		packedReceiver = packed
		movables = append(movables, filterExcluded(t.excluded, m)...)
	}

	t.excluded = make(map[any]bool)

	return TransferDescriptor{
		Command:  commandName,
		Args:     packedArgs,
		Receiver: packedReceiver,
		Data:     t.Data,
	}, movables, nil
}

func filterExcluded(excluded map[any]bool, in []codec.Movable) []codec.Movable {
	if len(excluded) == 0 {
		return in
	}
	out := make([]codec.Movable, 0, len(in))
	for _, m := range in {
		if !excluded[m] {
			out = append(out, m)
		}
	}
	return out
}

// FromTransferDescriptor reconstructs a Task on the worker side, unpacking
// every arg and the receiver through the codec registry. global is the
// live process-wide registry: it is resolved against fresh on every call
// rather than through a snapshot captured once at worker startup, since
// callables are typically registered after the worker pool already exists.
// The reconstructed receiver, if any, becomes this one task's first lookup
// base, since a Task's LookupTable is never itself part of the wire
// descriptor.
func FromTransferDescriptor(d TransferDescriptor, global *registry.Registry, codecs *codec.Registry) (*Task, error) {
	args := make([]any, len(d.Args))
	for i, a := range d.Args {
		v, err := codecs.Unpack(a)
		if err != nil {
			return nil, fmt.Errorf("task: unpacking arg %d: %w", i, err)
		}
		args[i] = v
	}
	var receiver any
	if d.Receiver != nil {
		v, err := codecs.Unpack(d.Receiver)
		if err != nil {
			return nil, fmt.Errorf("task: unpacking receiver: %w", err)
		}
		receiver = v
	}
	t := New(d.Command, args, codecs)
	t.Receiver = receiver
	t.LookupTable = registry.DefaultLookupTable(receiver, global)
	t.Data = d.Data
	return t, nil
}

// Run resolves late-bound placeholders, finds the callable via the lookup
// table (unless Command is already a raw Callable), and invokes it. If no
// AsyncResult marker is present in Args, the synchronous result is
// returned and callback, if non-nil, is invoked once with it. Otherwise, a
// completion callback is substituted into the marked argument slot; the
// callable is expected to invoke it, and callback fires when it does.
func (t *Task) Run(ctx context.Context, callback func(result any, self *Task)) (any, error) {
	resolvedArgs := make([]any, len(t.Args))
	copy(resolvedArgs, t.Args)
	for i, a := range resolvedArgs {
		if lsb, ok := a.(interface{ LateBindingName() string }); ok {
			v, ok := t.Variables[lsb.LateBindingName()]
			if !ok {
				return nil, fmt.Errorf("task: late-bound variable %q not found", lsb.LateBindingName())
			}
			resolvedArgs[i] = v
		}
	}

	asyncIdx := -1
	for i, a := range resolvedArgs {
		if _, ok := a.(asyncMarker); ok {
			asyncIdx = i
			break
		}
	}

	fn, err := t.resolveCallable()
	if err != nil {
		return nil, err
	}

	if asyncIdx >= 0 {
		resolvedArgs[asyncIdx] = func(result any) {
			if callback != nil {
				callback(result, t)
			}
		}
		result, err := fn(ctx, resolvedArgs)
		return result, err
	}

	result, err := fn(ctx, resolvedArgs)
	if err != nil {
		return nil, err
	}
	if callback != nil {
		callback(result, t)
	}
	return result, nil
}

func (t *Task) resolveCallable() (Callable, error) {
	switch c := t.Command.(type) {
	case Callable:
		return c, nil
	case func(context.Context, []any) (any, error):
		return Callable(c), nil
	case string:
		rv, err := t.LookupTable.Resolve(c)
		if err != nil {
			return nil, err
		}
		return callableFromReflect(rv)
	default:
		return nil, fmt.Errorf("task: command of unsupported type %T", c)
	}
}

func callableFromReflect(rv reflect.Value) (Callable, error) {
	if fn, ok := rv.Interface().(Callable); ok {
		return fn, nil
	}
	if fn, ok := rv.Interface().(func(context.Context, []any) (any, error)); ok {
		return Callable(fn), nil
	}
	return nil, fmt.Errorf("task: resolved callable has unsupported signature %s", rv.Type())
}
