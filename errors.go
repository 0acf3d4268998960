package taskmesh

import "github.com/vk/taskmesh/internal/errs"

// ConfigurationError reports a malformed or internally inconsistent
// Config: a dependency that was never described, a Command of the wrong
// shape, or an Args value that isn't a slice.
type ConfigurationError = errs.ConfigurationError

// CycleError reports that the dependency graph built from a Config
// contains a back edge.
type CycleError = errs.CycleError

// StarvationError reports that a scheduling step found no ready work and
// no in-flight work before the target task completed.
type StarvationError = errs.StarvationError

// StallError reports that the worker pool has tasks waiting whose inputs
// all carry already-moved (neutered) buffers, with no worker busy to
// return them.
type StallError = errs.StallError

// SerializationError reports that a callable could not be prepared for
// transfer to a worker.
type SerializationError = errs.SerializationError

// LookupError reports that a method name could not be resolved against
// any base in a lookup table.
type LookupError = errs.LookupError

// WorkerError reports a failure raised inside a worker, with source
// location context when available.
type WorkerError = errs.WorkerError

// ErrTerminated is returned by any operation attempted on a Pipeline after
// Terminate has been called.
var ErrTerminated = errs.ErrTerminated
