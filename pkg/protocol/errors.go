package protocol

import "fmt"

// DuplicateHandleError reports a spawn attempt with a handle that is already
// held by a live worker. It enables typed discrimination via errors.As.
type DuplicateHandleError struct {
	Handle string
}

func (e *DuplicateHandleError) Error() string {
	return fmt.Sprintf("handle %q already in use by a live worker", e.Handle)
}

// CapacityError reports a spawn attempt past the hard worker limit.
type CapacityError struct {
	Live  int
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("worker capacity exceeded: %d live, hard limit %d", e.Live, e.Limit)
}

// AdmissionDeniedError wraps a denied admission decision when a caller asked
// the supervisor to spawn directly. The Decision itself is the source of
// truth; this type exists so spawnWorker can fail with a single error value.
type AdmissionDeniedError struct {
	Reason string
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// WorkerNotFoundError reports a lookup for a worker id or handle that is not
// in the live map.
type WorkerNotFoundError struct {
	Ref string // id or handle
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.Ref)
}

// ProcessFailureError reports an unexpected process start or exit failure.
type ProcessFailureError struct {
	Handle string
	Reason string
}

func (e *ProcessFailureError) Error() string {
	return fmt.Sprintf("worker %s process failure: %s", e.Handle, e.Reason)
}
