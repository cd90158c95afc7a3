// Package transfer runs the chunk pipeline: a worker pool stages chunk
// files, filters them, and commits them to the sink one transaction per
// chunk, while an orchestrator tracks state, progress, and verification.
package transfer

import "fmt"

// Kind classifies a failure by how the engine responds to it.
type Kind int

const (
	// KindSplit is fatal: without trustworthy chunks nothing can run.
	KindSplit Kind = iota
	// KindStaging skips the chunk for this run; it is retried next run.
	KindStaging
	// KindFilter degrades the chunk to an unfiltered transfer.
	KindFilter
	// KindSinkWrite rolls the chunk's transaction back and skips it.
	KindSinkWrite
	// KindLedgerTimeout leaves committed work unrecorded; the chunk is
	// re-transferred next run.
	KindLedgerTimeout
	// KindConnectivity aborts the run: the sink is unreachable.
	KindConnectivity
)

func (k Kind) String() string {
	switch k {
	case KindSplit:
		return "split failure"
	case KindStaging:
		return "staging failure"
	case KindFilter:
		return "filter failure"
	case KindSinkWrite:
		return "sink write failure"
	case KindLedgerTimeout:
		return "ledger timeout"
	case KindConnectivity:
		return "connectivity failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error ties a failure kind to the chunk it hit. Chunk is -1 for failures
// outside any single chunk.
type Error struct {
	Kind  Kind
	Chunk int
	Err   error
}

func (e *Error) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s on chunk %d: %v", e.Kind, e.Chunk, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failure(kind Kind, chunk int, err error) *Error {
	return &Error{Kind: kind, Chunk: chunk, Err: err}
}
