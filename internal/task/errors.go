package task

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state for operation")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrUnknownScraper  = errors.New("no adapter registered for scraper")
	ErrDatabaseInit    = errors.New("database initialisation failed")

	// ErrCancelled is returned by Controller.CheckpointOrAbort when the
	// task's cancel flag is set (or a pause exceeded its timeout). The
	// engine treats it as terminal for the pair, never as a failure.
	ErrCancelled = errors.New("task cancelled")
)

// Error categories surfaced to callers and written into error logs.
const (
	CategoryDatabaseInit      = "database_init_error"
	CategoryModuleImport      = "module_import_error"
	CategoryConnectionRefused = "connection_refused"
	CategoryTimeout           = "timeout"
	CategoryPermissionDenied  = "permission_denied"
	CategoryExecution         = "execution_error"
	CategoryUnexpected        = "unexpected_error"
	CategoryStalled           = "stalled"
	CategoryInvalidArgument   = "invalid_argument"
	CategoryInvalidState      = "invalid_state"
	CategoryConflict          = "conflict"
)

// CategoryOf maps an error to its friendly category. Adapter errors fall
// through to execution_error unless the chain reveals a more specific
// cause.
func CategoryOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDatabaseInit):
		return CategoryDatabaseInit
	case errors.Is(err, ErrInvalidArgument):
		return CategoryInvalidArgument
	case errors.Is(err, ErrInvalidState):
		return CategoryInvalidState
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	case errors.Is(err, ErrUnknownScraper):
		return CategoryModuleImport
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CategoryConnectionRefused
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return CategoryPermissionDenied
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	return CategoryExecution
}

// PairError wraps an adapter failure with the pair it happened on.
type PairError struct {
	Scraper  string
	AreaCode string
	Err      error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("pair %s failed: %v", PairKey(e.Scraper, e.AreaCode), e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

// StoreError wraps storage failures with the backend that produced them.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (%s, %s): %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
