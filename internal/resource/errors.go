package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrOutOfSync        = errors.New("resource is out of sync with the local file system")
	ErrOverlap          = errors.New("location overlaps the project location")
	ErrReentrancy       = errors.New("the resource tree is locked for modifications")
	ErrCanceled         = errors.New("operation canceled")
	ErrRuleScope        = errors.New("scheduling rule does not match the outer rule")
	ErrWorkspaceClosed  = errors.New("workspace is closed")
	ErrInvalidPath      = errors.New("invalid resource path")
	ErrProjectClosed    = errors.New("project is not open")
	ErrInvalidKind      = errors.New("invalid resource kind for operation")
	ErrLocalMissing     = errors.New("local resource does not exist")
	ErrMarkerNotFound   = errors.New("marker not found")
	ErrContentMissing   = errors.New("content not available")
	ErrInvalidOperation = errors.New("invalid operation")
)

// ResourceError is a failure attributed to one resource.
type ResourceError struct {
	Op   string
	Path Path
	Err  error
}

// Errorf builds a ResourceError whose cause wraps kind.
func Errorf(op string, p Path, kind error, format string, args ...any) *ResourceError {
	msg := fmt.Sprintf(format, args...)
	return &ResourceError{Op: op, Path: p, Err: fmt.Errorf("%w: %s", kind, msg)}
}

// NewError builds a ResourceError for a bare kind.
func NewError(op string, p Path, kind error) *ResourceError {
	return &ResourceError{Op: op, Path: p, Err: kind}
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Canceled converts a context error into ErrCanceled, keeping the cause.
func Canceled(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

// CheckCanceled returns ErrCanceled once ctx is done.
func CheckCanceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Canceled(err)
	}
	return nil
}

// Status aggregates the per-resource failures of a recursive operation.
type Status struct {
	Op  string
	err error
}

// Collector accumulates per-resource errors.
type Collector struct {
	op  string
	err error
}

// NewCollector starts collecting failures for op.
func NewCollector(op string) *Collector {
	return &Collector{op: op}
}

// Add records err, ignoring nil.
func (c *Collector) Add(err error) {
	c.err = multierr.Append(c.err, err)
}

// Len returns the number of recorded failures.
func (c *Collector) Len() int {
	return len(multierr.Errors(c.err))
}

// Err returns nil when nothing failed and a *Status otherwise.
func (c *Collector) Err() error {
	if c.err == nil {
		return nil
	}
	return &Status{Op: c.op, err: c.err}
}

// Failures lists the individual failures.
func (s *Status) Failures() []error {
	return multierr.Errors(s.err)
}

func (s *Status) Error() string {
	failures := s.Failures()
	if len(failures) == 1 {
		return fmt.Sprintf("%s: %v", s.Op, failures[0])
	}
	msgs := make([]string, len(failures))
	for n, f := range failures {
		msgs[n] = f.Error()
	}
	return fmt.Sprintf("%s: %d failures: %s", s.Op, len(failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (s *Status) Unwrap() []error {
	return s.Failures()
}
