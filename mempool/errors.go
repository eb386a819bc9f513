// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package mempool

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/gviegas/residency/driver"
	"github.com/gviegas/residency/internal/logger"
)

// Kind classifies pool errors.
type Kind int

// Error kinds.
const (
	// Malformed configuration or misuse of the pool.
	InvalidArgument Kind = iota + 1
	// The device could not report the memory types of
	// the host pointer.
	DeviceQueryFailed
	// The host pointer could not be imported.
	ImportFailed
	// The device memory could not be allocated.
	AllocationFailed
	// The buffer aliases for relocation could not be
	// created or bound.
	RelocationSetupFailed
	// The host pointer is not importable as coherent
	// host-visible memory.
	PreconditionViolation
)

// Sentinel errors, one per Kind.
// Every *Error matches the sentinel of its kind under
// errors.Is.
var (
	ErrInvalidArgument       = errors.New("mempool: invalid argument")
	ErrDeviceQueryFailed     = errors.New("mempool: device query failed")
	ErrImportFailed          = errors.New("mempool: import failed")
	ErrAllocationFailed      = errors.New("mempool: allocation failed")
	ErrRelocationSetupFailed = errors.New("mempool: relocation setup failed")
	ErrPreconditionViolation = errors.New("mempool: precondition violation")
)

// Sentinel returns the sentinel error of k, or nil if k
// is not a valid Kind.
func (k Kind) Sentinel() error {
	switch k {
	case InvalidArgument:
		return ErrInvalidArgument
	case DeviceQueryFailed:
		return ErrDeviceQueryFailed
	case ImportFailed:
		return ErrImportFailed
	case AllocationFailed:
		return ErrAllocationFailed
	case RelocationSetupFailed:
		return ErrRelocationSetupFailed
	case PreconditionViolation:
		return ErrPreconditionViolation
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case DeviceQueryFailed:
		return "DeviceQueryFailed"
	case ImportFailed:
		return "ImportFailed"
	case AllocationFailed:
		return "AllocationFailed"
	case RelocationSetupFailed:
		return "RelocationSetupFailed"
	case PreconditionViolation:
		return "PreconditionViolation"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error describes a failed pool operation.
// It identifies the native call that failed and the
// parameters it was given.
type Error struct {
	Op   string // Pool method, e.g. "Initialize".
	Call string // Failing native call or check.
	Kind Kind
	Name string
	Size int64
	Prop driver.MemProp
	Type int // Memory type index, or -1.
	Err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("mempool: %s", e.Op)
	if e.Name != "" {
		s += fmt.Sprintf(" %q", e.Name)
	}
	s += fmt.Sprintf(": %s: %s (size %d, prop %v", e.Kind, e.Call, e.Size, e.Prop)
	if e.Type >= 0 {
		s += fmt.Sprintf(", type %d", e.Type)
	}
	s += ")"
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the first *Error in err's
// chain, or zero if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// fail creates an *Error for the pool p.
// The cause, if any, is annotated with a stack trace.
func (p *Pool) fail(op, call string, k Kind, typ int, cause error) error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{
		Op:   op,
		Call: call,
		Kind: k,
		Name: p.name,
		Size: p.size,
		Prop: p.prop,
		Type: typ,
		Err:  cause,
	}
}

// failed counts err in the pool metrics and logs it.
// It returns err.
func (p *Pool) failed(msg string, err error) error {
	p.met.failed(KindOf(err))
	log := p.log
	if log == nil {
		log = logger.Get().Named("mempool")
	}
	log.Debug(msg, zap.String("pool", p.name), zap.Error(err))
	return err
}

// importKind returns the Kind of a failed host pointer
// query or import. Pointers that are already imported
// are invalid arguments.
func importKind(err error, k Kind) Kind {
	if errors.Is(err, driver.ErrAlreadyImported) {
		return InvalidArgument
	}
	return k
}

var (
	errAlreadyInitialized = errors.New("pool already initialized")
	errNilArgument        = errors.New("nil GPU, config or command buffer")
	errSize               = errors.New("size must be greater than zero")
	errNilHost            = errors.New("nil host pointer")
	errNoHostTypes        = errors.New("host pointer is not importable as any memory type")
	errNoMemoryType       = errors.New("no memory type has the desired properties")
	errNotRecording       = errors.New("command buffer is not recording")
)

func errAlignment(align int64) error {
	return errors.Newf("host pointer and size must be aligned to %d bytes", align)
}

func errNotCoherent(typeBits uint32) error {
	return errors.Newf("importable memory types %#x lack host-visible|host-coherent memory", typeBits)
}
