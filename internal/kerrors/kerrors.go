// Package kerrors defines the core's error kinds (see §7 of the design
// spec) and a single constructor used across every subsystem so that a
// logging hook can recover structure (kind, subsystem, context) from any
// error value without type-switching on subsystem-specific types.
package kerrors

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind enumerates the error kinds the core can report. Values are
// stable; errors.Is matches two *Error values of the same Kind through
// (*Error).Is, and the package-level Is compares an error's Kind.
type Kind int

const (
	// OutOfMemory signals pressure in C1/C2 not resolvable under the
	// caller's flags.
	OutOfMemory Kind = iota
	// InvalidArgument signals misaligned addresses, out-of-range frame
	// orders, or malformed commands.
	InvalidArgument
	// NotFound signals an unused namespace id, a missing VMA, or an
	// unknown device id.
	NotFound
	// Overlap signals an attempt to create a VMA that intersects an
	// existing one.
	Overlap
	// Segfault signals a page fault outside any VMA or against its
	// protections.
	Segfault
	// QueueFull signals an NVMe queue that cannot accept another
	// command.
	QueueFull
	// Timeout signals an NVMe command, or a bring-up step, that did not
	// complete within its deadline.
	Timeout
	// DeviceError preserves an NVMe status code and type verbatim.
	DeviceError
	// ControllerDead signals CSTS.CFS was observed; all further
	// operations on the controller fail.
	ControllerDead
	// BindFailure signals no driver matched, or probe returned an
	// error, for a hot-plugged device.
	BindFailure
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case Overlap:
		return "Overlap"
	case Segfault:
		return "Segfault"
	case QueueFull:
		return "QueueFull"
	case Timeout:
		return "Timeout"
	case DeviceError:
		return "DeviceError"
	case ControllerDead:
		return "ControllerDead"
	case BindFailure:
		return "BindFailure"
	default:
		return "Unknown"
	}
}

// Error is the core's uniform error value. Subsystem is a short tag
// ("pmm", "vmm", "nvme.queue", "hotplug", ...) and Context carries
// whatever opaque, loggable detail the subsystem wants to attach
// (frame numbers, command ids, device coordinates).
type Error struct {
	Kind      Kind
	Subsystem string
	Context   map[string]any
	msg       string
	wrapped   error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Subsystem, e.Kind, e.msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s: %s", e.Subsystem, e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports whether target is a *Error of the same Kind, enabling
// errors.Is(err, kerrors.New(kerrors.Segfault, "", "", nil)) style
// checks as well as direct Kind comparisons via kerrors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error. wrapped may be nil. ctx is optional, varargs
// key/value pairs folded into Context.
func New(kind Kind, subsystem, msg string, wrapped error, ctx ...any) *Error {
	e := &Error{Kind: kind, Subsystem: subsystem, msg: msg, wrapped: wrapped}
	if len(ctx) > 0 {
		e.Context = make(map[string]any, len(ctx)/2)
		for i := 0; i+1 < len(ctx); i += 2 {
			key, ok := ctx[i].(string)
			if !ok {
				continue
			}
			e.Context[key] = ctx[i+1]
		}
	}
	return e
}

// Wrapf builds an Error whose message is formatted with xerrors.Errorf
// semantics (supports %w to chain an inner error with a frame).
func Wrapf(kind Kind, subsystem, format string, args ...any) *Error {
	wrapped := xerrors.Errorf(format, args...)
	return &Error{Kind: kind, Subsystem: subsystem, msg: format, wrapped: wrapped}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
