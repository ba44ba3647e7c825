package emulator

import (
	"errors"
	"fmt"
)

// Kind classifies the failure of an operation so that a
// caller can render a single notification without
// inspecting internals.
type Kind int

const (
	// KindNone is the kind of a nil error.
	KindNone Kind = iota
	// KindBootstrap is an asset or instantiation failure,
	// fatal to the session.
	KindBootstrap
	// KindLoad is an unsupported or corrupt cartridge.
	KindLoad
	// KindInvalidTransition is an operation that is not
	// valid in the current state.
	KindInvalidTransition
	// KindRestore is an unusable save-state payload.
	KindRestore
	// KindValidation is a malformed cheat code or name.
	KindValidation
	// KindBusy is a mutating operation that could not be
	// queued.
	KindBusy
	// KindNotFound is a missing file.
	KindNotFound
	// KindDeferredEffect is a success that only takes
	// effect on the next cartridge load.
	KindDeferredEffect
	// KindInvalidPath is a path outside the file-system
	// taxonomy.
	KindInvalidPath
	// KindStorage is a failure of the durable store.
	KindStorage
	// KindInternal is anything else.
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:              "",
	KindBootstrap:         "BootstrapError",
	KindLoad:              "LoadError",
	KindInvalidTransition: "InvalidTransition",
	KindRestore:           "RestoreError",
	KindValidation:        "ValidationError",
	KindBusy:              "Busy",
	KindNotFound:          "NotFound",
	KindDeferredEffect:    "DeferredEffect",
	KindInvalidPath:       "InvalidPath",
	KindStorage:           "StorageError",
	KindInternal:          "InternalError",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrBootstrap         = &Error{Kind: KindBootstrap}
	ErrLoad              = &Error{Kind: KindLoad}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrRestore           = &Error{Kind: KindRestore}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrDeferredEffect    = &Error{Kind: KindDeferredEffect}
	ErrInvalidPath       = &Error{Kind: KindInvalidPath}
	ErrStorage           = &Error{Kind: KindStorage}
)

// Error is an error carrying a Kind. Op names the operation
// that failed, Phase is set for bootstrap failures.
type Error struct {
	Kind  Kind
	Op    string
	Phase string
	Err   error
}

// NewError returns an Error of the given kind wrapping err.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an Error of the given kind with a formatted
// message.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Phase != "" {
		msg += " (" + e.Phase + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the package
// sentinels can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the outermost *Error in the
// chain of err, KindNone for nil and KindInternal for any
// other error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsFailure reports whether err should be presented as a
// failure. DeferredEffect is informational and is not.
func IsFailure(err error) bool {
	k := KindOf(err)
	return k != KindNone && k != KindDeferredEffect
}
