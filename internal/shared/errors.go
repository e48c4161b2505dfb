package shared

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures so transports can map them to status codes.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidStatus     Kind = "INVALID_STATUS"
	KindNoItems           Kind = "NO_ITEMS"
	KindDuplicate         Kind = "DUPLICATE"
	KindOverpayment       Kind = "OVERPAYMENT"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindTransientLock     Kind = "TRANSIENT_LOCK_FAILURE"
	KindValidation        Kind = "VALIDATION"
	KindProvider          Kind = "PROVIDER_ERROR"
	KindNumberConflict    Kind = "INVOICE_NUMBER_CONFLICT"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus indicates the source entity cannot be invoiced in its state.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrNoItems indicates there is nothing billable on the source entity.
	ErrNoItems = errors.New("no billable items")
	// ErrDuplicate indicates a conflicting record already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrOverpayment indicates a payment would exceed the amount due.
	ErrOverpayment = errors.New("overpayment")
	// ErrInvalidTransition indicates a state change from a terminal or conflicting state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTransientLock indicates a lock could not be acquired in time; retryable.
	ErrTransientLock = errors.New("transient lock failure")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrProvider indicates the payment provider rejected or failed a request.
	ErrProvider = errors.New("payment provider error")
	// ErrNumberConflict indicates two sites render the same invoice number prefix.
	ErrNumberConflict = errors.New("invoice number conflict")
)

var kindSentinels = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindInvalidStatus:     ErrInvalidStatus,
	KindNoItems:           ErrNoItems,
	KindDuplicate:         ErrDuplicate,
	KindOverpayment:       ErrOverpayment,
	KindInvalidTransition: ErrInvalidTransition,
	KindTransientLock:     ErrTransientLock,
	KindValidation:        ErrValidation,
	KindProvider:          ErrProvider,
	KindNumberConflict:    ErrNumberConflict,
}

// Error carries a machine readable kind plus a human message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

// E builds an Error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithDetail attaches a structured detail and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an Error against its kind sentinel.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the kind of the first Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
