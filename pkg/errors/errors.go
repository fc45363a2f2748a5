package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code classifies an engine failure. Callers branch on codes, never on
// message text.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeInvalidScope           Code = "INVALID_SCOPE"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeSameOutlet             Code = "SAME_OUTLET"
	CodeInsufficientStock      Code = "INSUFFICIENT_STOCK"
	CodeHoldExpired            Code = "HOLD_EXPIRED"
	CodeInvalidHoldState       Code = "INVALID_HOLD_STATE"
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	CodeTransferPartialFailure Code = "TRANSFER_PARTIAL_FAILURE"
	CodeStorageUnavailable     Code = "STORAGE_UNAVAILABLE"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInternal               Code = "INTERNAL_ERROR"
)

type class uint8

const (
	// classRetryable: the same request may succeed later.
	classRetryable class = 1 << iota
	// classDetails: Details may be shown to the caller.
	classDetails
	// classInternal: the code is replaced by CodeInternal at the boundary.
	classInternal
)

// Metadata describes how a code is presented to callers.
type Metadata struct {
	PublicMessage  string
	Retryable      bool
	DetailsAllowed bool
	Internal       bool
}

var codeTable = map[Code]struct {
	message string
	class   class
}{
	CodeValidation:             {"validation failed", classDetails},
	CodeInvalidScope:           {"stock scope is incomplete", classDetails},
	CodeInvalidQuantity:        {"quantity is invalid", classDetails},
	CodeSameOutlet:             {"source and destination outlet must differ", classDetails},
	CodeInsufficientStock:      {"insufficient stock", classDetails},
	CodeHoldExpired:            {"stock hold has expired", classDetails},
	CodeInvalidHoldState:       {"stock hold state transition disallowed", classDetails},
	CodeIdempotencyConflict:    {"idempotency key reused with different parameters", classDetails},
	CodeTransferPartialFailure: {"internal error", classRetryable | classInternal},
	CodeStorageUnavailable:     {"storage unavailable", classRetryable | classDetails},
	CodeNotFound:               {"resource not found", 0},
	CodeInternal:               {"internal error", classRetryable},
}

// MetadataFor returns the presentation rules for code. Unknown codes are
// treated as CodeInternal.
func MetadataFor(code Code) Metadata {
	entry, ok := codeTable[code]
	if !ok {
		entry = codeTable[CodeInternal]
	}
	return Metadata{
		PublicMessage:  entry.message,
		Retryable:      entry.class&classRetryable != 0,
		DetailsAllowed: entry.class&classDetails != 0,
		Internal:       entry.class&classInternal != 0,
	}
}

// Error is the typed error every engine operation returns.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err behaves like New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

// WithDetails sets structured context and returns e for chaining.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether the outermost *Error in err's chain carries code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsRetryable reports whether repeating the request may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(As(err).Code()).Retryable
}

// Public strips err down to what may cross the engine boundary: the code,
// the message and, where allowed, details. Causes never survive.
func Public(err error) *Error {
	if err == nil {
		return nil
	}
	typed := As(err)
	if typed == nil || MetadataFor(typed.code).Internal {
		return New(CodeInternal, MetadataFor(CodeInternal).PublicMessage)
	}
	out := New(typed.code, typed.message)
	if MetadataFor(typed.code).DetailsAllowed {
		out.details = typed.details
	}
	return out
}
