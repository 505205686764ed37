package domain

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller is expected to react.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInput is a malformed or incomplete request. Never retried.
	KindInput
	// KindAuthenticity is a signature or trust anchor mismatch. Never retried, flagged for monitoring.
	KindAuthenticity
	// KindReference is an unknown order/invoice or a request/response mismatch.
	KindReference
	// KindState means the request was already applied or the transition is not allowed.
	// Idempotent callers treat it as "nothing left to do".
	KindState
	// KindOperational is a fault of a local resource (key store, crypto engine, storage).
	KindOperational
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAuthenticity:
		return "authenticity"
	case KindReference:
		return "reference"
	case KindState:
		return "state"
	case KindOperational:
		return "operational"
	}
	return "unknown"
}

type Code string

const (
	CodeFormat                    Code = "FORMAT"
	CodeIllegalArgument           Code = "ILLEGAL_ARGUMENT"
	CodeWrongSignature            Code = "WRONG_SIGNATURE"
	CodeOrderNotFound             Code = "ORDER_NOT_FOUND"
	CodeInvoiceNotFound           Code = "INVOICE_NOT_FOUND"
	CodeValidation                Code = "VALIDATION"
	CodeAlreadyProcessed          Code = "ALREADY_PROCESSED"
	CodeIllegalState              Code = "ILLEGAL_STATE"
	CodeConfiguration             Code = "CONFIGURATION"
	CodeService                   Code = "SERVICE"
	CodeNumberGenerationExhausted Code = "NUMBER_GENERATION_EXHAUSTED"
	CodeStorage                   Code = "STORAGE"
)

// Kind returns the default kind of the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeFormat, CodeIllegalArgument:
		return KindInput
	case CodeWrongSignature:
		return KindAuthenticity
	case CodeOrderNotFound, CodeInvoiceNotFound, CodeValidation:
		return KindReference
	case CodeAlreadyProcessed, CodeIllegalState:
		return KindState
	case CodeConfiguration, CodeService, CodeNumberGenerationExhausted, CodeStorage:
		return KindOperational
	}
	return KindUnknown
}

// Error is the single error type returned across the reconciliation core.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

var (
	ErrFormat                    = &Error{Kind: KindInput, Code: CodeFormat}
	ErrIllegalArgument           = &Error{Kind: KindInput, Code: CodeIllegalArgument}
	ErrWrongSignature            = &Error{Kind: KindAuthenticity, Code: CodeWrongSignature}
	ErrOrderNotFound             = &Error{Kind: KindReference, Code: CodeOrderNotFound}
	ErrInvoiceNotFound           = &Error{Kind: KindReference, Code: CodeInvoiceNotFound}
	ErrValidation                = &Error{Kind: KindReference, Code: CodeValidation}
	ErrAlreadyProcessed          = &Error{Kind: KindState, Code: CodeAlreadyProcessed}
	ErrIllegalState              = &Error{Kind: KindState, Code: CodeIllegalState}
	ErrConfiguration             = &Error{Kind: KindOperational, Code: CodeConfiguration}
	ErrService                   = &Error{Kind: KindOperational, Code: CodeService}
	ErrNumberGenerationExhausted = &Error{Kind: KindOperational, Code: CodeNumberGenerationExhausted}
	ErrStorage                   = &Error{Kind: KindOperational, Code: CodeStorage}
)

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Kind: code.Kind(), Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: code.Kind(), Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Escalate re-tags a business error as operational while keeping its code.
// Used when a state the engine should have prevented is reached anyway.
func Escalate(err error) error {
	var de *Error
	if !errors.As(err, &de) {
		return err
	}
	cp := *de
	cp.Kind = KindOperational
	return &cp
}

// KindOf reports the kind of err. Untagged errors are operational.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindOperational
}

// CodeOf reports the code of err, or "" for untagged errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
