package payreq

import (
	"errors"
	"fmt"
)

// Code identifies which validation rule rejected a request.
type Code string

const (
	CodeAmountRequired     Code = "amount_required"
	CodeInvalidAmount      Code = "invalid_amount"
	CodeAmountExceedsLimit Code = "amount_exceeds_limit"
	CodeInvalidRecipient   Code = "invalid_recipient"
	CodeInvalidReference   Code = "invalid_reference"
	CodeInvalidSPLToken    Code = "invalid_spl_token"
)

// ValidationError reports a request field the user has to correct.
type ValidationError struct {
	Code    Code
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ProtocolError reports a URI that uses our scheme but cannot be decoded.
type ProtocolError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "malformed payment request"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrorCode returns the validation code carried by err, or "" if err is not
// a ValidationError.
func ErrorCode(err error) Code {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}

func invalid(code Code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}
