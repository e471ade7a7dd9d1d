package ingest

import (
	"fmt"
	"strings"
)

// DecodeError codes.
const (
	CodeMalformed    = "malformed"
	CodeInvalidField = "invalid_field"
	CodeInternal     = "internal"
)

// DecodeError reports a side-channel payload that could not be turned into a
// snapshot. It always yields a Rejected outcome.
type DecodeError struct {
	Code    string
	Message string
	Param   string
	Err     error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if strings.TrimSpace(e.Param) != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Param)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(message string, cause error) *DecodeError {
	return &DecodeError{Code: CodeMalformed, Message: message, Err: cause}
}

func invalidField(param, message string) *DecodeError {
	return &DecodeError{Code: CodeInvalidField, Message: message, Param: param}
}
