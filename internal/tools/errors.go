package tools

import (
	"errors"
	"fmt"
)

// Tool error codes.
const (
	CodeInvalidArgs   = "invalid_args"
	CodeNotFound      = "not_found"
	CodePathEscape    = "path_escape"
	CodeUnavailable   = "unavailable"
	CodeDenied        = "denied"
	CodeTimeout       = "timeout"
	CodeInvalidResult = "invalid_result"
	CodeFailed        = "failed"
)

// ToolError is a typed failure reported back to the model as an
// error-tagged tool result.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return e.Message
}

// Errorf builds a ToolError.
func Errorf(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the ToolError code carried by err, or CodeFailed.
func CodeOf(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeFailed
}
