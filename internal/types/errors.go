package types

import (
	"errors"
	"fmt"
)

// Error is the caller-facing error type. Every user-visible failure carries a
// stable machine-readable code alongside the human message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Error codes. The set is closed; internal degradations (agent failures,
// skipped edits) never surface through these.
const (
	CodeInvalidPath      = "INVALID_PATH"
	CodeAgentNotFound    = "AGENT_NOT_FOUND"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeConsensusFailed  = "CONSENSUS_FAILED"
	CodeSyntaxError      = "SYNTAX_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodePermissionDenied = "PERMISSION_DENIED"
)

func NewInvalidPath(path string) *Error {
	return &Error{Code: CodeInvalidPath, Message: fmt.Sprintf("invalid target path: %s", path)}
}

func NewAgentNotFound(agentID string) *Error {
	return &Error{Code: CodeAgentNotFound, Message: fmt.Sprintf("agent not found: %s", agentID)}
}

func NewSessionNotFound(sessionID string) *Error {
	return &Error{Code: CodeSessionNotFound, Message: fmt.Sprintf("session not found: %s", sessionID)}
}

func NewConsensusFailed(detail string) *Error {
	return &Error{Code: CodeConsensusFailed, Message: fmt.Sprintf("agents failed to reach consensus: %s", detail)}
}

func NewSyntaxError(detail string) *Error {
	return &Error{Code: CodeSyntaxError, Message: fmt.Sprintf("syntax error: %s", detail)}
}

func NewTimeout(sessionID string) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf("session %s timed out", sessionID)}
}

func NewPermissionDenied(path string) *Error {
	return &Error{Code: CodePermissionDenied, Message: fmt.Sprintf("permission denied: %s", path)}
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
