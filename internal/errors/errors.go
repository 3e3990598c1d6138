package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeUnavailable   Code = 12
	CodeBlocked       Code = 16
	CodeLimitExceeded Code = 20
	CodeLastWallet    Code = 21
	CodeInvalidInput  Code = 22
	CodeDecrypt       Code = 23
	CodeNotFound      Code = 24
	CodeConflict      Code = 25
	CodeKeyConfig     Code = 26
	CodeSigner        Code = 27
	CodeActionSim     Code = 28
	CodeActionTimeout Code = 29
	CodeExpired       Code = 30
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeUnavailable:
		return "unavailable"
	case CodeBlocked:
		return "command_blocked"
	case CodeLimitExceeded:
		return "limit_exceeded"
	case CodeLastWallet:
		return "last_wallet"
	case CodeInvalidInput:
		return "invalid_input"
	case CodeDecrypt:
		return "decryption_failure"
	case CodeNotFound:
		return "not_found"
	case CodeConflict:
		return "concurrent_operation"
	case CodeKeyConfig:
		return "key_config"
	case CodeSigner:
		return "signer_error"
	case CodeActionSim:
		return "simulation_failed"
	case CodeActionTimeout:
		return "timeout"
	case CodeExpired:
		return "expired"
	default:
		return "internal_error"
	}
}
