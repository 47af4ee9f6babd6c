package common

import (
	"errors"
	"fmt"
	"strings"
)

// 定义常见错误类型
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidTransition    = errors.New("invalid lifecycle transition")
	ErrAlreadyStarted       = errors.New("entry point already started")
	ErrManifestInvalid      = errors.New("invalid dependency manifest")
	ErrNotFound             = errors.New("not found")
)

// 进程退出码
const (
	ExitOK                = 0
	ExitGeneralFailure    = 1
	ExitDependencyInstall = 2
	ExitCannotExecute     = 126
	ExitCommandNotFound   = 127
)

// DependencyInstallError 依赖安装失败
type DependencyInstallError struct {
	Requirement string `json:"requirement"`
	ExitCode    int    `json:"exit_code"`
	Stderr      string `json:"stderr,omitempty"`
	Cause       error  `json:"-"`
}

func (e *DependencyInstallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dependency install failed for %q", e.Requirement)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *DependencyInstallError) Unwrap() error {
	return e.Cause
}

// EntryPointError 入口进程失败
type EntryPointError struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Cause    error  `json:"-"`
}

func (e *EntryPointError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("entry point %q failed (exit %d): %v", e.Command, e.ExitCode, e.Cause)
	}
	return fmt.Sprintf("entry point %q exited with code %d", e.Command, e.ExitCode)
}

func (e *EntryPointError) Unwrap() error {
	return e.Cause
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// Unwrap 使验证错误可以被 errors.Is(err, ErrInvalidConfiguration) 识别
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// NewValidationError 创建验证错误
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ExitCode 将错误映射为进程退出码
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var installErr *DependencyInstallError
	if errors.As(err, &installErr) {
		return ExitDependencyInstall
	}

	var entryErr *EntryPointError
	if errors.As(err, &entryErr) {
		if entryErr.ExitCode != 0 {
			return entryErr.ExitCode
		}
		return ExitGeneralFailure
	}

	return ExitGeneralFailure
}
