// Package mcp implements the Model Context Protocol server for amanrag.
package mcp

import (
	"context"
	"errors"
	"fmt"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// Custom MCP error codes for amanrag.
const (
	// ErrCodeIndexUnavailable indicates the index is corrupt or writes are halted.
	ErrCodeIndexUnavailable = -32001

	// ErrCodeSearchFailed indicates neither retrieval source could answer.
	ErrCodeSearchFailed = -32002

	// ErrCodeTimeout indicates the request timed out or was cancelled.
	ErrCodeTimeout = -32003

	// ErrCodeFileNotFound indicates a file no longer exists on disk.
	ErrCodeFileNotFound = -32004

	// ErrCodeFileTooLarge indicates a file is too large to serve.
	ErrCodeFileTooLarge = -32005

	// ErrCodeBusy indicates another reload is in progress.
	ErrCodeBusy = -32006

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ErrToolNotFound indicates the requested tool does not exist.
var ErrToolNotFound = errors.New("tool not found")

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}
	var amanErr *amerrors.AmanError
	if errors.As(err, &amanErr) {
		return mapAmanError(amanErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	case errors.Is(err, ErrToolNotFound):
		return &MCPError{Code: ErrCodeMethodNotFound, Message: "Tool not found."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}

// mapAmanError maps by code first, then by category.
func mapAmanError(ae *amerrors.AmanError) *MCPError {
	message := fmt.Sprintf("[%s] %s", ae.Code, ae.Message)
	if ae.Suggestion != "" {
		message = fmt.Sprintf("%s %s", message, ae.Suggestion)
	}

	switch ae.Code {
	case amerrors.ErrCodeBusy:
		return &MCPError{Code: ErrCodeBusy, Message: message}
	case amerrors.ErrCodeSearchFailed:
		return &MCPError{Code: ErrCodeSearchFailed, Message: message}
	case amerrors.ErrCodeFileNotFound, amerrors.ErrCodeSourceNotFound:
		return &MCPError{Code: ErrCodeFileNotFound, Message: message}
	case amerrors.ErrCodeCorruptIndex, amerrors.ErrCodeManifestCorrupt,
		amerrors.ErrCodeRestoreFailed, amerrors.ErrCodeWritesHalted:
		return &MCPError{Code: ErrCodeIndexUnavailable, Message: message}
	}

	switch ae.Category {
	case amerrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
