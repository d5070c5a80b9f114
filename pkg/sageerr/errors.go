// Copyright 2026 Sage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package sageerr defines the typed error kinds used across the memory
// service and their mapping to JSON-RPC error codes.
package sageerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry policies, circuit breakers, and
// JSON-RPC error code mapping.
type Kind int

const (
	// KindRuntime is an unexpected internal failure.
	KindRuntime Kind = iota
	// KindConfiguration indicates missing or invalid configuration.
	KindConfiguration
	// KindValidation indicates input that violates a precondition.
	KindValidation
	// KindDatabaseConnection indicates a database backend failure.
	KindDatabaseConnection
	// KindEmbeddingService indicates an embedding backend failure.
	KindEmbeddingService
	// KindBreakerOpen indicates a call rejected by an open circuit breaker.
	KindBreakerOpen
	// KindResourceExhausted indicates an internal quota was exceeded.
	KindResourceExhausted
	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindDatabaseConnection:
		return "database_connection"
	case KindEmbeddingService:
		return "embedding_service"
	case KindBreakerOpen:
		return "breaker_open"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTimeout:
		return "timeout"
	default:
		return "runtime"
	}
}

// Error is a classified error with an optional details map.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error that wraps a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches a details map and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the Kind of err, or KindRuntime if err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRuntime
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// JSON-RPC 2.0 error codes plus server extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32001
)

// RPCCode maps an error to its JSON-RPC error code.
func RPCCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return CodeInvalidParams
	case KindConfiguration:
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}
