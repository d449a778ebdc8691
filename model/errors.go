package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = fmt.Errorf("not found")
	ErrAlreadyExists       = fmt.Errorf("already exists")
	ErrBreakerOpen         = fmt.Errorf("breaker open")
	ErrReadOnlySystem      = fmt.Errorf("system is read-only")
	ErrAccountInProtection = fmt.Errorf("account in protection")
	ErrNotConfigured       = fmt.Errorf("not configured")
)

// ErrorKind is the classification stored into the archive for failed operations.
type ErrorKind string

const (
	ErrorKindValidation           ErrorKind = "validation"
	ErrorKindTransformation       ErrorKind = "transformation"
	ErrorKindConnectorUnavailable ErrorKind = "connector_unavailable"
	ErrorKindConnectorRejected    ErrorKind = "connector_rejected"
	ErrorKindBreakerOpen          ErrorKind = "breaker_open"
	ErrorKindInternal             ErrorKind = "internal"
)

// ValidationError is a malformed mapping or script configuration. Never retried.
type ValidationError struct {
	Attribute string
	Script    string
	Reason    string
}

func (e *ValidationError) Error() string {
	return "validation: " + describe(e.Attribute, e.Script, e.Reason)
}

func NewValidationError(attribute, script string, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Attribute: attribute, Script: script, Reason: fmt.Sprintf(format, args...)}
}

// TransformationError is a script failure or a wrong-type script return.
type TransformationError struct {
	Attribute string
	Script    string
	Err       error
}

func (e *TransformationError) Error() string {
	reason := "<nil>"
	if e.Err != nil {
		reason = e.Err.Error()
	}
	return "transformation: " + describe(e.Attribute, e.Script, reason)
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}

func NewTransformationError(attribute, script string, err error) *TransformationError {
	return &TransformationError{Attribute: attribute, Script: script, Err: err}
}

func describe(attribute, script, reason string) string {
	msg := reason
	if script != "" {
		msg = fmt.Sprintf("script %q: %s", script, msg)
	}
	if attribute != "" {
		msg = fmt.Sprintf("attribute %q: %s", attribute, msg)
	}
	return msg
}

// OperationResult is the outcome details of the last execution attempt of an operation.
type OperationResult struct {
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attribute string    `json:"attribute,omitempty"`
	Script    string    `json:"script,omitempty"`
}

// ResultFromError fills attribute and script from typed errors when possible
func ResultFromError(kind ErrorKind, err error) *OperationResult {
	if err == nil {
		return nil
	}
	res := &OperationResult{Kind: kind, Message: err.Error()}
	var vErr *ValidationError
	var tErr *TransformationError
	switch {
	case errors.As(err, &tErr):
		res.Attribute, res.Script = tErr.Attribute, tErr.Script
	case errors.As(err, &vErr):
		res.Attribute, res.Script = vErr.Attribute, vErr.Script
	}
	return res
}

// KindOf classifies mapping errors, everything else is internal
func KindOf(err error) ErrorKind {
	var vErr *ValidationError
	var tErr *TransformationError
	switch {
	case errors.As(err, &tErr):
		return ErrorKindTransformation
	case errors.As(err, &vErr):
		return ErrorKindValidation
	case errors.Is(err, ErrBreakerOpen):
		return ErrorKindBreakerOpen
	}
	return ErrorKindInternal
}
