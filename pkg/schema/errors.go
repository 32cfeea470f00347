package schema

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidDefinition    = "INVALID_DEFINITION"
	ErrCodeWorkflowNotFound     = "WORKFLOW_NOT_FOUND"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConfigMissing        = "CONFIG_MISSING"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeFieldNotFound        = "FIELD_NOT_FOUND"
	ErrCodeUnknownConditionType = "UNKNOWN_CONDITION_TYPE"
	ErrCodeExpression           = "EXPRESSION_ERROR"
	ErrCodeUnknownLoopType      = "UNKNOWN_LOOP_TYPE"
	ErrCodeNoItemsSource        = "NO_ITEMS_SOURCE"
	ErrCodeNoDataToWrite        = "NO_DATA_TO_WRITE"
	ErrCodeHandler              = "HANDLER_ERROR"
	ErrCodeUnknownFlavor        = "UNKNOWN_FLAVOR"
	ErrCodeProviderHTTP         = "PROVIDER_HTTP_ERROR"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeNotCancellable       = "NOT_CANCELLABLE"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeSecret               = "SECRET_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// FlowError is the structured error type for all flowgraph operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// AsFlowError extracts a *FlowError from the chain, if any.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// AtNode attributes err to nodeID. A FlowError that already names a node is
// returned as is; one that does not is copied so shared error values stay
// untouched. Any other error is wrapped with code.
func AtNode(err error, nodeID, code string) error {
	if fe, ok := AsFlowError(err); ok {
		if fe.NodeID != "" {
			return fe
		}
		cp := *fe
		cp.NodeID = nodeID
		return &cp
	}
	return NewError(code, err.Error()).WithCause(err).WithNode(nodeID)
}

// CodeOf returns the error code of err, or "" when err carries none.
func CodeOf(err error) string {
	if fe, ok := AsFlowError(err); ok {
		return fe.Code
	}
	return ""
}

// HTTPStatus maps an error to the status code the HTTP surface reports.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidDefinition:
		return http.StatusUnprocessableEntity
	case ErrCodeWorkflowNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConfigMissing, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotCancellable, ErrCodeInvalidTransition, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeProviderHTTP, ErrCodeCircuitOpen:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
