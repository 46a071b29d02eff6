// Package apperrors defines the router's error taxonomy: the kinds of
// failure a request can hit, and how each is rendered in a GraphQL
// response's top-level errors array.
package apperrors

import (
	"errors"
	"fmt"
)

// Code is an extensions.code value surfaced to clients, matching the
// Apollo-federation convention of a short, stable, upper-snake-case string.
type Code string

const (
	CodeGraphQLSyntaxError      Code = "GRAPHQL_PARSE_FAILED"
	CodeGraphQLValidationError  Code = "GRAPHQL_VALIDATION_FAILED"
	CodeInvalidOperation        Code = "INVALID_OPERATION"
	CodeVariableCoercionError   Code = "VARIABLE_COERCION_FAILED"
	CodeIntrospectionDisabled   Code = "INTROSPECTION_DISABLED"
	CodePlanningTimeout         Code = "PLANNING_TIMEOUT"
	CodeUnplannableOperation    Code = "UNPLANNABLE_OPERATION"
	CodePlannerInternal         Code = "PLANNER_INTERNAL"
	CodeSubrequestHTTPError     Code = "SUBREQUEST_HTTP_ERROR"
	CodeSubrequestMalformedResp Code = "SUBREQUEST_MALFORMED_RESPONSE"
	CodeSubrequestTimeout       Code = "SUBREQUEST_TIMEOUT"
	CodeEntityMergeConflict     Code = "ENTITY_MERGE_CONFLICT"
	CodeRequestTimeout          Code = "REQUEST_TIMEOUT"
	CodeRequestCancelled        Code = "REQUEST_CANCELLED"
	CodeInaccessibleField       Code = "INACCESSIBLE_FIELD"
)

// Class distinguishes error families for propagation-policy decisions (e.g.
// whether an error aborts the whole request or just nulls a field).
type Class int

const (
	// ClassInput covers client-caused, request-scoped failures detected
	// before or during planning (4xx-equivalent).
	ClassInput Class = iota
	// ClassPlanning covers failures while building a plan (5xx-equivalent
	// unless the deployment treats them as client errors).
	ClassPlanning
	// ClassExecution covers per-field failures during plan execution; these
	// null the enclosing field rather than aborting the request.
	ClassExecution
	// ClassRequest covers request-scoped failures during execution
	// (timeouts, cancellation) that abort the whole request.
	ClassRequest
	// ClassLifecycle covers failures that never reach a client response
	// (schema/config load, listener bind).
	ClassLifecycle
)

// Error is the router's internal error type. It carries enough structure to
// render a GraphQL error object without the renderer needing to know about
// the failure's origin.
type Error struct {
	Code       Code
	Class      Class
	Message    string
	Path       []any
	Service    string
	HTTPStatus int
	Reason     string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Extensions renders the extensions object attached to this error in a
// GraphQL response.
func (e *Error) Extensions() map[string]any {
	ext := map[string]any{"code": string(e.Code)}
	if e.Service != "" {
		ext["service"] = e.Service
	}
	if e.HTTPStatus != 0 {
		ext["http"] = map[string]any{"status": e.HTTPStatus}
	}
	if e.Reason != "" {
		ext["reason"] = e.Reason
	}
	return ext
}

func newErr(code Code, class Class, msg string) *Error {
	return &Error{Code: code, Class: class, Message: msg}
}

// GraphQLSyntaxError reports a client operation that failed to parse.
func GraphQLSyntaxError(reason string) *Error {
	e := newErr(CodeGraphQLSyntaxError, ClassInput, "syntax error in GraphQL operation")
	e.Reason = reason
	return e
}

// GraphQLValidationError reports a client operation that parsed but failed
// schema validation.
func GraphQLValidationError(reason string) *Error {
	e := newErr(CodeGraphQLValidationError, ClassInput, "GraphQL validation failed")
	e.Reason = reason
	return e
}

// InvalidOperation reports an unknown root field, type, or unsupported
// directive combination.
func InvalidOperation(format string, args ...any) *Error {
	return newErr(CodeInvalidOperation, ClassInput, fmt.Sprintf(format, args...))
}

// VariableCoercionError reports a variable value that can't be coerced to
// its declared type.
func VariableCoercionError(varName string, cause error) *Error {
	e := newErr(CodeVariableCoercionError, ClassInput, fmt.Sprintf("variable %q could not be coerced", varName))
	e.Cause = cause
	return e
}

// IntrospectionDisabled reports an introspection query rejected by config.
func IntrospectionDisabled() *Error {
	return newErr(CodeIntrospectionDisabled, ClassInput, "introspection is disabled")
}

// PlanningTimeout reports the hard timeout elapsing before any candidate
// plan was produced.
func PlanningTimeout(elapsed string) *Error {
	e := newErr(CodePlanningTimeout, ClassPlanning, "planning exceeded the hard timeout")
	e.Reason = elapsed
	return e
}

// UnplannableOperation reports that no fetch path exists for the operation
// against the current schema.
func UnplannableOperation(format string, args ...any) *Error {
	return newErr(CodeUnplannableOperation, ClassPlanning, fmt.Sprintf("no fetch path exists: %s", fmt.Sprintf(format, args...)))
}

// PlannerInternal reports an invariant violation inside the planner.
func PlannerInternal(cause error) *Error {
	e := newErr(CodePlannerInternal, ClassPlanning, "internal planner error")
	e.Cause = cause
	return e
}

// SubrequestHTTPError reports a non-2xx/connection/timeout failure talking
// to a subgraph.
func SubrequestHTTPError(service string, status int, reason string) *Error {
	return &Error{
		Code:       CodeSubrequestHTTPError,
		Class:      ClassExecution,
		Message:    fmt.Sprintf("HTTP fetch failed from '%s': %d: %s", service, status, reason),
		Service:    service,
		HTTPStatus: status,
	}
}

// SubrequestMalformedResponse reports a subgraph response body that could
// not be decoded as a GraphQL response.
func SubrequestMalformedResponse(service, snippet string) *Error {
	return &Error{
		Code:    CodeSubrequestMalformedResp,
		Class:   ClassExecution,
		Message: fmt.Sprintf("malformed response from %q", service),
		Service: service,
		Reason:  snippet,
	}
}

// SubrequestTimeout reports a subgraph fetch that exceeded its deadline.
func SubrequestTimeout(service string) *Error {
	return &Error{
		Code:    CodeSubrequestTimeout,
		Class:   ClassExecution,
		Message: fmt.Sprintf("request to %q timed out", service),
		Service: service,
	}
}

// EntityMergeConflict reports two fetches disagreeing on the value at the
// same response path.
func EntityMergeConflict(path string) *Error {
	return newErr(CodeEntityMergeConflict, ClassExecution, fmt.Sprintf("conflicting values merged at path %q", path))
}

// RequestTimeout reports the client-supplied deadline expiring mid-request.
func RequestTimeout() *Error {
	return newErr(CodeRequestTimeout, ClassRequest, "request deadline exceeded")
}

// RequestCancelled reports the client disconnecting or cancelling.
func RequestCancelled() *Error {
	return newErr(CodeRequestCancelled, ClassRequest, "request was cancelled")
}

// InaccessibleField reports a client selecting a field marked @inaccessible.
func InaccessibleField(typeName, fieldName string) *Error {
	return newErr(CodeInaccessibleField, ClassInput, fmt.Sprintf("Cannot query field %q on type %q", fieldName, typeName))
}

// GraphQLErrorObject is the wire shape of a single entry in a response's
// top-level "errors" array.
type GraphQLErrorObject struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ToGraphQLError renders an *Error as the wire shape, attaching path if set.
func (e *Error) ToGraphQLError() GraphQLErrorObject {
	return GraphQLErrorObject{
		Message:    e.Error(),
		Path:       e.Path,
		Extensions: e.Extensions(),
	}
}

// WithPath returns a copy of e with Path set, leaving e unmodified.
func (e *Error) WithPath(path []any) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// As unwraps err looking for an *Error, the way callers at the edge of the
// system (HTTP handlers) need to decide between a typed GraphQL error
// response and a generic one.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
