package reserr

import "encoding/json"

// Pre-defined RES protocol error codes
const (
	CodeAccessDenied   = "system.accessDenied"
	CodeInternalError  = "system.internalError"
	CodeInvalidParams  = "system.invalidParams"
	CodeInvalidQuery   = "system.invalidQuery"
	CodeMethodNotFound = "system.methodNotFound"
	CodeNotFound       = "system.notFound"
	CodeTimeout        = "system.timeout"
)

// Error represents a RES protocol error sent in an error reply
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Pre-defined RES protocol errors
var (
	ErrAccessDenied   = &Error{Code: CodeAccessDenied, Message: "Access denied"}
	ErrInternalError  = &Error{Code: CodeInternalError, Message: "Internal error"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "Invalid parameters"}
	ErrInvalidQuery   = &Error{Code: CodeInvalidQuery, Message: "Invalid query"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "Not found"}
	ErrTimeout        = &Error{Code: CodeTimeout, Message: "Request timeout"}
)

// InternalError converts an error to an *Error with the code
// system.internalError, appending the original error message.
func InternalError(err error) *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error: " + err.Error()}
}

// ToError converts an error to an *Error. If the error is already an *Error,
// it is returned unchanged, otherwise it is wrapped as an internal error.
func ToError(err error) *Error {
	rerr, ok := err.(*Error)
	if !ok {
		rerr = InternalError(err)
	}
	return rerr
}

// RESError returns the error as a JSON encoded error reply payload.
func RESError(err error) json.RawMessage {
	payload, merr := json.Marshal(struct {
		Error *Error `json:"error"`
	}{ToError(err)})
	if merr != nil {
		// Marshaling a plain code/message pair cannot fail; the data
		// field is already stripped by ToError for foreign errors.
		return json.RawMessage(`{"error":{"code":"system.internalError","message":"Internal error"}}`)
	}
	return payload
}
