package service

import (
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/router"
)

// ResourceType is the type of resource a handler serves
type ResourceType byte

// Resource types
const (
	TypeUnset ResourceType = iota
	TypeModel
	TypeCollection
)

// AccessHandler is called on access requests
type AccessHandler func(r *Request)

// GetHandler is called on get requests
type GetHandler func(r *Request)

// CallHandler is called on call requests
type CallHandler func(r *Request)

// AuthHandler is called on auth requests
type AuthHandler func(r *Request)

// NewHandler is called on new call requests
type NewHandler func(r *Request)

// ApplyChangeHandler applies a model change event to the underlying data.
// It returns a map with the values needed to revert the change. An empty
// revert map suppresses the event.
type ApplyChangeHandler func(r *Resource, changes map[string]interface{}) (map[string]interface{}, error)

// ApplyAddHandler applies a collection add event to the underlying data
type ApplyAddHandler func(r *Resource, value interface{}, idx int) error

// ApplyRemoveHandler applies a collection remove event to the underlying
// data. It returns the removed value.
type ApplyRemoveHandler func(r *Resource, idx int) (interface{}, error)

// ApplyCreateHandler applies a resource create event to the underlying data
type ApplyCreateHandler func(r *Resource, data interface{}) error

// ApplyDeleteHandler applies a resource delete event to the underlying data.
// It returns the deleted resource data.
type ApplyDeleteHandler func(r *Resource) (interface{}, error)

// ApplyCustomHandler applies a custom event to the underlying data
type ApplyCustomHandler func(r *Resource, event string, payload interface{}) error

// Handler declares the capabilities of a resource pattern. Any nil field
// means the capability is not supported; the service replies with the
// protocol-appropriate default for requests hitting an unsupported
// capability.
type Handler struct {
	// Type is the resource type served under the pattern
	Type ResourceType

	// Access is called on access requests
	Access AccessHandler

	// Get is called on get requests
	Get GetHandler

	// Call maps method names to call handlers. Method names are matched
	// case-insensitively.
	Call map[string]CallHandler

	// Auth maps method names to auth handlers. Method names are matched
	// case-insensitively.
	Auth map[string]AuthHandler

	// New is called on new call requests (call with method "new")
	New NewHandler

	// ApplyChange is called to apply change events
	ApplyChange ApplyChangeHandler

	// ApplyAdd is called to apply add events
	ApplyAdd ApplyAddHandler

	// ApplyRemove is called to apply remove events
	ApplyRemove ApplyRemoveHandler

	// ApplyCreate is called to apply create events
	ApplyCreate ApplyCreateHandler

	// ApplyDelete is called to apply delete events
	ApplyDelete ApplyDeleteHandler

	// ApplyCustom is called to apply custom events
	ApplyCustom ApplyCustomHandler

	// Group is the worker group of the pattern. All resources resolving
	// to the same group are serialized on the same worker. The group may
	// contain ${name} references to pattern parameters. If empty, the
	// resource name is used as the serialization key.
	Group string
}

// regHandler is a validated Handler with lowercased method lookup maps
type regHandler struct {
	Handler
	call map[string]CallHandler
	auth map[string]AuthHandler
}

// newRegHandler validates the handler capability record and builds the
// case-insensitive method maps
func newRegHandler(h Handler) (*regHandler, error) {
	rh := &regHandler{Handler: h}

	if len(h.Call) > 0 {
		rh.call = make(map[string]CallHandler, len(h.Call))
		for method, cb := range h.Call {
			if !router.IsValidToken(method) {
				return nil, fmt.Errorf("failed to register handler: invalid call method name %q", method)
			}
			if cb == nil {
				return nil, fmt.Errorf("failed to register handler: nil call handler for method %q", method)
			}
			lm := strings.ToLower(method)
			if _, ok := rh.call[lm]; ok {
				return nil, fmt.Errorf("failed to register handler: duplicate call method %q", lm)
			}
			rh.call[lm] = cb
		}
		if _, ok := rh.call["new"]; ok {
			return nil, fmt.Errorf("failed to register handler: method \"new\" is reserved, use the New capability")
		}
	}

	if len(h.Auth) > 0 {
		rh.auth = make(map[string]AuthHandler, len(h.Auth))
		for method, cb := range h.Auth {
			if !router.IsValidToken(method) {
				return nil, fmt.Errorf("failed to register handler: invalid auth method name %q", method)
			}
			if cb == nil {
				return nil, fmt.Errorf("failed to register handler: nil auth handler for method %q", method)
			}
			lm := strings.ToLower(method)
			if _, ok := rh.auth[lm]; ok {
				return nil, fmt.Errorf("failed to register handler: duplicate auth method %q", lm)
			}
			rh.auth[lm] = cb
		}
	}

	return rh, nil
}

// owned reports whether the handler takes resource ownership, requiring
// get, call, and auth subscriptions.
func (rh *regHandler) owned() bool {
	return rh.Get != nil || len(rh.call) > 0 || len(rh.auth) > 0 || rh.New != nil
}
