package service

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/router"
)

// Resource is a reference to a resource matched by a registered pattern. It
// exposes the event emitters, but no reply methods. A resource obtained from
// an incoming request additionally enforces the request's event rules.
//
// Event emitters should only be called from the resource's own worker; use
// Service.With to get there when no request is at hand.
type Resource struct {
	s      *Service
	name   string
	params map[string]string
	query  string
	group  string
	h      *regHandler
	req    *Request
}

// Event names reserved by the protocol
var reservedEventNames = map[string]bool{
	"change":      true,
	"add":         true,
	"remove":      true,
	"create":      true,
	"delete":      true,
	"patch":       true,
	"reaccess":    true,
	"unsubscribe": true,
	"query":       true,
}

// Service returns the service the resource belongs to
func (r *Resource) Service() *Service {
	return r.s
}

// ResourceName returns the resource name
func (r *Resource) ResourceName() string {
	return r.name
}

// ResourceType returns the resource type declared by the matched handler
func (r *Resource) ResourceType() ResourceType {
	if r.h == nil {
		return TypeUnset
	}
	return r.h.Type
}

// Query returns the query part of the resource ID, without the '?'
// separator, or an empty string if there is none
func (r *Resource) Query() string {
	return r.query
}

// Group returns the worker group serializing the resource
func (r *Resource) Group() string {
	return r.group
}

// PathParam returns the value captured by a pattern parameter placeholder
func (r *Resource) PathParam(name string) string {
	return r.params[name]
}

// PathParams returns all values captured by pattern parameter placeholders
func (r *Resource) PathParams() map[string]string {
	return r.params
}

// preEvent enforces the request-scoped event rules: get requests never emit
// events, and no event may follow the terminal response. Panics on
// violation, as these are programming errors in the handler.
func (r *Resource) preEvent(event string) {
	if r.req == nil {
		return
	}
	if r.req.rtype == RequestTypeGet {
		panic(fmt.Sprintf("service: %s event on get request for %s", event, r.name))
	}
	if r.req.hasReplied() {
		panic(fmt.Sprintf("service: %s event after response on %s", event, r.name))
	}
}

// ChangeEvent sends a change event with the given changed field values. A
// field set to DeleteAction marks the field as deleted. If the handler has
// an ApplyChange capability it is called first; an empty revert map
// suppresses the event.
//
// Only valid on model resources.
func (r *Resource) ChangeEvent(changes map[string]interface{}) error {
	if r.h.Type == TypeCollection {
		panic("service: change event on collection resource " + r.name)
	}
	r.preEvent("change")
	if len(changes) == 0 {
		return nil
	}
	if r.h.ApplyChange != nil {
		revert, err := r.h.ApplyChange(r, changes)
		if err != nil {
			return err
		}
		if len(revert) == 0 {
			return nil
		}
	}
	r.s.event("event."+r.name+".change", "change", codec.ChangeEvent{Values: changes})
	return nil
}

// AddEvent sends a collection add event, inserting the value at the
// zero-based index idx.
//
// Only valid on collection resources.
func (r *Resource) AddEvent(value interface{}, idx int) error {
	if r.h.Type == TypeModel {
		panic("service: add event on model resource " + r.name)
	}
	if idx < 0 {
		panic("service: add event idx less than zero")
	}
	r.preEvent("add")
	if r.h.ApplyAdd != nil {
		if err := r.h.ApplyAdd(r, value, idx); err != nil {
			return err
		}
	}
	r.s.event("event."+r.name+".add", "add", codec.AddEvent{Value: value, Idx: idx})
	return nil
}

// RemoveEvent sends a collection remove event, removing the value at the
// zero-based index idx.
//
// Only valid on collection resources.
func (r *Resource) RemoveEvent(idx int) error {
	if r.h.Type == TypeModel {
		panic("service: remove event on model resource " + r.name)
	}
	if idx < 0 {
		panic("service: remove event idx less than zero")
	}
	r.preEvent("remove")
	if r.h.ApplyRemove != nil {
		if _, err := r.h.ApplyRemove(r, idx); err != nil {
			return err
		}
	}
	r.s.event("event."+r.name+".remove", "remove", codec.RemoveEvent{Idx: idx})
	return nil
}

// CreateEvent sends a resource create event with the initial resource data
func (r *Resource) CreateEvent(data interface{}) error {
	r.preEvent("create")
	if r.h.ApplyCreate != nil {
		if err := r.h.ApplyCreate(r, data); err != nil {
			return err
		}
	}
	r.s.event("event."+r.name+".create", "create", codec.CreateEvent{Data: data})
	return nil
}

// DeleteEvent sends a resource delete event
func (r *Resource) DeleteEvent() error {
	r.preEvent("delete")
	if r.h.ApplyDelete != nil {
		if _, err := r.h.ApplyDelete(r); err != nil {
			return err
		}
	}
	r.s.rawEvent("event."+r.name+".delete", "delete", []byte(`{}`))
	return nil
}

// CustomEvent sends a custom event with the given name and payload. Panics
// if the event name is invalid or reserved by the protocol.
func (r *Resource) CustomEvent(event string, payload interface{}) error {
	if reservedEventNames[event] {
		panic("service: use of reserved event name: " + event)
	}
	if !router.IsValidToken(event) {
		panic("service: invalid event name: " + event)
	}
	r.preEvent(event)
	if r.h.ApplyCustom != nil {
		if err := r.h.ApplyCustom(r, event, payload); err != nil {
			return err
		}
	}
	r.s.event("event."+r.name+"."+event, event, payload)
	return nil
}

// ReaccessEvent sends a reaccess event, signalling the gateway that access
// to the resource must be reevaluated for all subscribing connections
func (r *Resource) ReaccessEvent() {
	r.preEvent("reaccess")
	r.s.rawEvent("event."+r.name+".reaccess", "reaccess", nil)
}
