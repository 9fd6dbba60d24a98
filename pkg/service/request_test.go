package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/bustest"
	"github.com/cuemby/burrow/pkg/reserr"
	"github.com/cuemby/burrow/pkg/service"
)

// serveWith starts a session for a single handler registered on the given
// pattern, consuming the initial reset event
func serveWith(t *testing.T, pattern string, h service.Handler) *bustest.Session {
	t.Helper()
	s := newService(t)
	require.NoError(t, s.AddHandler(pattern, h))
	sess := bustest.NewSession(t, s)
	sess.GetMsg(t).AssertSubject(t, "system.reset")
	return sess
}

// TestGetModel tests a model reply on a get request
func TestGetModel(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Type: service.TypeModel,
		Get: func(r *service.Request) {
			r.Model(map[string]interface{}{"name": "foo", "count": 42})
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("get.test.model", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, map[string]interface{}{
			"model": map[string]interface{}{"name": "foo", "count": 42},
		})
}

// TestGetCollectionWithQuery tests a collection reply carrying the
// normalized query of a query resource
func TestGetCollectionWithQuery(t *testing.T) {
	sess := serveWith(t, "collection", service.Handler{
		Type: service.TypeCollection,
		Get: func(r *service.Request) {
			assert.Equal(t, "limit=5", r.Query())
			r.Collection([]string{"foo", "bar"})
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("get.test.collection", map[string]interface{}{"query": "limit=5"})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, map[string]interface{}{
			"collection": []string{"foo", "bar"},
			"query":      "limit=5",
		})
}

// TestGetNoCapability tests that a get request for a handler without a get
// capability replies system.notFound
func TestGetNoCapability(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) { r.OK(nil) },
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("get.test.model", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeNotFound)
}

// TestGetUnmatchedResource tests that a request within the owned subject
// space but matching no pattern replies system.notFound
func TestGetUnmatchedResource(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Get: func(r *service.Request) { r.Model(struct{}{}) },
	})
	defer sess.Close(t)

	inbox := sess.Request("get.test.unknown", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeNotFound)
}

// TestCallWithEvents tests that events emitted during a call request are
// published before the reply
func TestCallWithEvents(t *testing.T) {
	sess := serveWith(t, "collection", service.Handler{
		Type: service.TypeCollection,
		Call: map[string]service.CallHandler{
			"delete": func(r *service.Request) {
				r.RemoveEvent(2)
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.collection.delete", nil)
	sess.GetMsg(t).
		AssertSubject(t, "event.test.collection.remove").
		AssertPayload(t, map[string]interface{}{"idx": 2})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, nil)
}

// TestCallParams tests request field access on a call request
func TestCallParams(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {
				assert.Equal(t, "call", r.Type())
				assert.Equal(t, "set", r.Method())
				assert.Equal(t, "cid1", r.CID())

				var p struct {
					Value int `json:"value"`
				}
				require.NoError(t, r.ParseParams(&p))
				r.OK(p.Value)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.set", map[string]interface{}{
		"cid":    "cid1",
		"params": map[string]interface{}{"value": 7},
	})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, 7)
}

// TestCallMethodNotFound tests the reply for an unregistered call method
func TestCallMethodNotFound(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) { r.OK(nil) },
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.rename", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeMethodNotFound)
}

// TestCallMethodCaseInsensitive tests that call methods match regardless
// of casing
func TestCallMethodCaseInsensitive(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"Set": func(r *service.Request) { r.OK("ok") },
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.SET", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, "ok")
}

// TestNewCall tests that a call with method new routes to the New
// capability and replies with a resource reference
func TestNewCall(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		New: func(r *service.Request) {
			r.New(service.Ref("test.model.42"))
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.new", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, map[string]interface{}{"rid": "test.model.42"})
}

// TestNewCallNoCapability tests that a new call without a New capability
// replies system.methodNotFound, even if a call method named new could
// never be registered
func TestNewCallNoCapability(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) { r.OK(nil) },
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.new", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeMethodNotFound)
}

// TestResourceReply tests a resource reference reply on a call request
func TestResourceReply(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"open": func(r *service.Request) {
				r.ResourceReply(service.Ref("test.model.42"))
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.open", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertPayload(t, map[string]interface{}{
			"resource": map[string]interface{}{"rid": "test.model.42"},
		})
}

// TestAccessDefaultGranted tests that access requests for handlers without
// an access capability are granted by default
func TestAccessDefaultGranted(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.AddHandler("model", service.Handler{
		Get: func(r *service.Request) { r.Model(struct{}{}) },
	}))
	require.NoError(t, s.SetOwnedResources([]string{"test.>"}, []string{"test.>"}))

	sess := bustest.NewSession(t, s)
	defer sess.Close(t)
	sess.GetMsg(t).AssertSubject(t, "system.reset")

	inbox := sess.Request("access.test.model", map[string]interface{}{"cid": "cid1"})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, map[string]interface{}{"get": true, "call": "*"})
}

// TestAccessDefaultDenied tests the deny-by-default mode
func TestAccessDefaultDenied(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.AddHandler("model", service.Handler{
		Get: func(r *service.Request) { r.Model(struct{}{}) },
	}))
	require.NoError(t, s.SetOwnedResources([]string{"test.>"}, []string{"test.>"}))
	require.NoError(t, s.SetDefaultAccessDenied(true))

	sess := bustest.NewSession(t, s)
	defer sess.Close(t)
	sess.GetMsg(t).AssertSubject(t, "system.reset")

	inbox := sess.Request("access.test.model", map[string]interface{}{"cid": "cid1"})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeAccessDenied)
}

// TestAccessHandler tests access replies produced by an access handler
func TestAccessHandler(t *testing.T) {
	tests := []struct {
		name string
		get  bool
		call string
	}{
		{"get only", true, ""},
		{"call only", false, "set"},
		{"get and methods", true, "set,rename"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := serveWith(t, "model", service.Handler{
				Access: func(r *service.Request) { r.Access(tt.get, tt.call) },
			})
			defer sess.Close(t)

			inbox := sess.Request("access.test.model", map[string]interface{}{"cid": "cid1"})
			expected := map[string]interface{}{}
			if tt.get {
				expected["get"] = true
			}
			if tt.call != "" {
				expected["call"] = tt.call
			}
			sess.GetMsg(t).
				AssertSubject(t, inbox).
				AssertResult(t, expected)
		})
	}
}

// TestAccessDeniesWithoutGrants tests that an access reply granting
// nothing is sent as system.accessDenied
func TestAccessDeniesWithoutGrants(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Access: func(r *service.Request) { r.Access(false, "") },
	})
	defer sess.Close(t)

	inbox := sess.Request("access.test.model", map[string]interface{}{"cid": "cid1"})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeAccessDenied)
}

// TestAuthTokenEvent tests that an auth handler can set the requesting
// connection's token before replying
func TestAuthTokenEvent(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Auth: map[string]service.AuthHandler{
			"login": func(r *service.Request) {
				r.TokenEvent(map[string]interface{}{"user": "foo"})
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("auth.test.model.login", map[string]interface{}{"cid": "cid1"})
	sess.GetMsg(t).
		AssertSubject(t, "conn.cid1.token").
		AssertPayload(t, map[string]interface{}{
			"token": map[string]interface{}{"user": "foo"},
		})
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, nil)
}

// TestTokenEventOnCallPanics tests that only auth requests may send a
// token event for their own connection
func TestTokenEventOnCallPanics(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {
				assert.Panics(t, func() { r.TokenEvent(nil) })
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.set", map[string]interface{}{"cid": "cid1"})
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
}

// TestMissingResponse tests that a handler returning without a reply
// produces an internal error reply
func TestMissingResponse(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.set", nil)
	m := sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeInternalError)
	assert.Equal(t, "Internal error: missing response", m.PathPayload(t, "error.message"))
}

// TestHandlerPanic tests the error replies produced by panicking handlers
func TestHandlerPanic(t *testing.T) {
	tests := []struct {
		name     string
		panicVal interface{}
		code     string
	}{
		{"string", "boom", reserr.CodeInternalError},
		{"error", errors.New("boom"), reserr.CodeInternalError},
		{"protocol error", &reserr.Error{Code: "test.custom", Message: "Custom"}, "test.custom"},
		{"other value", 42, reserr.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := serveWith(t, "model", service.Handler{
				Call: map[string]service.CallHandler{
					"set": func(r *service.Request) { panic(tt.panicVal) },
				},
			})
			defer sess.Close(t)

			inbox := sess.Request("call.test.model.set", nil)
			sess.GetMsg(t).
				AssertSubject(t, inbox).
				AssertError(t, tt.code)
		})
	}
}

// TestDoubleReplyPanics tests that sending a second reply panics without
// publishing anything further
func TestDoubleReplyPanics(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {
				r.OK("first")
				assert.Panics(t, func() { r.OK("second") })
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.set", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, "first")
	sess.AssertNoMsg(t, 50*time.Millisecond)
}

// TestEventAfterReplyPanics tests that emitting an event after the reply
// panics
func TestEventAfterReplyPanics(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Type: service.TypeModel,
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {
				r.OK(nil)
				assert.Panics(t, func() {
					r.ChangeEvent(map[string]interface{}{"foo": 1})
				})
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.set", nil)
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
	sess.AssertNoMsg(t, 50*time.Millisecond)
}

// TestEventOnGetRequestPanics tests that get handlers may not emit events
func TestEventOnGetRequestPanics(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Type: service.TypeModel,
		Get: func(r *service.Request) {
			assert.Panics(t, func() {
				r.ChangeEvent(map[string]interface{}{"foo": 1})
			})
			r.Model(struct{}{})
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("get.test.model", nil)
	sess.GetMsg(t).AssertSubject(t, inbox)
}

// TestInvalidParamsReply tests the invalid params reply with and without a
// message
func TestInvalidParamsReply(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"plain":  func(r *service.Request) { r.InvalidParams("") },
			"custom": func(r *service.Request) { r.InvalidParams("Value must be set") },
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.plain", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeInvalidParams)

	inbox = sess.Request("call.test.model.custom", nil)
	m := sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertError(t, reserr.CodeInvalidParams)
	assert.Equal(t, "Value must be set", m.PathPayload(t, "error.message"))
}

// TestTimeoutReply tests the advisory timeout pre-reply
func TestTimeoutReply(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"slow": func(r *service.Request) {
				r.Timeout(42 * time.Second)
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.slow", nil)
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertRawPayload(t, []byte(`timeout:"42000"`))
	sess.GetMsg(t).
		AssertSubject(t, inbox).
		AssertResult(t, nil)
}

// TestCustomEvent tests emitting a custom event during a call request
func TestCustomEvent(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"notify": func(r *service.Request) {
				r.CustomEvent("alert", map[string]interface{}{"level": "high"})
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.notify", nil)
	sess.GetMsg(t).
		AssertSubject(t, "event.test.model.alert").
		AssertPayload(t, map[string]interface{}{"level": "high"})
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
}

// TestCustomEventReservedName tests that reserved event names panic
func TestCustomEventReservedName(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"notify": func(r *service.Request) {
				assert.Panics(t, func() { r.CustomEvent("change", nil) })
				assert.Panics(t, func() { r.CustomEvent("bad name", nil) })
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.notify", nil)
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
}

// TestDeleteEvent tests the delete event raw payload
func TestDeleteEvent(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"delete": func(r *service.Request) {
				r.DeleteEvent()
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.delete", nil)
	sess.GetMsg(t).
		AssertSubject(t, "event.test.model.delete").
		AssertRawPayload(t, []byte(`{}`))
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
}

// TestChangeEventWithDeleteAction tests marking a model field as deleted
func TestChangeEventWithDeleteAction(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Type: service.TypeModel,
		Call: map[string]service.CallHandler{
			"unset": func(r *service.Request) {
				r.ChangeEvent(map[string]interface{}{"foo": service.DeleteAction})
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.unset", nil)
	sess.GetMsg(t).
		AssertSubject(t, "event.test.model.change").
		AssertPayload(t, map[string]interface{}{
			"values": map[string]interface{}{
				"foo": map[string]interface{}{"action": "delete"},
			},
		})
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
}

// TestApplyChangeRevert tests that an empty revert map from the apply
// handler suppresses the change event
func TestApplyChangeRevert(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Type: service.TypeModel,
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {
				require.NoError(t, r.ChangeEvent(map[string]interface{}{"foo": 1}))
				r.OK(nil)
			},
		},
		ApplyChange: func(r *service.Resource, changes map[string]interface{}) (map[string]interface{}, error) {
			// No value changed
			return nil, nil
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.set", nil)
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
	sess.AssertNoMsg(t, 50*time.Millisecond)
}

// TestReaccessEvent tests emitting a reaccess event
func TestReaccessEvent(t *testing.T) {
	sess := serveWith(t, "model", service.Handler{
		Call: map[string]service.CallHandler{
			"lockdown": func(r *service.Request) {
				r.ReaccessEvent()
				r.OK(nil)
			},
		},
	})
	defer sess.Close(t)

	inbox := sess.Request("call.test.model.lockdown", nil)
	sess.GetMsg(t).
		AssertSubject(t, "event.test.model.reaccess").
		AssertRawPayload(t, nil)
	sess.GetMsg(t).AssertSubject(t, inbox).AssertResult(t, nil)
}
