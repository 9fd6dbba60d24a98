package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reserr"
)

// Request is an incoming request routed to a resource handler. It embeds the
// matched resource, adding the request fields and the reply methods.
//
// Exactly one terminal reply must be sent per request; sending a second one
// panics. The request is safe for concurrent use, so a handler may hand it
// off to another goroutine, as long as the reply rules are kept.
type Request struct {
	*Resource

	rtype      string
	method     string
	msg        *nats.Msg
	cid        string
	rawParams  json.RawMessage
	rawToken   json.RawMessage
	header     map[string][]string
	host       string
	remoteAddr string
	uri        string

	mu      sync.Mutex
	replied bool
}

// Type returns the request type: access, get, call, or auth
func (r *Request) Type() string {
	return r.rtype
}

// Method returns the method of a call or auth request
func (r *Request) Method() string {
	return r.method
}

// CID returns the connection ID of the client connection making the request
func (r *Request) CID() string {
	return r.cid
}

// RawParams returns the JSON encoded request parameters, or nil if the
// request had no parameters
func (r *Request) RawParams() json.RawMessage {
	return r.rawParams
}

// RawToken returns the JSON encoded access token, or nil if the request had
// no token
func (r *Request) RawToken() json.RawMessage {
	return r.rawToken
}

// ParseParams unmarshals the request parameters into v. It is a no-op if the
// request had no parameters.
func (r *Request) ParseParams(v interface{}) error {
	if r.rawParams == nil {
		return nil
	}
	if err := json.Unmarshal(r.rawParams, v); err != nil {
		return fmt.Errorf("failed to parse params: %v", err)
	}
	return nil
}

// ParseToken unmarshals the access token into v. It is a no-op if the
// request had no token.
func (r *Request) ParseToken(v interface{}) error {
	if r.rawToken == nil {
		return nil
	}
	if err := json.Unmarshal(r.rawToken, v); err != nil {
		return fmt.Errorf("failed to parse token: %v", err)
	}
	return nil
}

// Header returns the HTTP headers of the client request that originated the
// request, if the gateway provided them
func (r *Request) Header() map[string][]string {
	return r.header
}

// Host returns the host the client request was made to
func (r *Request) Host() string {
	return r.host
}

// RemoteAddr returns the network address of the client
func (r *Request) RemoteAddr() string {
	return r.remoteAddr
}

// URI returns the unmodified URI of the client request
func (r *Request) URI() string {
	return r.uri
}

func (r *Request) hasReplied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}

// reply publishes the terminal reply payload. Panics if a reply has already
// been sent.
func (r *Request) reply(payload []byte) {
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		panic("service: response already sent on request " + r.msg.Subject)
	}
	r.replied = true
	r.mu.Unlock()

	r.s.logger.Trace().Str("subject", r.msg.Reply).Str("payload", string(payload)).Msg("<==")
	if err := r.s.nc.Publish(r.msg.Reply, payload); err != nil {
		r.s.errorf("Error sending reply on %s: %s", r.msg.Reply, err)
	}
}

// success sends a result reply
func (r *Request) success(result interface{}) {
	payload, err := json.Marshal(codec.Result{Result: result})
	if err != nil {
		r.errorReply(reserr.InternalError(err))
		return
	}
	metrics.RepliesTotal.WithLabelValues("ok").Inc()
	r.reply(payload)
}

// errorReply sends an error reply
func (r *Request) errorReply(rerr *reserr.Error) {
	payload, err := json.Marshal(codec.ErrorResponse{Error: rerr})
	if err != nil {
		// Error data that cannot be marshaled is stripped
		payload = reserr.RESError(&reserr.Error{Code: rerr.Code, Message: rerr.Message})
	}
	metrics.RepliesTotal.WithLabelValues("error").Inc()
	r.reply(payload)
}

// OK sends a successful result reply. A nil result replies with
// {"result":null}.
func (r *Request) OK(result interface{}) {
	r.success(result)
}

// Error sends an error reply. If err is not a protocol error it is wrapped
// as a system.internalError.
func (r *Request) Error(err error) {
	r.errorReply(reserr.ToError(err))
}

// NotFound sends a system.notFound error reply
func (r *Request) NotFound() {
	r.errorReply(reserr.ErrNotFound)
}

// MethodNotFound sends a system.methodNotFound error reply
func (r *Request) MethodNotFound() {
	r.errorReply(reserr.ErrMethodNotFound)
}

// InvalidParams sends a system.invalidParams error reply with an optional
// explanation message
func (r *Request) InvalidParams(message string) {
	if message == "" {
		r.errorReply(reserr.ErrInvalidParams)
		return
	}
	r.errorReply(&reserr.Error{Code: reserr.CodeInvalidParams, Message: message})
}

// InvalidQuery sends a system.invalidQuery error reply with an optional
// explanation message
func (r *Request) InvalidQuery(message string) {
	if message == "" {
		r.errorReply(reserr.ErrInvalidQuery)
		return
	}
	r.errorReply(&reserr.Error{Code: reserr.CodeInvalidQuery, Message: message})
}

// Access sends a successful access reply, granting get access and call
// access to the listed comma-separated methods. The wildcard "*" grants call
// access to all methods. Denies access altogether if get is false and call
// is empty.
func (r *Request) Access(get bool, call string) {
	if !get && call == "" {
		r.AccessDenied()
		return
	}
	r.success(codec.AccessResult{Get: get, Call: call})
}

// AccessGranted grants full access to the resource
func (r *Request) AccessGranted() {
	r.Access(true, "*")
}

// AccessDenied sends a system.accessDenied error reply
func (r *Request) AccessDenied() {
	r.errorReply(reserr.ErrAccessDenied)
}

// Model sends a model reply on a get request
func (r *Request) Model(model interface{}) {
	r.success(codec.ModelResult{Model: model, Query: r.query})
}

// Collection sends a collection reply on a get request
func (r *Request) Collection(collection interface{}) {
	r.success(codec.CollectionResult{Collection: collection, Query: r.query})
}

// New sends a reply on a new call request with a reference to the created
// resource. Panics if the reference is invalid.
func (r *Request) New(rid Ref) {
	if !rid.IsValid() {
		panic(fmt.Sprintf("service: invalid resource reference %q", string(rid)))
	}
	r.success(rid)
}

// Resource sends a resource reference reply on a call or auth request.
// Panics if the reference is invalid.
func (r *Request) ResourceReply(rid Ref) {
	if !rid.IsValid() {
		panic(fmt.Sprintf("service: invalid resource reference %q", string(rid)))
	}
	payload, err := json.Marshal(codec.Resource{Resource: rid})
	if err != nil {
		r.errorReply(reserr.InternalError(err))
		return
	}
	metrics.RepliesTotal.WithLabelValues("resource").Inc()
	r.reply(payload)
}

// Timeout lets the gateway extend its wait for the reply. It is advisory and
// not a terminal reply.
func (r *Request) Timeout(d time.Duration) {
	if d < 0 {
		panic("service: negative timeout duration")
	}
	out := []byte(`timeout:"` + strconv.FormatInt(d.Milliseconds(), 10) + `"`)
	r.s.logger.Trace().Str("subject", r.msg.Reply).Str("payload", string(out)).Msg("<==")
	if err := r.s.nc.Publish(r.msg.Reply, out); err != nil {
		r.s.errorf("Error sending timeout on %s: %s", r.msg.Reply, err)
	}
}

// TokenEvent sends a connection token event on the requesting connection,
// setting or clearing (nil) its access token. Only valid on auth requests,
// which are the only requests trusted to authenticate their own connection.
func (r *Request) TokenEvent(token interface{}) {
	if r.rtype != RequestTypeAuth {
		panic("service: token event on non-auth request")
	}
	r.s.TokenEvent(r.cid, token)
}

// executeHandler dispatches the request to the matched handler capability,
// and enforces the reply contract: a handler that panics produces an error
// reply unless one was already sent, and a handler that returns without
// replying produces a system.internalError reply.
func (r *Request) executeHandler() {
	defer func() {
		v := recover()
		if v == nil {
			if !r.hasReplied() {
				r.s.errorf("Missing response on %s", r.msg.Subject)
				r.errorReply(&reserr.Error{Code: reserr.CodeInternalError, Message: "Internal error: missing response"})
			}
			return
		}

		var rerr *reserr.Error
		switch e := v.(type) {
		case *reserr.Error:
			rerr = e
		case error:
			r.s.errorf("Error handling request %s: %s", r.msg.Subject, e)
			rerr = reserr.ToError(e)
		case string:
			r.s.errorf("Error handling request %s: %s", r.msg.Subject, e)
			rerr = &reserr.Error{Code: reserr.CodeInternalError, Message: "Internal error: " + e}
		default:
			r.s.errorf("Error handling request %s: %v", r.msg.Subject, e)
			rerr = reserr.ErrInternalError
		}

		if !r.hasReplied() {
			r.errorReply(rerr)
		}
	}()

	h := r.h
	switch r.rtype {
	case RequestTypeAccess:
		if h.Access == nil {
			if r.s.defaultAccessDenied {
				r.AccessDenied()
			} else {
				r.AccessGranted()
			}
			return
		}
		h.Access(r)
	case RequestTypeGet:
		if h.Get == nil {
			r.NotFound()
			return
		}
		h.Get(r)
	case RequestTypeCall:
		if r.method == "new" {
			if h.New == nil {
				r.MethodNotFound()
				return
			}
			h.New(r)
			return
		}
		cb := h.call[strings.ToLower(r.method)]
		if cb == nil {
			r.MethodNotFound()
			return
		}
		cb(r)
	case RequestTypeAuth:
		cb := h.auth[strings.ToLower(r.method)]
		if cb == nil {
			r.MethodNotFound()
			return
		}
		cb(r)
	default:
		r.s.errorf("Unknown request type on %s", r.msg.Subject)
		r.errorReply(reserr.ErrInternalError)
	}
}
