package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bus"
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/router"
)

// The size of the channel receiving messages from the bus
const inChannelSize = 256

// The number of workers handling resource requests
const workerCount = 32

// DefaultQueryEventDuration is how long a query event subscription is kept
// before it expires
const DefaultQueryEventDuration = 3 * time.Second

// Request types
const (
	RequestTypeAccess = "access"
	RequestTypeGet    = "get"
	RequestTypeCall   = "call"
	RequestTypeAuth   = "auth"
)

// State represents the service lifecycle state
type State int

// Service lifecycle states
const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

// Lifecycle errors
var (
	ErrNotStopped        = errors.New("service: not stopped")
	ErrNotStarted        = errors.New("service: not started")
	ErrNoMatchingPattern = errors.New("service: no matching pattern")
)

// Ref is a resource reference value. It serializes to {"rid":"..."}.
type Ref = codec.Ref

// DeleteAction is the sentinel used in change events to mark a model field
// as deleted.
var DeleteAction = codec.DeleteAction

// Service routes incoming RES protocol requests from the bus to registered
// resource handlers, and publishes their replies and resource events.
type Service struct {
	name string
	mux  *router.Mux

	mu         sync.Mutex // guards state, rwork and dispatch accounting
	state      State
	rwork      map[string]*work
	dispatchWG sync.WaitGroup // in-flight sends to workCh

	nc     bus.Conn
	inCh   chan *nats.Msg
	workCh chan *work
	wg     sync.WaitGroup // running workers
	subs   []bus.Subscription

	logger              zerolog.Logger
	resetResources      []string
	resetAccess         []string
	queryDuration       time.Duration
	defaultAccessDenied bool

	qmu         sync.Mutex
	queryEvents map[*queryEvent]struct{}

	onServe      func(*Service)
	onDisconnect func(*Service)
	onReconnect  func(*Service)
	onError      func(*Service, string)
}

// NewService creates a new service. The name is prefixed to all registered
// resource patterns. It must be empty or one or more dot-separated
// alphanumeric tokens.
func NewService(name string) (*Service, error) {
	mux, err := router.NewMux(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %v", err)
	}
	return &Service{
		name:          name,
		mux:           mux,
		logger:        log.WithComponent("service"),
		queryDuration: DefaultQueryEventDuration,
	}, nil
}

// Name returns the service name
func (s *Service) Name() string {
	return s.name
}

// State returns the current lifecycle state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// checkStopped returns an error unless the service is stopped. Configuration
// setters are only valid while stopped.
func (s *Service) checkStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return ErrNotStopped
	}
	return nil
}

// SetLogger sets the service logger. The service must be stopped.
func (s *Service) SetLogger(l zerolog.Logger) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	s.logger = l
	return nil
}

// SetQueryEventDuration sets how long the service listens for query requests
// sent on a query event. Default is 3 seconds. The service must be stopped.
func (s *Service) SetQueryEventDuration(d time.Duration) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("failed to set query event duration: non-positive duration %s", d)
	}
	s.queryDuration = d
	return nil
}

// SetOwnedResources sets the patterns the service will handle requests for.
// The resources patterns are subscribed to for get, call, and auth requests,
// and the access patterns for access requests. Both lists are also used as
// the system reset payload.
//
// If unset, ownership is derived from the registered handlers: the service
// owns <name>.> for resources if any handler has a get, call, auth, or new
// capability, and <name>.> for access if any handler has an access
// capability.
//
// The service must be stopped.
func (s *Service) SetOwnedResources(resources, access []string) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	s.resetResources = resources
	s.resetAccess = access
	return nil
}

// SetDefaultAccessDenied makes the service deny access requests for handlers
// without an access capability, instead of the default granting. The service
// must be stopped.
func (s *Service) SetDefaultAccessDenied(denied bool) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	s.defaultAccessDenied = denied
	return nil
}

// SetOnServe sets a callback invoked after the service has started and sent
// the initial system reset event
func (s *Service) SetOnServe(f func(*Service)) {
	s.onServe = f
}

// SetOnDisconnect sets a callback invoked when the bus connection is lost
func (s *Service) SetOnDisconnect(f func(*Service)) {
	s.onDisconnect = f
}

// SetOnReconnect sets a callback invoked after the bus connection has been
// reestablished and a system reset event has been sent
func (s *Service) SetOnReconnect(f func(*Service)) {
	s.onReconnect = f
}

// SetOnError sets a callback invoked on errors within the service, or on
// incoming messages not complying with the protocol
func (s *Service) SetOnError(f func(*Service, string)) {
	s.onError = f
}

// AddHandler registers a handler under a resource pattern. The pattern may
// contain $name parameter placeholders and a terminal > full wildcard. The
// service must be stopped.
func (s *Service) AddHandler(pattern string, h Handler) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	rh, err := newRegHandler(h)
	if err != nil {
		return err
	}
	if err := s.mux.Register(pattern, h.Group, rh); err != nil {
		return fmt.Errorf("failed to register handler for %q: %v", pattern, err)
	}
	return nil
}

// errorf logs a formatted error entry and invokes the error callback
func (s *Service) errorf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	s.logger.Error().Msg(msg)
	if s.onError != nil {
		s.onError(s, msg)
	}
}

// ListenAndServe connects to the NATS server at the given URL and serves
// requests on the connection. On reconnect, a system reset event is sent to
// have gateways invalidate their caches.
//
// ListenAndServe blocks until the connection is closed or the service is
// shut down.
func (s *Service) ListenAndServe(url string, options ...nats.Option) error {
	if s.State() != Stopped {
		return ErrNotStopped
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(s.handleReconnect),
		nats.DisconnectErrHandler(s.handleDisconnect),
		nats.ClosedHandler(s.handleClosed),
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	opts = append(opts, options...)

	s.logger.Info().Str("url", url).Msg("Connecting to NATS server")
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		s.errorf("Failed to connect to NATS server: %s", err)
		return err
	}

	return s.Serve(bus.Wrap(nc))
}

// Serve subscribes to incoming requests on the connection and serves them.
// It blocks until the connection is closed or the service is shut down, and
// returns the subscription error if setting up the subscriptions failed.
func (s *Service) Serve(nc bus.Conn) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return ErrNotStopped
	}
	s.state = Starting
	inCh := make(chan *nats.Msg, inChannelSize)
	workCh := make(chan *work, 1)
	s.nc = nc
	s.inCh = inCh
	s.workCh = workCh
	s.rwork = make(map[string]*work)
	s.queryEvents = make(map[*queryEvent]struct{})
	s.mu.Unlock()

	s.logger.Info().Msg("Starting service")

	s.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go s.startWorker(workCh)
	}

	err := s.subscribe()

	s.mu.Lock()
	s.state = Started
	s.mu.Unlock()

	if err != nil {
		s.errorf("Failed to subscribe: %s", err)
		go s.Shutdown()
	} else {
		s.ResetAll()
		if s.onServe != nil {
			s.onServe(s)
		}
		s.logger.Info().Msg("Listening for requests")
	}

	for m := range inCh {
		s.handleRequest(m)
	}

	// All dispatching is done once the listener has drained; stop the
	// workers and let them run the remaining queues to completion.
	s.dispatchWG.Wait()
	close(workCh)
	s.wg.Wait()
	return err
}

// Shutdown closes the bus connection, drains the per-resource work queues,
// and expires all pending query events. In-flight handlers run to
// completion. Returns an error if the service is not started.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = Stopping
	inCh := s.inCh
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping service")

	s.unsubscribeAll()
	if !s.nc.IsClosed() {
		s.nc.Close()
	}
	close(inCh)

	// Wait for queued work to complete
	s.wg.Wait()

	s.drainQueryEvents()

	s.mu.Lock()
	s.nc = nil
	s.inCh = nil
	s.workCh = nil
	s.rwork = nil
	s.state = Stopped
	s.mu.Unlock()

	s.logger.Info().Msg("Stopped")
	return nil
}

// unsubscribeAll removes all bus subscriptions
func (s *Service) unsubscribeAll() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !s.nc.IsClosed() {
			s.logger.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	s.subs = nil
}

// setDefaultOwnership derives the reset resource and access pattern lists
// from the registered handler capabilities, unless explicitly set
func (s *Service) setDefaultOwnership() {
	all := ">"
	if s.name != "" {
		all = s.name + ".>"
	}

	if s.resetResources == nil {
		if s.mux.Contains(func(v interface{}) bool {
			return v.(*regHandler).owned()
		}) {
			s.resetResources = []string{all}
		} else {
			s.resetResources = []string{}
		}
	}

	if s.resetAccess == nil {
		if s.mux.Contains(func(v interface{}) bool {
			return v.(*regHandler).Access != nil
		}) {
			s.resetAccess = []string{all}
		} else {
			s.resetAccess = []string{}
		}
	}
}

// subscribe creates a bus subscription per request type for every owned
// pattern. Call and auth subscriptions get a trailing method token unless
// the pattern ends in a full wildcard. Patterns contained in another
// subscription pattern are skipped.
func (s *Service) subscribe() error {
	s.setDefaultOwnership()

	var patterns []string
	for _, t := range []string{RequestTypeGet, RequestTypeCall, RequestTypeAuth} {
		for _, p := range s.resetResources {
			pattern := t + "." + p
			if t != RequestTypeGet && pattern[len(pattern)-1] != '>' {
				pattern += ".*"
			}
			patterns = append(patterns, pattern)
		}
	}
	for _, p := range s.resetAccess {
		patterns = append(patterns, "access."+p)
	}

next:
	for i, pattern := range patterns {
		// Skip patterns contained in another subscription. An exact
		// duplicate only yields to an earlier copy, so one of them is
		// always kept.
		for j, mpattern := range patterns {
			if i == j {
				continue
			}
			if pattern == mpattern {
				if j < i {
					continue next
				}
				continue
			}
			if bus.SubjectMatches(mpattern, pattern) {
				continue next
			}
		}
		s.logger.Trace().Str("subject", pattern).Msg("Subscribing")
		sub, err := s.nc.ChanSubscribe(pattern, s.inCh)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Reset sends a system reset event for the given resource and access
// patterns
func (s *Service) Reset(resources, access []string) {
	if s.State() != Started {
		s.errorf("Failed to reset: service not started")
		return
	}
	s.reset(resources, access)
}

// ResetAll sends a system reset event for all owned resource and access
// patterns. It is called automatically on serve and on reconnect.
func (s *Service) ResetAll() {
	if s.State() != Started {
		s.errorf("Failed to reset: service not started")
		return
	}
	s.setDefaultOwnership()
	s.reset(s.resetResources, s.resetAccess)
}

func (s *Service) reset(resources, access []string) {
	if len(resources) == 0 && len(access) == 0 {
		return
	}
	if resources == nil {
		resources = []string{}
	}
	if access == nil {
		access = []string{}
	}
	s.event("system.reset", "reset", codec.ResetEvent{
		Resources: resources,
		Access:    access,
	})
}

// TokenEvent sends a connection token event setting the connection's access
// token, replacing any previously set token. A nil token clears it.
//
// Panics if the connection ID contains '.', '*', or '>'.
func (s *Service) TokenEvent(cid string, token interface{}) {
	if !isValidCID(cid) {
		panic(fmt.Sprintf("service: invalid connection ID %q", cid))
	}
	if s.State() != Started {
		s.errorf("Failed to send token event: service not started")
		return
	}
	s.event("conn."+cid+".token", "token", codec.TokenEvent{Token: token})
}

// isValidCID reports whether cid is a valid connection ID: non-empty and
// free of subject-structure characters
func isValidCID(cid string) bool {
	if cid == "" {
		return false
	}
	for i := 0; i < len(cid); i++ {
		c := cid[i]
		if c == '.' || c == '*' || c == '>' || c == ' ' {
			return false
		}
	}
	return true
}

// Resource matches a resource ID against the registered handlers and
// returns a resource reference exposing the event emitters. The resource ID
// may carry a query after a '?' separator.
//
// The returned resource should only be used from the resource's own worker;
// use With to get there.
func (s *Service) Resource(rid string) (*Resource, error) {
	rname, query := parseRID(rid)
	m := s.mux.Match(rname)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMatchingPattern, rid)
	}
	return &Resource{
		s:      s,
		name:   rname,
		params: m.Params,
		query:  query,
		group:  m.Group,
		h:      m.Value.(*regHandler),
	}, nil
}

// With schedules the callback on the worker serializing the resource's
// group, passing a resource reference. Returns an error if no registered
// pattern matches the resource ID.
func (s *Service) With(rid string, cb func(r *Resource)) error {
	r, err := s.Resource(rid)
	if err != nil {
		return err
	}
	s.runWith(r.group, func() {
		cb(r)
	})
	return nil
}

// WithResource schedules the callback on the worker serializing the
// resource's group
func (s *Service) WithResource(r *Resource, cb func()) {
	s.runWith(r.group, cb)
}

// WithGroup schedules the callback on the worker serializing the group
func (s *Service) WithGroup(group string, cb func(s *Service)) {
	s.runWith(group, func() { cb(s) })
}

// handleRequest parses an incoming message subject and schedules its
// processing on the resource's worker
func (s *Service) handleRequest(m *nats.Msg) {
	subj := m.Subject
	s.logger.Trace().Str("subject", subj).Str("payload", string(m.Data)).Msg("==>")

	if m.Reply == "" {
		s.errorf("Missing reply subject on request: %s", subj)
		return
	}

	idx := strings.IndexByte(subj, '.')
	if idx < 0 {
		s.errorf("Invalid request subject: %s", subj)
		return
	}

	var method string
	rtype := subj[:idx]
	rname := subj[idx+1:]

	if rtype == RequestTypeCall || rtype == RequestTypeAuth {
		idx = strings.LastIndexByte(rname, '.')
		if idx < 0 {
			s.errorf("Invalid request subject: %s", subj)
			return
		}
		method = rname[idx+1:]
		rname = rname[:idx]
	}

	metrics.RequestsTotal.WithLabelValues(rtype).Inc()

	group := rname
	match := s.mux.Match(rname)
	if match != nil {
		group = match.Group
	}

	s.runWith(group, func() {
		s.processRequest(m, rtype, rname, method, match)
	})
}

// processRequest builds the request object and executes its handler. Runs on
// the resource's worker.
func (s *Service) processRequest(m *nats.Msg, rtype, rname, method string, match *router.Match) {
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(rtype).Observe(time.Since(start).Seconds())
	}()

	if match == nil {
		r := &Request{Resource: &Resource{s: s, name: rname}, rtype: rtype, msg: m}
		r.NotFound()
		return
	}

	rh := match.Value.(*regHandler)
	r := &Request{
		Resource: &Resource{
			s:      s,
			name:   rname,
			params: match.Params,
			group:  match.Group,
			h:      rh,
		},
		rtype:  rtype,
		method: method,
		msg:    m,
	}
	r.Resource.req = r

	if len(m.Data) > 0 {
		var rc codec.Request
		if err := json.Unmarshal(m.Data, &rc); err != nil {
			s.errorf("Error unmarshaling incoming request: %s", err)
			r.Error(err)
			return
		}
		r.cid = rc.CID
		r.rawParams = rc.Params
		r.rawToken = rc.Token
		r.header = rc.Header
		r.host = rc.Host
		r.remoteAddr = rc.RemoteAddr
		r.uri = rc.URI
		r.Resource.query = rc.Query
	}

	r.executeHandler()
}

// event marshals a payload and publishes it on a subject
func (s *Service) event(subj, name string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.errorf("Error marshaling event %s: %s", subj, err)
		return
	}
	s.rawEvent(subj, name, data)
}

// rawEvent publishes a pre-encoded payload on a subject
func (s *Service) rawEvent(subj, name string, payload []byte) {
	s.logger.Trace().Str("subject", subj).Str("payload", string(payload)).Msg("<--")
	if err := s.nc.Publish(subj, payload); err != nil {
		// Events are best effort; gateways recover via system reset
		s.errorf("Error sending event %s: %s", subj, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(name).Inc()
}

// handleReconnect is called when the bus connection has been reestablished.
// It sends a system reset to have gateways invalidate their caches.
func (s *Service) handleReconnect(_ *nats.Conn) {
	s.logger.Info().Msg("Reconnected to NATS. Sending reset event")
	s.ResetAll()
	if s.onReconnect != nil {
		s.onReconnect(s)
	}
}

// handleDisconnect is called when the bus connection is lost
func (s *Service) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("Disconnected from NATS")
	} else {
		s.logger.Info().Msg("Disconnected from NATS")
	}
	if s.onDisconnect != nil {
		s.onDisconnect(s)
	}
}

func (s *Service) handleClosed(_ *nats.Conn) {
	s.Shutdown()
}

// parseRID splits a resource ID into resource name and query
func parseRID(rid string) (rname, query string) {
	i := strings.IndexByte(rid, '?')
	if i < 0 {
		return rid, ""
	}
	return rid[:i], rid[i+1:]
}
