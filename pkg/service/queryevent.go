package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/cuemby/burrow/pkg/bus"
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reserr"
)

// queryEventSubjectPrefix prefixes the transient subjects query requests are
// received on
const queryEventSubjectPrefix = "_QUERY_."

// newTimer arms a one-shot expiration timer, returning its stop function
func newTimer(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// QueryCallback is called for every query request received on a query event
// subject. It is called with nil when the query event expires, allowing the
// handler to release any held references.
type QueryCallback func(q *QueryRequest)

// queryEvent is a pending query event: a transient subscription with a
// bounded lifetime.
type queryEvent struct {
	r       *Resource
	subject string
	sub     bus.Subscription
	ch      chan *nats.Msg
	done    chan struct{}
	cb      QueryCallback
	stop    func() bool
}

// QueryEvent sends a query event for the resource, inviting the gateway to
// ask for the events needed to update any stale query results. The callback
// receives every query request arriving on the transient subject within the
// configured query event duration, after which the subscription is torn down
// and the callback is released with a nil request.
func (r *Resource) QueryEvent(cb QueryCallback) {
	r.preEvent("query")
	r.s.addQueryEvent(r, cb)
}

// addQueryEvent allocates the transient subject, subscribes on it, arms the
// expiration timer, and publishes the query event.
func (s *Service) addQueryEvent(r *Resource, cb QueryCallback) {
	qe := &queryEvent{
		r:       &Resource{s: s, name: r.name, params: r.params, group: r.group, h: r.h},
		subject: queryEventSubjectPrefix + uuid.NewString(),
		ch:      make(chan *nats.Msg, 8),
		done:    make(chan struct{}),
		cb:      cb,
	}

	sub, err := s.nc.ChanSubscribe(qe.subject, qe.ch)
	if err != nil {
		s.errorf("Failed to subscribe to query subject %s: %s", qe.subject, err)
		cb(nil)
		return
	}
	qe.sub = sub

	s.qmu.Lock()
	s.queryEvents[qe] = struct{}{}
	s.qmu.Unlock()
	metrics.QueryEventsActive.Inc()

	qe.stop = newTimer(s.queryDuration, func() {
		s.expireQueryEvent(qe)
	})

	go qe.listen()

	s.event("event."+r.name+".query", "query", codec.QueryEvent{Subject: qe.subject})
}

// listen routes incoming query requests to the resource's worker until the
// query event is torn down
func (qe *queryEvent) listen() {
	s := qe.r.s
	for {
		select {
		case m := <-qe.ch:
			s.runWith(qe.r.group, func() {
				s.processQueryRequest(qe, m)
			})
		case <-qe.done:
			return
		}
	}
}

// expireQueryEvent tears down a query event: the subscription is removed
// before the callback is released, so no query request can be delivered to a
// released handler. Removal from the map decides ownership when expiration
// races with shutdown.
func (s *Service) expireQueryEvent(qe *queryEvent) {
	s.qmu.Lock()
	if _, ok := s.queryEvents[qe]; !ok {
		s.qmu.Unlock()
		return
	}
	delete(s.queryEvents, qe)
	s.qmu.Unlock()

	qe.teardown()
	if !s.runWith(qe.r.group, func() { qe.cb(nil) }) {
		// The workers are already stopping; release inline so the
		// handler still gets its nil release
		qe.cb(nil)
	}
}

// drainQueryEvents expires all pending query events during shutdown. The
// callbacks are released inline, as the workers are already stopped.
func (s *Service) drainQueryEvents() {
	s.qmu.Lock()
	pending := make([]*queryEvent, 0, len(s.queryEvents))
	for qe := range s.queryEvents {
		pending = append(pending, qe)
	}
	s.queryEvents = map[*queryEvent]struct{}{}
	s.qmu.Unlock()

	for _, qe := range pending {
		qe.stop()
		qe.teardown()
		qe.cb(nil)
	}
}

func (qe *queryEvent) teardown() {
	if err := qe.sub.Unsubscribe(); err != nil && !qe.r.s.nc.IsClosed() {
		qe.r.s.logger.Warn().Err(err).Str("subject", qe.subject).Msg("Failed to unsubscribe query subject")
	}
	close(qe.done)
	metrics.QueryEventsActive.Dec()
}

// processQueryRequest handles a single query request received on a query
// event subject. Runs on the resource's worker.
func (s *Service) processQueryRequest(qe *queryEvent, m *nats.Msg) {
	s.logger.Trace().Str("subject", m.Subject).Str("payload", string(m.Data)).Msg("==>")
	if m.Reply == "" {
		s.errorf("Missing reply subject on query request: %s", m.Subject)
		return
	}

	var rc codec.QueryRequest
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &rc); err != nil {
			s.errorf("Error unmarshaling incoming query request: %s", err)
			s.replyQuery(m, nil, reserr.ToError(err))
			return
		}
	}
	if rc.Query == "" {
		s.replyQuery(m, nil, &reserr.Error{Code: reserr.CodeInvalidQuery, Message: "Missing query"})
		return
	}

	q := &QueryRequest{
		Resource: &Resource{
			s:      s,
			name:   qe.r.name,
			params: qe.r.params,
			query:  rc.Query,
			group:  qe.r.group,
			h:      qe.r.h,
		},
		events: []codec.EventEntry{},
	}
	qe.cb(q)

	if q.err != nil {
		s.replyQuery(m, nil, q.err)
		return
	}
	s.replyQuery(m, q.events, nil)
}

// replyQuery publishes the reply to a query request
func (s *Service) replyQuery(m *nats.Msg, events []codec.EventEntry, rerr *reserr.Error) {
	var payload []byte
	var err error
	if rerr != nil {
		payload, err = json.Marshal(codec.ErrorResponse{Error: rerr})
	} else {
		payload, err = json.Marshal(codec.Result{Result: codec.QueryResult{Events: events}})
	}
	if err != nil {
		payload = reserr.RESError(reserr.InternalError(err))
	}
	s.logger.Trace().Str("subject", m.Reply).Str("payload", string(payload)).Msg("<==")
	if perr := s.nc.Publish(m.Reply, payload); perr != nil {
		s.errorf("Error sending query reply on %s: %s", m.Reply, perr)
	}
}

// QueryRequest is a single query request received on a query event subject.
// The event methods record the events needed to bring the given query result
// up to date; they are sent collected in the reply rather than published.
type QueryRequest struct {
	*Resource
	events []codec.EventEntry
	err    *reserr.Error
	mu     sync.Mutex
}

// ChangeEvent records a change event with the changed field values.
// Only valid on model resources.
func (q *QueryRequest) ChangeEvent(changes map[string]interface{}) {
	if q.h != nil && q.h.Type == TypeCollection {
		panic("service: change event on collection resource " + q.name)
	}
	if len(changes) == 0 {
		return
	}
	q.mu.Lock()
	q.events = append(q.events, codec.EventEntry{Event: "change", Data: codec.ChangeEvent{Values: changes}})
	q.mu.Unlock()
}

// AddEvent records a collection add event. Only valid on collection
// resources.
func (q *QueryRequest) AddEvent(value interface{}, idx int) {
	if q.h != nil && q.h.Type == TypeModel {
		panic("service: add event on model resource " + q.name)
	}
	if idx < 0 {
		panic("service: add event idx less than zero")
	}
	q.mu.Lock()
	q.events = append(q.events, codec.EventEntry{Event: "add", Data: codec.AddEvent{Value: value, Idx: idx}})
	q.mu.Unlock()
}

// RemoveEvent records a collection remove event. Only valid on collection
// resources.
func (q *QueryRequest) RemoveEvent(idx int) {
	if q.h != nil && q.h.Type == TypeModel {
		panic("service: remove event on model resource " + q.name)
	}
	if idx < 0 {
		panic("service: remove event idx less than zero")
	}
	q.mu.Lock()
	q.events = append(q.events, codec.EventEntry{Event: "remove", Data: codec.RemoveEvent{Idx: idx}})
	q.mu.Unlock()
}

// NotFound flags the reply as a system.notFound error, for query resources
// that no longer exist
func (q *QueryRequest) NotFound() {
	q.err = reserr.ErrNotFound
}

// InvalidQuery flags the reply as a system.invalidQuery error with an
// optional explanation message
func (q *QueryRequest) InvalidQuery(message string) {
	if message == "" {
		q.err = reserr.ErrInvalidQuery
		return
	}
	q.err = &reserr.Error{Code: reserr.CodeInvalidQuery, Message: message}
}

// Error flags the reply as an error
func (q *QueryRequest) Error(err error) {
	q.err = reserr.ToError(err)
}
