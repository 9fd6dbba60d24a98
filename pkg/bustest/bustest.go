package bustest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/bus"
)

// Timeout used when waiting for published messages
const timeoutDuration = time.Second

var errClosed = errors.New("bustest: connection closed")

// Msg is a message published by the service under test
type Msg struct {
	Subject string
	Data    []byte
}

// MockConn is an in-memory bus.Conn for testing services without a NATS
// server. Messages published by the service are collected on a queue for
// assertions, and test requests are delivered to matching subscriptions.
type MockConn struct {
	mu     sync.Mutex
	subs   map[*mockSub]struct{}
	out    chan *Msg
	closed bool
}

type mockSub struct {
	c       *MockConn
	subject string
	ch      chan *nats.Msg
}

// NewMockConn creates a new mock connection
func NewMockConn() *MockConn {
	return &MockConn{
		subs: make(map[*mockSub]struct{}),
		out:  make(chan *Msg, 256),
	}
}

// Publish implements bus.Conn, collecting the message on the out queue
func (c *MockConn) Publish(subject string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.out <- &Msg{Subject: subject, Data: payload}
	return nil
}

// ChanSubscribe implements bus.Conn
func (c *MockConn) ChanSubscribe(subject string, ch chan *nats.Msg) (bus.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	sub := &mockSub{c: c, subject: subject, ch: ch}
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe implements bus.Subscription
func (s *mockSub) Unsubscribe() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.subs[s]; !ok {
		return errors.New("bustest: not subscribed")
	}
	delete(s.c.subs, s)
	return nil
}

// Close implements bus.Conn
func (c *MockConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// IsClosed implements bus.Conn
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SubscriptionCount returns the number of active subscriptions
func (c *MockConn) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// SendMessage delivers a raw message to all matching subscriptions
func (c *MockConn) SendMessage(subject, reply string, payload []byte) {
	m := &nats.Msg{Subject: subject, Reply: reply, Data: payload}
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		if bus.SubjectMatches(sub.subject, subject) {
			sub.ch <- m
		}
	}
}

// Request sends a request message to the service with a generated inbox
// reply subject, which is returned. A nil payload sends an empty message.
func (c *MockConn) Request(subject string, payload interface{}) string {
	inbox := "_INBOX." + uuid.NewString()
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("bustest: failed to marshal request payload: %v", err))
		}
	}
	c.SendMessage(subject, inbox, data)
	return inbox
}

// GetMsg waits for a message published by the service, failing the test on
// timeout
func (c *MockConn) GetMsg(t *testing.T) *Msg {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(timeoutDuration):
		require.FailNow(t, "expected a published message, got none")
		return nil
	}
}

// AssertNoMsg asserts that no message is published within the duration
func (c *MockConn) AssertNoMsg(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.out:
		require.FailNowf(t, "unexpected message", "subject %s: %s", m.Subject, m.Data)
	case <-time.After(d):
	}
}

// AssertSubject asserts the message subject
func (m *Msg) AssertSubject(t *testing.T, subject string) *Msg {
	t.Helper()
	require.Equal(t, subject, m.Subject)
	return m
}

// AssertPayload asserts that the message payload is JSON equal to the
// expected value
func (m *Msg) AssertPayload(t *testing.T, expected interface{}) *Msg {
	t.Helper()
	ej, err := json.Marshal(expected)
	require.NoError(t, err, "failed to marshal expected payload")
	require.JSONEq(t, string(ej), string(m.Data))
	return m
}

// AssertRawPayload asserts that the message payload equals the raw bytes
func (m *Msg) AssertRawPayload(t *testing.T, expected []byte) *Msg {
	t.Helper()
	require.Equal(t, string(expected), string(m.Data))
	return m
}

// AssertResult asserts that the message is a result reply with the given
// result content
func (m *Msg) AssertResult(t *testing.T, result interface{}) *Msg {
	t.Helper()
	return m.AssertPayload(t, map[string]interface{}{"result": result})
}

// AssertError asserts that the message is an error reply with the given
// error code
func (m *Msg) AssertError(t *testing.T, code string) *Msg {
	t.Helper()
	var e struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(m.Data, &e))
	require.NotNil(t, e.Error, "expected an error reply, got: %s", m.Data)
	require.Equal(t, code, e.Error.Code)
	return m
}

// PathPayload unmarshals the payload and returns the value at a dot
// separated path, failing the test if the path does not exist
func (m *Msg) PathPayload(t *testing.T, path string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal(m.Data, &v))
	for _, part := range splitPath(path) {
		obj, ok := v.(map[string]interface{})
		require.True(t, ok, "path %s not found in payload: %s", path, m.Data)
		v, ok = obj[part]
		require.True(t, ok, "path %s not found in payload: %s", path, m.Data)
	}
	return v
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return parts
}
