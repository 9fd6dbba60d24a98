package bustest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/service"
)

// Session is a service under test served on a mock connection
type Session struct {
	*MockConn
	Service *service.Service
	served  chan error
}

// NewSession starts serving the service on a new mock connection. Callers
// are expected to assert (or ignore) the initial system reset event
// themselves.
func NewSession(t *testing.T, s *service.Service) *Session {
	t.Helper()
	sess := &Session{
		MockConn: NewMockConn(),
		Service:  s,
		served:   make(chan error, 1),
	}
	go func() {
		sess.served <- s.Serve(sess.MockConn)
	}()

	// Wait for the service to reach Started so requests are not dropped
	require.Eventually(t, func() bool {
		return s.State() == service.Started
	}, time.Second, time.Millisecond, "service did not start")

	return sess
}

// Close shuts the service down and waits for Serve to return
func (sess *Session) Close(t *testing.T) {
	t.Helper()
	require.NoError(t, sess.Service.Shutdown())
	select {
	case err := <-sess.served:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "service did not stop")
	}
}
