package bus

import (
	"strings"

	nats "github.com/nats-io/nats.go"
)

// Conn is the interface the service consumes for bus communication. It is
// implemented by the NATS connection wrapper returned by Wrap, and by mock
// connections in tests.
type Conn interface {
	// Publish publishes a payload on a subject.
	Publish(subject string, payload []byte) error

	// ChanSubscribe subscribes to a subject, delivering messages on the
	// channel. The subject may contain the * and > wildcards.
	ChanSubscribe(subject string, ch chan *nats.Msg) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsClosed reports whether the connection is closed.
	IsClosed() bool
}

// Subscription is a subscription created by a Conn.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe() error
}

// natsConn adapts a *nats.Conn to the Conn interface.
type natsConn struct {
	nc *nats.Conn
}

// Wrap wraps a NATS connection as a Conn.
func Wrap(nc *nats.Conn) Conn {
	return &natsConn{nc: nc}
}

func (c *natsConn) Publish(subject string, payload []byte) error {
	return c.nc.Publish(subject, payload)
}

func (c *natsConn) ChanSubscribe(subject string, ch chan *nats.Msg) (Subscription, error) {
	return c.nc.ChanSubscribe(subject, ch)
}

func (c *natsConn) Close() {
	c.nc.Close()
}

func (c *natsConn) IsClosed() bool {
	return c.nc.IsClosed()
}

// SubjectMatches reports whether a subject pattern matches a subject. The
// pattern may contain the * single-token wildcard and the > terminal full
// wildcard. The subject may itself contain wildcards, in which case a
// pattern token only matches an equal or wider subject token.
func SubjectMatches(pattern, subject string) bool {
	pi, si := 0, 0
	pt := splitTokens(pattern)
	st := splitTokens(subject)
	for {
		if pi == len(pt) {
			return si == len(st)
		}
		if pt[pi] == ">" {
			return si < len(st)
		}
		if si == len(st) {
			return false
		}
		if st[si] == ">" {
			return false
		}
		if pt[pi] != "*" && pt[pi] != st[si] {
			return false
		}
		pi++
		si++
	}
}

func splitTokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}
