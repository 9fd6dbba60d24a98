/*
Package bus defines the connection interface the service consumes for bus
communication, and its NATS implementation.

The service never talks to NATS directly; it publishes and subscribes
through the Conn interface, so tests can substitute an in-memory connection
(see pkg/bustest) and applications can wrap a connection they already
manage:

	nc, err := nats.Connect("nats://127.0.0.1:4222")
	...
	err = s.Serve(bus.Wrap(nc))
*/
package bus
