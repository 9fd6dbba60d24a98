/*
Package service implements the service side of the RES protocol over a
message bus.

A Service routes incoming get, call, auth, and access requests to handlers
registered under resource name patterns, and publishes their replies and
resource events for gateways to distribute to subscribing clients.

# Architecture

	bus message -> router match -> resource work queue -> worker
	            -> Request -> handler -> events + one reply -> bus

Handlers declare their capabilities in an explicit Handler record:

	s, _ := service.NewService("library")
	err := s.AddHandler("book.$id", service.Handler{
		Type: service.TypeModel,
		Access: func(r *service.Request) {
			r.AccessGranted()
		},
		Get: func(r *service.Request) {
			book, ok := store.Book(r.PathParam("id"))
			if !ok {
				r.NotFound()
				return
			}
			r.Model(book)
		},
		Call: map[string]service.CallHandler{
			"set": func(r *service.Request) {
				r.ChangeEvent(map[string]interface{}{"title": "RES"})
				r.OK(nil)
			},
		},
	})
	err = s.ListenAndServe("nats://127.0.0.1:4222")

# Concurrency

All work for a given resource (or worker group, if the handler declares one)
is serialized on a single worker at a time, while distinct resources run in
parallel on a shared pool. Events emitted before the reply are published in
emission order, with the reply always last. A handler must send exactly one
terminal reply; sending a second panics, and returning without one produces
a system.internalError reply.

# Lifecycle

A service moves Stopped -> Starting -> Started -> Stopping and back to
Stopped through Shutdown. Configuration setters are only valid while
Stopped. On serve and on every reconnect the service publishes a
system.reset event so gateways invalidate their caches; event delivery
across bus downtime is not attempted.

# Out of band events

Use With to emit events for a resource without an inbound request:

	s.With("library.book.42", func(r *service.Resource) {
		r.ChangeEvent(map[string]interface{}{"title": "Updated"})
	})
*/
package service
