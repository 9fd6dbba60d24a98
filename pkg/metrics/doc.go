/*
Package metrics provides Prometheus metrics for Burrow services.

All metrics use the burrow_ prefix and are registered on the default
registry at package initialization. The service increments request, reply
and event counters as messages cross the bus; the query-event gauge tracks
the number of transient query subscriptions awaiting expiration, and the
resource-queue gauge the number of per-resource work queues currently live.

Exposing metrics:

	go metrics.Serve(":9100")

or mount metrics.Handler() on an existing HTTP mux.
*/
package metrics
