/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. The service logs incoming requests and outgoing
replies and events at trace level, and engine faults (malformed messages,
handler panics, publish failures) at error level.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	serviceLog := log.WithComponent("service")
	serviceLog.Info().Msg("Listening for requests")

	resLog := log.WithResource("library.book.42")
	resLog.Trace().Msg("Change event")

The TraceLevel is intended for protocol debugging; it logs every message that
crosses the bus, payload included, and should not be enabled in production.
*/
package log
