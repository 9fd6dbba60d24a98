/*
Package config loads service configuration from YAML files.

	name: library
	nats_url: nats://127.0.0.1:4222
	query_duration: 3s
	metrics_addr: :9100
	log:
	  level: info
	  json: true

Unset fields fall back to defaults; Load validates the result.
*/
package config
