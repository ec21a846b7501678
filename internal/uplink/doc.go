// Package uplink relays MeshCore node events to external MQTT brokers.
//
// Up to four broker endpoints are supervised by a Manager. Each endpoint
// owns its transport, authentication, topic layout, reconnection backoff,
// and a bounded publish queue, and runs in its own goroutine so one slow or
// unreachable broker never stalls delivery to the others or blocks the
// device-layer event producer.
//
// # Data flow
//
//	device event -> Router (relevance filter) -> fan-out (non-blocking)
//	  -> per endpoint: translate -> packet hash -> dedup -> publish
//
// Status ("online"/"offline") publishes run independently of event flow,
// driven by connection-state transitions, always retained, with a
// broker-side last-will armed for ungraceful disconnects. Packet publishes
// are QoS 0 and never retained, matching the wider uploader ecosystem.
//
// # Failure model
//
// Every error is endpoint-local. Transport failures back off exponentially
// and retry forever; broker auth rejections force an immediate token
// reissue before the next attempt; unresolvable key material and repeated
// terminal configuration errors park the endpoint until reconfiguration.
// Nothing in this package is process-fatal.
package uplink
