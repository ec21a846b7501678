// Package telemetry exports per-packet radio signal quality measurements
// to InfluxDB v2.
//
// Writes are non-blocking and batched by the underlying client; a broker
// upload never waits on telemetry. Like the archive, this is a side
// channel that is disabled by default and whose failures never affect
// event delivery.
package telemetry
