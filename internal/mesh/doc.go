// Package mesh defines the narrow surface through which meshuplink consumes
// the connected MeshCore node.
//
// The device transport itself (USB/BLE/TCP framing, command-response
// protocol) lives outside this repository. Two contracts are consumed here:
//
//   - a typed event stream with at-least-once delivery, represented as
//     RawEventEnvelope values (see StreamReader for the NDJSON adapter)
//   - an on-demand private-key-export command, represented by Commander
//
// The package also carries the packet-level model shared by every uploader
// in the MeshCore ecosystem: raw frame parsing and the reference packet
// hash used for cross-uploader deduplication.
package mesh
