// Package archive provides an optional local SQLite history of normalized
// packets seen by the uploader.
//
// The archive is a side channel: uploads never depend on it, and a failed
// archive write is logged and ignored. One row is written per routed
// packet-shaped event regardless of how many endpoints the packet reached.
// A retention sweep keeps the file bounded.
package archive
