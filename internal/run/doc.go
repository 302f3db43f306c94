// Package run owns transient-unit execution.
//
// Ownership boundary:
// - unit property-bag assembly and stream-routing choice
// - pseudo-terminal acquisition and raw-mode handling
// - submission through the manager proxy
// - readiness loop: I/O forwarding and completion watching
// - cleanup stack for exactly-once resource release
package run
