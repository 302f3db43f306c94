// Package bus owns the message-bus transport boundary.
//
// Ownership boundary:
// - private system/session connections
// - method call and property read primitives
// - property-change monitoring for unit object paths
package bus
