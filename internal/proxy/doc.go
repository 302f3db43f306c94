// Package proxy owns the introspection-driven remote-object surface.
//
// Ownership boundary:
// - introspection document parsing
// - per-interface property and method dispatch
// - override registry and input-signature validation
package proxy
