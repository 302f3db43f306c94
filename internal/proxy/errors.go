package proxy

import "errors"

var (
	ErrProtocol          = errors.New("proxy: protocol failure")
	ErrUnknownMember     = errors.New("proxy: unknown member")
	ErrArgumentCount     = errors.New("proxy: argument count mismatch")
	ErrNotSupported      = errors.New("proxy: not supported")
	ErrImmutableProperty = errors.New("proxy: property is read-only")
)
