package run

import "fmt"

// fdHolder matches stream handles that expose an underlying descriptor,
// like *os.File.
type fdHolder interface {
	Fd() uintptr
}

// resolveFd extracts a descriptor from a caller-supplied stream handle.
// nil means the stream is absent; absence is distinct from descriptor 0.
func resolveFd(v any) (fd int, ok bool, err error) {
	switch h := v.(type) {
	case nil:
		return -1, false, nil
	case int:
		return h, true, nil
	case fdHolder:
		return int(h.Fd()), true, nil
	}
	return -1, false, fmt.Errorf("%w: %T is neither a descriptor number nor an Fd() holder", ErrDescriptor, v)
}
