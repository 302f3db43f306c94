package run

import "errors"

var (
	ErrUnitConflict = errors.New("run: unit already exists")
	ErrDescriptor   = errors.New("run: invalid stream descriptor")
)
