package proxy

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
)

// blockedSignature reports signatures the generic call path refuses to
// marshal: variants carry no concrete declared type and dict entries need
// map-shape knowledge the descriptor does not provide.
func blockedSignature(sig string) bool {
	return strings.ContainsAny(sig, "v{")
}

var basicTypes = map[byte]reflect.Type{
	'y': reflect.TypeOf(uint8(0)),
	'b': reflect.TypeOf(false),
	'n': reflect.TypeOf(int16(0)),
	'q': reflect.TypeOf(uint16(0)),
	'i': reflect.TypeOf(int32(0)),
	'u': reflect.TypeOf(uint32(0)),
	'x': reflect.TypeOf(int64(0)),
	't': reflect.TypeOf(uint64(0)),
	'd': reflect.TypeOf(float64(0)),
	's': reflect.TypeOf(""),
	'o': reflect.TypeOf(dbus.ObjectPath("")),
	'h': reflect.TypeOf(dbus.UnixFD(0)),
}

// packArgs coerces caller-supplied values to the declared input
// signatures. Values whose wire signature already matches pass through
// untouched; the rest are converted within their kind class (numeric to
// numeric, string to string-like, bool to bool).
func packArgs(sigs []string, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		packed, err := packArg(sigs[i], arg)
		if err != nil {
			return nil, err
		}
		out[i] = packed
	}
	return out, nil
}

func packArg(sig string, arg any) (any, error) {
	if sig == "" {
		return nil, fmt.Errorf("%w: empty argument signature", ErrNotSupported)
	}
	if sig == "g" {
		if s, ok := arg.(string); ok {
			parsed, err := dbus.ParseSignature(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a signature: %v", ErrNotSupported, s, err)
			}
			return parsed, nil
		}
		return nil, packError(sig, arg)
	}
	// Basic signatures always convert to their canonical wire width, so
	// callers see int32 for "i" whether they passed int or int32.
	if len(sig) == 1 {
		if want, ok := basicTypes[sig[0]]; ok {
			return convertBasic(sig, want, arg)
		}
		return nil, packError(sig, arg)
	}
	if sig[0] == 'a' && len(sig) == 2 {
		if _, ok := basicTypes[sig[1]]; ok {
			return convertSlice(sig, arg)
		}
	}
	if arg != nil {
		if got, ok := signatureOf(arg); ok && got.String() == sig {
			return arg, nil
		}
	}
	return nil, packError(sig, arg)
}

// signatureOf wraps dbus.SignatureOf, which panics on values godbus
// cannot marshal at all (functions, channels, unexported fields).
func signatureOf(arg any) (sig dbus.Signature, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return dbus.SignatureOf(arg), true
}

func convertBasic(sig string, want reflect.Type, arg any) (any, error) {
	v := reflect.ValueOf(arg)
	if !v.IsValid() {
		return nil, packError(sig, arg)
	}
	if kindClass(v.Kind()) != kindClass(want.Kind()) || kindClass(v.Kind()) == classOther {
		return nil, packError(sig, arg)
	}
	if !v.Type().ConvertibleTo(want) {
		return nil, packError(sig, arg)
	}
	return v.Convert(want).Interface(), nil
}

func convertSlice(sig string, arg any) (any, error) {
	v := reflect.ValueOf(arg)
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return nil, packError(sig, arg)
	}
	elem := basicTypes[sig[1]]
	out := reflect.MakeSlice(reflect.SliceOf(elem), v.Len(), v.Len())
	for i := 0; i < v.Len(); i++ {
		packed, err := packArg(sig[1:], v.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out.Index(i).Set(reflect.ValueOf(packed))
	}
	return out.Interface(), nil
}

func packError(sig string, arg any) error {
	return fmt.Errorf("%w: cannot marshal %T as %q", ErrNotSupported, arg, sig)
}

const (
	classOther = iota
	classNumeric
	classString
	classBool
)

func kindClass(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return classNumeric
	case reflect.String:
		return classString
	case reflect.Bool:
		return classBool
	}
	return classOther
}
