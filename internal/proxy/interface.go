package proxy

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/floppym/pystemd/internal/bus"
)

// Interface is the callable surface for one declared interface, bound to
// its owning object. It exposes exactly the properties and methods the
// introspection data declared, nothing synthesized.
type Interface struct {
	obj     *Object
	name    string
	props   map[string]PropertySpec
	methods map[string]MethodSpec
	spec    InterfaceSpec
}

func newInterface(obj *Object, spec InterfaceSpec) *Interface {
	it := &Interface{
		obj:     obj,
		name:    spec.Name,
		props:   make(map[string]PropertySpec, len(spec.Properties)),
		methods: make(map[string]MethodSpec, len(spec.Methods)),
		spec:    spec,
	}
	for _, p := range spec.Properties {
		it.props[p.Name] = p
	}
	for _, m := range spec.Methods {
		it.methods[m.Name] = m
	}
	return it
}

func (it *Interface) Name() string { return it.name }

// Properties lists the declared property names in document order.
func (it *Interface) Properties() []string {
	names := make([]string, len(it.spec.Properties))
	for i, p := range it.spec.Properties {
		names[i] = p.Name
	}
	return names
}

// Methods lists the declared method names in document order.
func (it *Interface) Methods() []string {
	names := make([]string, len(it.spec.Methods))
	for i, m := range it.spec.Methods {
		names[i] = m.Name
	}
	return names
}

// Get reads the named property using its declared wire type.
func (it *Interface) Get(name string) (any, error) {
	spec, ok := it.props[name]
	if !ok {
		return nil, fmt.Errorf("%w: property %s.%s", ErrUnknownMember, it.name, name)
	}
	sig, err := dbus.ParseSignature(spec.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: property %s declares type %q: %v", ErrProtocol, name, spec.Type, err)
	}
	var value any
	err = it.obj.withTransport(func(t bus.Transport) error {
		v, err := t.Property(it.obj.dest, it.obj.path, it.name, name, sig)
		if err != nil {
			return fmt.Errorf("%w: get %s.%s: %w", ErrProtocol, it.name, name, err)
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set writes a property. Untyped generic writes have no safe marshalling
// policy, so the write only goes through when the owning object
// registered an override for (interface, property); read-only properties
// refuse the write outright.
func (it *Interface) Set(name string, value any) error {
	spec, ok := it.props[name]
	if !ok {
		return fmt.Errorf("%w: property %s.%s", ErrUnknownMember, it.name, name)
	}
	if !spec.Writable {
		return fmt.Errorf("%w: %s.%s", ErrImmutableProperty, it.name, name)
	}
	if ov, ok := it.obj.override(it.name, name); ok {
		_, err := ov(it.name, name, value)
		return err
	}
	return fmt.Errorf("%w: generic write of %s.%s", ErrNotSupported, it.name, name)
}

// Call invokes the named method generically. An override registered on
// the owning object for (this interface, this method) bypasses generic
// marshalling entirely and its result is returned unchanged.
func (it *Interface) Call(method string, args ...any) ([]any, error) {
	if ov, ok := it.obj.override(it.name, method); ok {
		return ov(it.name, args...)
	}

	spec, ok := it.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: method %s.%s", ErrUnknownMember, it.name, method)
	}
	if len(args) != len(spec.InArgs) {
		return nil, fmt.Errorf("%w: method %s.%s requires %d arguments, %d supplied",
			ErrArgumentCount, it.name, method, len(spec.InArgs), len(args))
	}
	for _, sig := range spec.InArgs {
		if blockedSignature(sig) {
			return nil, fmt.Errorf("%w: method %s.%s declares argument type %q",
				ErrNotSupported, it.name, method, sig)
		}
	}
	packed, err := packArgs(spec.InArgs, args)
	if err != nil {
		return nil, err
	}

	var body []any
	err = it.obj.withTransport(func(t bus.Transport) error {
		b, err := t.Call(it.obj.dest, it.obj.path, it.name, method, packed...)
		if err != nil {
			return fmt.Errorf("%w: call %s.%s: %w", ErrProtocol, it.name, method, err)
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
