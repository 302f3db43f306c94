package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/floppym/pystemd/internal/bus"
)

const introspectableInterface = "org.freedesktop.DBus.Introspectable"

// Override is a native replacement for one (interface, member) pair. It
// receives the interface name it was reached through plus the caller's
// arguments, and its result is handed back to the caller unchanged.
type Override func(iface string, args ...any) ([]any, error)

// Object is a proxy for one remote object, identified by destination and
// path. Its interface set is built from the object's own introspection
// data on first Load and only rebuilt on a forced reload.
type Object struct {
	dest string
	path dbus.ObjectPath

	borrowed  bus.Transport
	factory   bus.Factory
	overrides map[string]Override

	interfaces map[string]*Interface
	shortcuts  map[string]string
	loaded     bool
}

type Option func(*Object)

// WithTransport binds the object to an externally owned connection. The
// object never closes it.
func WithTransport(t bus.Transport) Option {
	return func(o *Object) { o.borrowed = t }
}

// WithFactory sets the connection factory used when no transport was
// borrowed. Each access then opens a fresh connection and closes it
// again, so the object holds nothing open between calls.
func WithFactory(f bus.Factory) Option {
	return func(o *Object) { o.factory = f }
}

// WithOverride registers a native callable consulted instead of generic
// invocation when member is reached through the named interface. The
// same member name on any other interface still takes the generic path.
func WithOverride(iface, member string, ov Override) Option {
	return func(o *Object) { o.overrides[iface+"."+member] = ov }
}

func New(dest string, path dbus.ObjectPath, opts ...Option) *Object {
	o := &Object{
		dest:       dest,
		path:       path,
		overrides:  make(map[string]Override),
		interfaces: make(map[string]*Interface),
		shortcuts:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.factory == nil {
		o.factory = bus.NewFactory(false)
	}
	return o
}

func (o *Object) Destination() string   { return o.dest }
func (o *Object) Path() dbus.ObjectPath { return o.path }
func (o *Object) Loaded() bool          { return o.loaded }

// Load fetches and parses the object's introspection data and builds one
// interface proxy per declared interface, replacing prior entries of the
// same name. Repeat calls are no-ops unless forced; forcing matters for
// objects that did not exist yet when the proxy was constructed.
func (o *Object) Load(force bool) error {
	if o.loaded && !force {
		return nil
	}

	var doc string
	err := o.withTransport(func(t bus.Transport) error {
		body, err := t.Call(o.dest, o.path, introspectableInterface, "Introspect")
		if err != nil {
			return fmt.Errorf("%w: introspect %s %s: %w", ErrProtocol, o.dest, o.path, err)
		}
		if len(body) == 0 {
			return fmt.Errorf("%w: empty introspection reply from %s", ErrProtocol, o.dest)
		}
		s, ok := body[0].(string)
		if !ok {
			return fmt.Errorf("%w: introspection reply is %T, want string", ErrProtocol, body[0])
		}
		doc = s
		return nil
	})
	if err != nil {
		return err
	}

	specs, err := ParseIntrospection([]byte(doc))
	if err != nil {
		return err
	}

	prefix := o.dest + "."
	for _, spec := range specs {
		o.interfaces[spec.Name] = newInterface(o, spec)
		if strings.HasPrefix(spec.Name, prefix) {
			o.shortcuts[strings.TrimPrefix(spec.Name, prefix)] = spec.Name
		}
	}
	o.loaded = true
	return nil
}

// Interface resolves a declared interface by full name, or by suffix
// shortcut when the interface name extends the object's destination
// (destination svc exposes svc.Manager as Manager).
func (o *Object) Interface(name string) (*Interface, error) {
	if it, ok := o.interfaces[name]; ok {
		return it, nil
	}
	if full, ok := o.shortcuts[name]; ok {
		return o.interfaces[full], nil
	}
	return nil, fmt.Errorf("%w: interface %q on %s", ErrUnknownMember, name, o.path)
}

// Interfaces lists the declared interface names, sorted.
func (o *Object) Interfaces() []string {
	names := make([]string, 0, len(o.interfaces))
	for name := range o.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Object) override(iface, member string) (Override, bool) {
	ov, ok := o.overrides[iface+"."+member]
	return ov, ok
}

// withTransport runs fn inside exactly one scoped transport acquisition.
// A borrowed transport is handed over as-is and never closed; an opened
// one is closed on every exit path.
func (o *Object) withTransport(fn func(bus.Transport) error) error {
	if o.borrowed != nil {
		return fn(o.borrowed)
	}
	t, err := o.factory()
	if err != nil {
		return fmt.Errorf("%w: open transport: %w", ErrProtocol, err)
	}
	defer t.Close()
	return fn(t)
}
