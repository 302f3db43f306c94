package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Transport is one open connection to the message bus. A Transport is not
// safe for concurrent use by multiple logical callers; each caller holds
// it for the duration of one scoped acquisition.
type Transport interface {
	// Call invokes member on (dest, path, iface) and returns the decoded
	// reply body.
	Call(dest string, path dbus.ObjectPath, iface, member string, args ...any) ([]any, error)

	// Property reads the named property. A non-empty sig is checked
	// against the signature of the value on the wire.
	Property(dest string, path dbus.ObjectPath, iface, name string, sig dbus.Signature) (any, error)

	Close() error
}

// Factory opens a fresh Transport. Proxies that do not borrow a
// connection use a Factory per scoped acquisition, so a long-lived proxy
// holds no connection between calls.
type Factory func() (Transport, error)

// NewFactory returns a Factory for the per-user manager when userMode is
// set, the system manager otherwise.
func NewFactory(userMode bool) Factory {
	return func() (Transport, error) {
		return New(userMode)
	}
}

// Conn is a Transport backed by a private bus connection.
type Conn struct {
	conn *dbus.Conn
}

// New opens a private connection to the session bus (userMode) or the
// system bus.
func New(userMode bool) (*Conn, error) {
	conn, err := connect(userMode)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

func connect(userMode bool) (*dbus.Conn, error) {
	if userMode {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

func (c *Conn) Call(dest string, path dbus.ObjectPath, iface, member string, args ...any) ([]any, error) {
	call := c.conn.Object(dest, path).Call(iface+"."+member, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (c *Conn) Property(dest string, path dbus.ObjectPath, iface, name string, sig dbus.Signature) (any, error) {
	v, err := c.conn.Object(dest, path).GetProperty(iface + "." + name)
	if err != nil {
		return nil, err
	}
	if sig.String() != "" && v.Signature() != sig {
		return nil, fmt.Errorf("bus: property %s.%s has signature %q, want %q",
			iface, name, v.Signature().String(), sig.String())
	}
	return v.Value(), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsErrorName reports whether err is, or wraps, a D-Bus error reply with
// the given error name.
func IsErrorName(err error, name string) bool {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name == name
	}
	return false
}
