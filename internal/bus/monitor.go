package bus

import (
	"github.com/godbus/dbus/v5"
)

const (
	managerDest        = "org.freedesktop.systemd1"
	propsInterface     = "org.freedesktop.DBus.Properties"
	propsChangedMember = "PropertiesChanged"
	propsChangedSignal = propsInterface + "." + propsChangedMember
)

// PropertyChange is one decoded property-change notification.
type PropertyChange struct {
	Path      dbus.ObjectPath
	Interface string
	Changed   map[string]dbus.Variant
}

// Notifier delivers property-change notifications for watched object
// paths. Next never blocks; callers pump it from their own readiness
// loop.
type Notifier interface {
	Watch(path dbus.ObjectPath) error
	Next() (PropertyChange, bool)
	Close() error
}

// SignalMonitor is a Notifier on its own private connection, subscribed
// to PropertiesChanged signals from the service manager. Keeping it off
// the calling connection means method replies and notifications never
// interleave.
type SignalMonitor struct {
	conn *dbus.Conn
	ch   chan *dbus.Signal
}

// NewMonitor opens a monitoring connection on the per-user or system bus.
func NewMonitor(userMode bool) (*SignalMonitor, error) {
	conn, err := connect(userMode)
	if err != nil {
		return nil, err
	}
	m := &SignalMonitor{conn: conn, ch: make(chan *dbus.Signal, 64)}
	conn.Signal(m.ch)
	return m, nil
}

// Watch subscribes to property-change notifications for one object path.
// Filtering down to the unit actually watched stays with the caller.
func (m *SignalMonitor) Watch(path dbus.ObjectPath) error {
	return m.conn.AddMatchSignal(
		dbus.WithMatchSender(managerDest),
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember(propsChangedMember),
		dbus.WithMatchObjectPath(path),
	)
}

// Next pumps at most one pending notification. It reports false when
// nothing is queued or the queued signal is not a property change.
func (m *SignalMonitor) Next() (PropertyChange, bool) {
	select {
	case sig, ok := <-m.ch:
		if !ok || sig == nil {
			return PropertyChange{}, false
		}
		return decodeChange(sig)
	default:
		return PropertyChange{}, false
	}
}

func (m *SignalMonitor) Close() error {
	return m.conn.Close()
}

func decodeChange(sig *dbus.Signal) (PropertyChange, bool) {
	if sig.Name != propsChangedSignal || len(sig.Body) < 2 {
		return PropertyChange{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return PropertyChange{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertyChange{}, false
	}
	return PropertyChange{Path: sig.Path, Interface: iface, Changed: changed}, true
}
