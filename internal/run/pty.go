package run

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/floppym/pystemd/internal/bus"
	"github.com/floppym/pystemd/internal/proxy"
)

const (
	machineDest = "org.freedesktop.machine1"
	machinePath = dbus.ObjectPath("/org/freedesktop/machine1")
)

// openLocalPTY allocates a terminal pair on this host.
func openLocalPTY() (*os.File, *os.File, string, error) {
	master, follower, err := pty.Open()
	if err != nil {
		return nil, nil, "", err
	}
	return master, follower, follower.Name(), nil
}

// openMachinePTY asks the machine manager for a terminal inside the
// named container. The reply carries the master descriptor and the
// follower path as seen from inside the machine.
func openMachinePTY(t bus.Transport, machine string) (*os.File, string, error) {
	m := proxy.New(machineDest, machinePath, proxy.WithTransport(t))
	if err := m.Load(false); err != nil {
		return nil, "", err
	}
	mgr, err := m.Interface("Manager")
	if err != nil {
		return nil, "", err
	}
	body, err := mgr.Call("OpenMachinePTY", machine)
	if err != nil {
		return nil, "", err
	}
	if len(body) < 2 {
		return nil, "", fmt.Errorf("%w: OpenMachinePTY reply has %d members", proxy.ErrProtocol, len(body))
	}
	fd, ok := body[0].(dbus.UnixFD)
	if !ok {
		return nil, "", fmt.Errorf("%w: OpenMachinePTY returned %T, want unix fd", proxy.ErrProtocol, body[0])
	}
	path, ok := body[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("%w: OpenMachinePTY returned %T, want path", proxy.ErrProtocol, body[1])
	}
	return os.NewFile(uintptr(fd), "machine-pty"), path, nil
}

// setRaw switches the forwarded stdin terminal to raw mode so bytes move
// without waiting for newlines, and registers restoration of the saved
// state.
func setRaw(fd int, cleanup *CleanupStack) error {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	cleanup.Push(func() error { return term.Restore(fd, state) })
	return nil
}

// copyWinsize mirrors the caller's stdout geometry onto the terminal
// master, once, at setup.
func copyWinsize(from, to int) error {
	ws, err := unix.IoctlGetWinsize(from, unix.TIOCGWINSZ)
	if err != nil {
		return err
	}
	return unix.IoctlSetWinsize(to, unix.TIOCSWINSZ, ws)
}
