package run

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/floppym/pystemd/internal/bus"
)

const managerXML = `<node>
  <interface name="org.freedesktop.systemd1.Manager">
    <method name="StartTransientUnit">
      <arg name="name" direction="in" type="s"/>
      <arg name="mode" direction="in" type="s"/>
      <arg name="properties" direction="in" type="a(sv)"/>
      <arg name="aux" direction="in" type="a(sa(sv))"/>
      <arg name="job" direction="out" type="o"/>
    </method>
    <method name="StopUnit">
      <arg name="name" direction="in" type="s"/>
      <arg name="mode" direction="in" type="s"/>
      <arg name="job" direction="out" type="o"/>
    </method>
  </interface>
</node>`

const unitXML = `<node>
  <interface name="org.freedesktop.systemd1.Unit">
    <property name="SubState" type="s" access="read"/>
    <property name="Id" type="s" access="read"/>
  </interface>
  <interface name="org.freedesktop.systemd1.Service">
    <property name="MainPID" type="u" access="read"/>
  </interface>
</node>`

type recordedCall struct {
	dest   string
	path   dbus.ObjectPath
	iface  string
	member string
	args   []any
}

type fakeTransport struct {
	introspect map[dbus.ObjectPath]string
	props      map[string]any
	startErr   error
	calls      []recordedCall
	closed     int
}

func (ft *fakeTransport) Call(dest string, path dbus.ObjectPath, iface, member string, args ...any) ([]any, error) {
	ft.calls = append(ft.calls, recordedCall{dest, path, iface, member, args})
	switch member {
	case "Introspect":
		doc, ok := ft.introspect[path]
		if !ok {
			return nil, fmt.Errorf("no object at %s", path)
		}
		return []any{doc}, nil
	case "StartTransientUnit":
		if ft.startErr != nil {
			return nil, ft.startErr
		}
		return []any{dbus.ObjectPath("/org/freedesktop/systemd1/job/1")}, nil
	}
	return nil, nil
}

func (ft *fakeTransport) Property(dest string, path dbus.ObjectPath, iface, name string, sig dbus.Signature) (any, error) {
	v, ok := ft.props[string(path)+" "+iface+"."+name]
	if !ok {
		return nil, fmt.Errorf("no property %s.%s at %s", iface, name, path)
	}
	return v, nil
}

func (ft *fakeTransport) Close() error {
	ft.closed++
	return nil
}

func (ft *fakeTransport) startCall(t *testing.T) recordedCall {
	t.Helper()
	for _, c := range ft.calls {
		if c.member == "StartTransientUnit" {
			return c
		}
	}
	t.Fatal("StartTransientUnit was never submitted")
	return recordedCall{}
}

type fakeNotifier struct {
	events  chan bus.PropertyChange
	watched []dbus.ObjectPath
	nexts   int
	closed  int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan bus.PropertyChange, 8)}
}

func (n *fakeNotifier) Watch(path dbus.ObjectPath) error {
	n.watched = append(n.watched, path)
	return nil
}

func (n *fakeNotifier) Next() (bus.PropertyChange, bool) {
	n.nexts++
	select {
	case ev := <-n.events:
		return ev, true
	default:
		return bus.PropertyChange{}, false
	}
}

func (n *fakeNotifier) Close() error {
	n.closed++
	return nil
}

func subStateEvent(path dbus.ObjectPath, sub string) bus.PropertyChange {
	return bus.PropertyChange{
		Path:      path,
		Interface: "org.freedesktop.systemd1.Unit",
		Changed:   map[string]dbus.Variant{"SubState": dbus.MakeVariant(sub)},
	}
}

func newFakes() (*fakeTransport, *fakeNotifier, Options) {
	ft := &fakeTransport{
		introspect: map[dbus.ObjectPath]string{
			managerPath:              managerXML,
			unitPath("demo.service"): unitXML,
		},
		props: make(map[string]any),
	}
	n := newFakeNotifier()
	opts := Options{
		Cmd:          []string{"/bin/echo", "hi"},
		Name:         "demo.service",
		PollInterval: 5 * time.Millisecond,
		Factory:      func() (bus.Transport, error) { return ft, nil },
		NewNotifier:  func() (bus.Notifier, error) { return n, nil },
	}
	return ft, n, opts
}

func TestRunSubmitsAndWaitsForExit(t *testing.T) {
	ft, n, opts := newFakes()
	opts.Wait = true
	n.events <- subStateEvent(unitPath("demo.service"), "exited")

	unit, err := Run(opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if unit != nil {
		t.Fatal("Run returned a unit proxy without RemainAfterExit")
	}

	call := ft.startCall(t)
	if call.dest != managerDest || call.path != managerPath || call.iface != managerIface {
		t.Fatalf("submitted to %s %s %s", call.dest, call.path, call.iface)
	}
	if len(call.args) != 4 {
		t.Fatalf("StartTransientUnit got %d args, want 4", len(call.args))
	}
	if call.args[0] != "demo.service" || call.args[1] != "fail" {
		t.Fatalf("submitted (%v, %v), want (demo.service, fail)", call.args[0], call.args[1])
	}
	props, ok := call.args[2].([]Property)
	if !ok {
		t.Fatalf("properties arg is %T", call.args[2])
	}
	execProp, ok := findProperty(props, "ExecStart")
	if !ok {
		t.Fatal("bag has no ExecStart")
	}
	exec := execProp.Value.Value().([]execStart)
	if len(exec) != 1 || exec[0].Path != "/bin/echo" || len(exec[0].Args) != 2 {
		t.Fatalf("ExecStart = %#v", exec)
	}
	if aux, ok := call.args[3].([]auxUnit); !ok || len(aux) != 0 {
		t.Fatalf("aux arg = %#v, want empty list", call.args[3])
	}

	if len(n.watched) != 1 || n.watched[0] != unitPath("demo.service") {
		t.Fatalf("watched paths = %v", n.watched)
	}
	if n.closed != 1 {
		t.Fatalf("notifier closed %d times, want 1", n.closed)
	}
	if ft.closed != 1 {
		t.Fatalf("transport closed %d times, want 1", ft.closed)
	}
}

func TestRunIgnoresOtherUnitsAndStates(t *testing.T) {
	_, n, opts := newFakes()
	opts.Wait = true
	n.events <- subStateEvent("/org/freedesktop/systemd1/unit/other", "exited")
	n.events <- subStateEvent(unitPath("demo.service"), "running")
	n.events <- subStateEvent(unitPath("demo.service"), "dead")

	if _, err := Run(opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n.nexts < 3 {
		t.Fatalf("notifier pumped %d times, want at least 3", n.nexts)
	}
}

func TestRunRemainAfterExitReturnsProxy(t *testing.T) {
	_, n, opts := newFakes()
	opts.Wait = true
	opts.RemainAfterExit = true
	n.events <- subStateEvent(unitPath("demo.service"), "exited")

	unit, err := Run(opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if unit == nil {
		t.Fatal("Run returned no proxy for a surviving unit")
	}
	if unit.Path() != unitPath("demo.service") {
		t.Fatalf("proxy path = %s", unit.Path())
	}
	names := unit.Interfaces()
	if len(names) != 2 {
		t.Fatalf("proxy interfaces = %v", names)
	}
	if _, err := unit.Interface("Unit"); err != nil {
		t.Fatalf("Unit shortcut: %v", err)
	}
}

func TestRunTerminalRoutingSuppressesDescriptors(t *testing.T) {
	ft, _, opts := newFakes()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	master := os.NewFile(uintptr(sp[0]), "fake-master")
	follower := os.NewFile(uintptr(sp[1]), "fake-follower")
	opts.PTY = true
	opts.Stdout = 5
	opts.OpenPTY = func() (*os.File, *os.File, string, error) {
		return master, follower, "/dev/pts/9", nil
	}
	t.Setenv("TERM", "xterm-under-test")

	if _, err := Run(opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	props, _ := ft.startCall(t).args[2].([]Property)
	if p, ok := findProperty(props, "StandardInput"); !ok || p.Value.Value() != "tty" {
		t.Fatal("terminal request did not route StandardInput to tty")
	}
	if p, ok := findProperty(props, "TTYPath"); !ok || p.Value.Value() != "/dev/pts/9" {
		t.Fatal("TTYPath missing or wrong")
	}
	if _, ok := findProperty(props, "StandardOutputFileDescriptor"); ok {
		t.Fatal("descriptor property submitted alongside terminal routing")
	}
	p, ok := findProperty(props, "Environment")
	if !ok {
		t.Fatal("terminal run has no Environment")
	}
	entries := p.Value.Value().([]string)
	if len(entries) != 1 || entries[0] != "TERM=xterm-under-test" {
		t.Fatalf("Environment = %v, want the caller's TERM", entries)
	}
}

func TestRunUnitConflict(t *testing.T) {
	ft, n, opts := newFakes()
	opts.Wait = true
	ft.startErr = dbus.Error{Name: unitExistsError, Body: []any{"unit exists"}}

	_, err := Run(opts)
	if !errors.Is(err, ErrUnitConflict) {
		t.Fatalf("Run error = %v, want ErrUnitConflict", err)
	}
	if n.nexts != 0 {
		t.Fatal("readiness loop ran after a failed submission")
	}
	if n.closed != 1 || ft.closed != 1 {
		t.Fatalf("cleanup ran notifier=%d transport=%d closes, want 1 each", n.closed, ft.closed)
	}
}

func TestRunRejectsBadCommands(t *testing.T) {
	if _, err := Run(Options{}); err == nil {
		t.Fatal("empty command accepted")
	}
	if _, err := Run(Options{Cmd: []string{"echo"}}); err == nil {
		t.Fatal("relative command path accepted")
	}
	_, err := Run(Options{Cmd: []string{"/bin/echo"}, Stdout: "nope"})
	if !errors.Is(err, ErrDescriptor) {
		t.Fatalf("bad stream handle error = %v, want ErrDescriptor", err)
	}
}

func TestWaitForExitForwardsStreams(t *testing.T) {
	ft := &fakeTransport{props: make(map[string]any)}
	n := newFakeNotifier()
	path := unitPath("demo.service")
	// A live main process keeps the idle fallback out of this test.
	ft.props[string(path)+" "+serviceIface+".MainPID"] = uint32(4242)

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(sp[0])
	defer unix.Close(sp[1])
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer inR.Close()
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer outR.Close()
	defer outW.Close()

	io := loopIO{
		stdin: int(inR.Fd()), master: sp[0], stdout: int(outW.Fd()),
		forwardIn: true, forwardOut: true,
	}
	done := make(chan error, 1)
	go func() {
		done <- waitForExit(ft, n, path, io, 5*time.Millisecond)
	}()

	if _, err := inW.WriteString("input bytes"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	inW.Close()
	buf := make([]byte, 64)
	r, err := unix.Read(sp[1], buf)
	if err != nil || string(buf[:r]) != "input bytes" {
		t.Fatalf("master received %q, %v", buf[:r], err)
	}

	if _, err := unix.Write(sp[1], []byte("output bytes")); err != nil {
		t.Fatalf("write master: %v", err)
	}
	r, err = outR.Read(buf)
	if err != nil || string(buf[:r]) != "output bytes" {
		t.Fatalf("stdout received %q, %v", buf[:r], err)
	}

	n.events <- subStateEvent(path, "failed")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForExit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitForExit did not finish after the terminal sub-state")
	}
}

func TestWaitForExitFallbackSurvivesNonTerminalChange(t *testing.T) {
	ft := &fakeTransport{props: make(map[string]any)}
	n := newFakeNotifier()
	path := unitPath("demo.service")
	ft.props[string(path)+" "+serviceIface+".MainPID"] = uint32(0)
	n.events <- subStateEvent(path, "running")

	done := make(chan error, 1)
	go func() {
		done <- waitForExit(ft, n, path, loopIO{}, 5*time.Millisecond)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitForExit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle fallback did not fire after a non-terminal change")
	}
}

func TestWaitForExitIdleFallback(t *testing.T) {
	ft := &fakeTransport{props: make(map[string]any)}
	n := newFakeNotifier()
	path := unitPath("demo.service")
	ft.props[string(path)+" "+serviceIface+".MainPID"] = uint32(0)

	start := time.Now()
	if err := waitForExit(ft, n, path, loopIO{}, 5*time.Millisecond); err != nil {
		t.Fatalf("waitForExit: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("idle fallback did not fire within the poll interval")
	}
}
