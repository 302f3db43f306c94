package run

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	managerDest  = "org.freedesktop.systemd1"
	managerPath  = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface = "org.freedesktop.systemd1.Manager"
	serviceIface = "org.freedesktop.systemd1.Service"
	unitPathBase = "/org/freedesktop/systemd1/unit/"

	// Submission never displaces an existing unit of the same name; the
	// manager replies with UnitExists instead.
	startMode = "fail"

	unitExistsError = "org.freedesktop.systemd1.UnitExists"
)

// Property is one entry of a transient-unit property bag, marshalled as
// the manager's (sv) struct.
type Property struct {
	Name  string
	Value dbus.Variant
}

// auxUnit matches the manager's a(sa(sv)) auxiliary-unit argument.
type auxUnit struct {
	Name       string
	Properties []Property
}

// execStart marshals as one a(sasb) ExecStart entry. The trailing bool
// marks failure of this command line as ignorable.
type execStart struct {
	Path          string
	Args          []string
	IgnoreFailure bool
}

// unitName returns the caller's unit name, or a generated one that is
// unique with overwhelming probability.
func unitName(name string) string {
	if name != "" {
		return name
	}
	return "sdrun" + strings.ReplaceAll(uuid.New().String(), "-", "") + ".service"
}

// unitPath maps a unit name to its manager object path, escaped the way
// sd_bus_path_encode does: alphanumerics pass through (except a leading
// digit) and every other byte becomes _ plus its hex value.
func unitPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath(unitPathBase + pathEscape(name))
}

func pathEscape(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAlphanum(c) && !(i == 0 && c >= '0' && c <= '9') {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "_%x", c)
		}
	}
	return b.String()
}

func isAlphanum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// streamFds is the resolved set of caller stream handles.
type streamFds struct {
	stdin, stdout, stderr       int
	stdinOK, stdoutOK, stderrOK bool
}

func resolveStreams(opts Options) (streamFds, error) {
	var fds streamFds
	var err error
	if fds.stdin, fds.stdinOK, err = resolveFd(opts.Stdin); err != nil {
		return fds, err
	}
	if fds.stdout, fds.stdoutOK, err = resolveFd(opts.Stdout); err != nil {
		return fds, err
	}
	if fds.stderr, fds.stderrOK, err = resolveFd(opts.Stderr); err != nil {
		return fds, err
	}
	return fds, nil
}

// buildBag assembles the unit property bag. Terminal routing wins over
// descriptor routing; Extra entries win over every computed value; empty
// values are dropped before submission (absent, not present-but-empty).
func buildBag(opts Options, name, ptyPath string, fds streamFds, env map[string]string) map[string]any {
	bag := make(map[string]any)

	if ptyPath != "" {
		bag["StandardInput"] = "tty"
		bag["StandardOutput"] = "tty"
		bag["StandardError"] = "tty"
		bag["TTYPath"] = ptyPath
	} else {
		if fds.stdinOK {
			bag["StandardInputFileDescriptor"] = dbus.UnixFD(fds.stdin)
		}
		if fds.stdoutOK {
			bag["StandardOutputFileDescriptor"] = dbus.UnixFD(fds.stdout)
		}
		if fds.stderrOK {
			bag["StandardErrorFileDescriptor"] = dbus.UnixFD(fds.stderr)
		}
	}

	bag["Description"] = "sdrun: " + name
	bag["ExecStart"] = []execStart{{Path: opts.Cmd[0], Args: opts.Cmd}}
	bag["RemainAfterExit"] = opts.RemainAfterExit
	bag["WorkingDirectory"] = opts.WorkingDirectory
	bag["User"] = opts.User
	if opts.Nice != nil {
		bag["Nice"] = int32(*opts.Nice)
	}
	if opts.RuntimeMaxSec > 0 {
		bag["RuntimeMaxUSec"] = opts.RuntimeMaxSec * 1_000_000
	}
	if len(env) > 0 {
		entries := make([]string, 0, len(env))
		for k, v := range env {
			entries = append(entries, k+"="+v)
		}
		sort.Strings(entries)
		bag["Environment"] = entries
	}

	for k, v := range opts.Extra {
		bag[k] = v
	}

	for k, v := range bag {
		if emptyValue(v) {
			delete(bag, k)
		}
	}
	return bag
}

// emptyValue reports values that mean "unset": nil, empty strings, and
// empty collections. false and 0 are real values and stay.
func emptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

// toProperties converts a bag to the manager's property list, sorted by
// name so submissions are deterministic.
func toProperties(bag map[string]any) []Property {
	names := make([]string, 0, len(bag))
	for name := range bag {
		names = append(names, name)
	}
	sort.Strings(names)
	props := make([]Property, len(names))
	for i, name := range names {
		props[i] = Property{Name: name, Value: dbus.MakeVariant(bag[name])}
	}
	return props
}

// findProperty returns the bag entry with the given name.
func findProperty(props []Property, name string) (Property, bool) {
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}
