package run

import (
	"os"
	"time"

	"github.com/floppym/pystemd/internal/bus"
)

// PTYOpener allocates a terminal pair. The follower may be nil when the
// opener has no handle on it (remote terminals); a non-nil follower is
// kept open until cleanup so the master does not hit end-of-stream
// before the service manager opens the follower path.
type PTYOpener func() (master, follower *os.File, path string, err error)

// Options describes one transient-unit execution request. The zero value
// targets the system manager; DefaultOptions applies the usual
// caller-facing defaults instead.
type Options struct {
	// Cmd is the command argv; Cmd[0] must be an absolute path.
	Cmd []string

	// Name is the transient unit name; generated when empty.
	Name string

	// User runs the command as the named user.
	User string

	// UserMode talks to the per-user service manager instead of the
	// system one.
	UserMode bool

	// Nice adjusts the spawned process's scheduling priority; nil leaves
	// it alone.
	Nice *int

	// RuntimeMaxSec caps the unit's runtime in seconds. Zero means no
	// cap property is submitted.
	RuntimeMaxSec uint64

	// Env entries become KEY=VALUE environment assignments in the unit.
	Env map[string]string

	// Extra is merged over every computed property before submission;
	// caller entries win on conflict.
	Extra map[string]any

	WorkingDirectory string

	// Machine allocates the pseudo-terminal inside the named container
	// through the machine manager. Only meaningful together with PTY.
	Machine string

	// Wait blocks until the unit reaches a terminal sub-state.
	Wait bool

	// RemainAfterExit keeps the unit loaded after the command finishes;
	// Run then returns a live proxy for it.
	RemainAfterExit bool

	// PTY requests a pseudo-terminal. The unit's standard streams route
	// through its follower path, and supplied Stdin/Stdout handles are
	// forwarded through the master. Requesting a terminal suppresses
	// descriptor routing even when descriptors were also supplied.
	PTY bool

	// PTYMaster and PTYPath attach an externally acquired terminal
	// instead of allocating one. Ignored when PTY is set.
	PTYMaster any
	PTYPath   string

	// Stdin, Stdout and Stderr are stream handles: nil (absent), a
	// descriptor number, or a value with an Fd method.
	Stdin  any
	Stdout any
	Stderr any

	// PollInterval bounds each readiness round. A non-zero value also
	// arms the zero-MainPID completion fallback for sessions where
	// signal delivery is unreliable.
	PollInterval time.Duration

	// Test seams; production callers leave these nil.
	Factory     bus.Factory
	NewNotifier func() (bus.Notifier, error)
	OpenPTY     PTYOpener
}

// DefaultOptions targets the per-user manager for non-root callers,
// which also arms the bounded poll interval: per-user sessions are
// exactly where completion signals are least reliable.
func DefaultOptions() Options {
	o := Options{UserMode: os.Getuid() != 0}
	if o.UserMode {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}
