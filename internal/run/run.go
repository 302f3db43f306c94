package run

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/floppym/pystemd/internal/bus"
	"github.com/floppym/pystemd/internal/proxy"
)

// Run executes opts.Cmd as a transient unit under the service manager.
// With Wait set it blocks until the unit reaches a terminal sub-state,
// forwarding caller streams through the terminal master in the meantime.
// With RemainAfterExit set it returns a loaded proxy for the surviving
// unit; otherwise the returned proxy is nil.
func Run(opts Options) (unit *proxy.Object, err error) {
	if len(opts.Cmd) == 0 {
		return nil, errors.New("run: empty command")
	}
	if !strings.HasPrefix(opts.Cmd[0], "/") {
		return nil, fmt.Errorf("run: command path %q is not absolute", opts.Cmd[0])
	}

	fds, err := resolveStreams(opts)
	if err != nil {
		return nil, err
	}

	var cleanup CleanupStack
	defer func() {
		cerr := cleanup.Run()
		if err == nil {
			err = cerr
		} else if cerr != nil {
			log.Warn().Err(cerr).Msg("cleanup after failed run")
		}
	}()

	factory := opts.Factory
	if factory == nil {
		factory = bus.NewFactory(opts.UserMode)
	}
	conn, err := factory()
	if err != nil {
		return nil, err
	}
	cleanup.Push(conn.Close)

	masterFd := -1
	ptyPath := ""
	switch {
	case opts.PTY:
		var master *os.File
		if opts.Machine != "" {
			master, ptyPath, err = openMachinePTY(conn, opts.Machine)
			if err != nil {
				return nil, err
			}
			cleanup.Push(master.Close)
		} else {
			open := opts.OpenPTY
			if open == nil {
				open = openLocalPTY
			}
			var follower *os.File
			master, follower, ptyPath, err = open()
			if err != nil {
				return nil, err
			}
			cleanup.Push(master.Close)
			if follower != nil {
				cleanup.Push(follower.Close)
			}
		}
		masterFd = int(master.Fd())
	case opts.PTYPath != "":
		ptyPath = opts.PTYPath
		fd, ok, ferr := resolveFd(opts.PTYMaster)
		if ferr != nil {
			return nil, ferr
		}
		if ok {
			masterFd = fd
		}
	}

	name := unitName(opts.Name)
	path := unitPath(name)

	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	if ptyPath != "" {
		if _, ok := env["TERM"]; !ok {
			if t := os.Getenv("TERM"); t != "" {
				env["TERM"] = t
			}
		}
	}

	props := toProperties(buildBag(opts, name, ptyPath, fds, env))
	log.Debug().Str("unit", name).Str("path", string(path)).
		Int("properties", len(props)).Msg("submitting transient unit")

	var notifier bus.Notifier
	if opts.Wait {
		newNotifier := opts.NewNotifier
		if newNotifier == nil {
			newNotifier = func() (bus.Notifier, error) { return bus.NewMonitor(opts.UserMode) }
		}
		notifier, err = newNotifier()
		if err != nil {
			return nil, err
		}
		cleanup.Push(notifier.Close)
		// Subscribe before submission so a unit that exits immediately
		// cannot finish in the gap.
		if err := notifier.Watch(path); err != nil {
			return nil, err
		}
	}

	manager := proxy.New(managerDest, managerPath,
		proxy.WithTransport(conn),
		proxy.WithOverride(managerIface, "StartTransientUnit", startTransient(conn)))
	if err := manager.Load(false); err != nil {
		return nil, err
	}
	mgr, err := manager.Interface("Manager")
	if err != nil {
		return nil, err
	}
	if _, err := mgr.Call("StartTransientUnit", name, startMode, props); err != nil {
		if bus.IsErrorName(err, unitExistsError) {
			return nil, fmt.Errorf("%w: %s", ErrUnitConflict, name)
		}
		return nil, err
	}

	if opts.Wait {
		io := loopIO{stdin: fds.stdin, master: masterFd, stdout: fds.stdout}
		io.forwardIn = fds.stdinOK && masterFd >= 0
		io.forwardOut = fds.stdoutOK && masterFd >= 0
		if io.forwardIn && term.IsTerminal(fds.stdin) {
			if err := setRaw(fds.stdin, &cleanup); err != nil {
				return nil, err
			}
		}
		if io.forwardOut {
			if werr := copyWinsize(fds.stdout, masterFd); werr != nil {
				log.Debug().Err(werr).Msg("window size not mirrored")
			}
		}
		if err := waitForExit(conn, notifier, path, io, opts.PollInterval); err != nil {
			return nil, err
		}
	}

	if opts.RemainAfterExit {
		unit = proxy.New(managerDest, path, proxy.WithFactory(factory))
		if err := unit.Load(true); err != nil {
			return nil, err
		}
		return unit, nil
	}
	return nil, nil
}

// startTransient is the native replacement for the manager's
// StartTransientUnit, which takes property structs the generic call path
// cannot pack. It forwards the caller's (name, mode, properties) and
// supplies the empty auxiliary-unit list.
func startTransient(t bus.Transport) proxy.Override {
	return func(iface string, args ...any) ([]any, error) {
		args = append(args, []auxUnit{})
		return t.Call(managerDest, managerPath, iface, "StartTransientUnit", args...)
	}
}
