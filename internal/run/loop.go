package run

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/floppym/pystemd/internal/bus"
)

// Sub-states that mean the unit will not run any further.
var exitSubStates = map[string]bool{
	"exited": true,
	"failed": true,
	"dead":   true,
}

// loopIO is the forwarding wiring for one readiness loop: caller stdin
// into the terminal master, master output to caller stdout.
type loopIO struct {
	stdin, master, stdout int
	forwardIn, forwardOut bool
}

// waitForExit forwards streams and watches the unit until a property
// change reports a terminal sub-state. Each round is bounded so the
// notifier queue is pumped even while the streams are idle. A non-zero
// pollInterval additionally arms the idle fallback: on a round where
// nothing was ready and no notification arrived, a gone main process
// means the unit is treated as finished. The fallback stays armed across
// rounds; a dropped exit signal after earlier notifications is exactly
// the case it covers.
func waitForExit(t bus.Transport, notifier bus.Notifier, path dbus.ObjectPath, io loopIO, pollInterval time.Duration) error {
	fallback := pollInterval > 0
	timeout := pollInterval
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	buf := make([]byte, 1024)
	for {
		var pfds []unix.PollFd
		idxIn, idxOut := -1, -1
		if io.forwardIn {
			idxIn = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(io.stdin), Events: unix.POLLIN})
		}
		if io.forwardOut {
			idxOut = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(io.master), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pfds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		if idxIn >= 0 && pfds[idxIn].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			r, rerr := unix.Read(io.stdin, buf)
			if rerr != nil || r == 0 {
				io.forwardIn = false
			} else if werr := writeAll(io.master, buf[:r]); werr != nil {
				log.Debug().Err(werr).Msg("stdin forwarding stopped")
				io.forwardIn = false
			}
		}
		if idxOut >= 0 && pfds[idxOut].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			r, rerr := unix.Read(io.master, buf)
			if rerr != nil || r == 0 {
				// The master raises EIO once the follower side is gone;
				// completion still comes from the unit watch.
				io.forwardOut = false
			} else if werr := writeAll(io.stdout, buf[:r]); werr != nil {
				log.Debug().Err(werr).Msg("stdout forwarding stopped")
				io.forwardOut = false
			}
		}

		ev, pumped := notifier.Next()
		if pumped && ev.Path == path && exitSubState(ev) {
			return nil
		}

		if fallback && n == 0 && !pumped && mainPID(t, path) == 0 {
			log.Debug().Str("path", string(path)).Msg("no main process left, treating unit as finished")
			return nil
		}
	}
}

func exitSubState(ev bus.PropertyChange) bool {
	v, ok := ev.Changed["SubState"]
	if !ok {
		return false
	}
	s, ok := v.Value().(string)
	return ok && exitSubStates[s]
}

// mainPID reads the service's main process id. Read failures count as
// zero: a unit the manager no longer answers for has no process either.
func mainPID(t bus.Transport, path dbus.ObjectPath) uint32 {
	v, err := t.Property(managerDest, path, serviceIface, "MainPID", dbus.Signature{})
	if err != nil {
		return 0
	}
	pid, _ := v.(uint32)
	return pid
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
