package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/floppym/pystemd/internal/run"
)

type cli struct {
	opts  run.Options
	quiet bool
}

// parseArgs builds the execution request from defaults, an optional TOML
// defaults file, and flags, in that order of precedence. Everything
// after the first positional argument belongs to the command.
func parseArgs(args []string) (cli, error) {
	c := cli{opts: run.DefaultOptions()}

	fs := pflag.NewFlagSet("sdrun", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	configPath := fs.String("config", "", "TOML defaults file")
	unit := fs.String("unit", "", "unit name (generated when empty)")
	uid := fs.String("uid", "", "run the command as this user")
	nice := fs.Int("nice", 0, "scheduling priority adjustment")
	runtimeMax := fs.Uint64("runtime-max-sec", 0, "kill the unit after this many seconds")
	setenv := fs.StringArray("setenv", nil, "environment assignment KEY=VALUE")
	properties := fs.StringArrayP("property", "p", nil, "extra unit property NAME=VALUE")
	workdir := fs.String("working-directory", "", "working directory for the command")
	machine := fs.String("machine", "", "allocate the terminal inside this container")
	system := fs.Bool("system", false, "talk to the system service manager")
	user := fs.Bool("user", false, "talk to the per-user service manager")
	wait := fs.Bool("wait", false, "block until the unit finishes")
	remain := fs.Bool("remain-after-exit", false, "keep the unit loaded after the command exits")
	pty := fs.BoolP("pty", "t", false, "run on a pseudo-terminal attached to this terminal")
	pipe := fs.BoolP("pipe", "P", false, "connect the command to this process's streams")
	quiet := fs.BoolP("quiet", "q", false, "only report problems")

	if err := fs.Parse(args); err != nil {
		return cli{}, err
	}

	if *configPath != "" {
		if err := applyFile(&c.opts, *configPath); err != nil {
			return cli{}, err
		}
	}

	c.opts.Name = *unit
	c.opts.User = *uid
	c.opts.RuntimeMaxSec = *runtimeMax
	c.opts.WorkingDirectory = *workdir
	c.opts.Machine = *machine
	c.opts.Wait = *wait
	c.opts.RemainAfterExit = *remain
	c.quiet = *quiet

	if fs.Changed("nice") {
		n := *nice
		c.opts.Nice = &n
	}
	switch {
	case *system && *user:
		return cli{}, errors.New("--system and --user are mutually exclusive")
	case *system:
		c.opts.UserMode = false
	case *user:
		c.opts.UserMode = true
	}

	for _, kv := range *setenv {
		k, v, err := splitAssignment(kv)
		if err != nil {
			return cli{}, fmt.Errorf("--setenv: %w", err)
		}
		if c.opts.Env == nil {
			c.opts.Env = make(map[string]string)
		}
		c.opts.Env[k] = v
	}
	for _, kv := range *properties {
		k, raw, err := splitAssignment(kv)
		if err != nil {
			return cli{}, fmt.Errorf("--property: %w", err)
		}
		if c.opts.Extra == nil {
			c.opts.Extra = make(map[string]any)
		}
		c.opts.Extra[k] = coerceProperty(raw)
	}

	if *pty {
		c.opts.PTY = true
		c.opts.Wait = true
		c.opts.Stdin = os.Stdin
		c.opts.Stdout = os.Stdout
	}
	if *pipe {
		c.opts.Wait = true
		c.opts.Stdin = os.Stdin
		c.opts.Stdout = os.Stdout
		c.opts.Stderr = os.Stderr
	}

	c.opts.Cmd = fs.Args()
	if len(c.opts.Cmd) == 0 {
		return cli{}, errors.New("no command given")
	}
	return c, nil
}

type fileConfig struct {
	UserMode     bool              `toml:"user_mode"`
	PollInterval string            `toml:"poll_interval"`
	Nice         int               `toml:"nice"`
	Env          map[string]string `toml:"env"`
}

func applyFile(opts *run.Options, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load defaults file: %w", err)
	}

	if meta.IsDefined("user_mode") {
		opts.UserMode = raw.UserMode
	}
	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return fmt.Errorf("parse poll_interval: %w", err)
		}
		opts.PollInterval = d
	}
	if meta.IsDefined("nice") {
		n := raw.Nice
		opts.Nice = &n
	}
	if meta.IsDefined("env") {
		if opts.Env == nil {
			opts.Env = make(map[string]string, len(raw.Env))
		}
		for k, v := range raw.Env {
			opts.Env[k] = v
		}
	}
	return nil
}

func splitAssignment(kv string) (string, string, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("%q is not KEY=VALUE", kv)
	}
	return k, v, nil
}

// coerceProperty maps flag text onto the property types the manager most
// commonly takes: booleans, unsigned numbers, else plain strings.
func coerceProperty(raw string) any {
	switch raw {
	case "true", "false":
		return raw == "true"
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return n
	}
	return raw
}
