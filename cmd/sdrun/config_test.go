package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseArgsFlags(t *testing.T) {
	c, err := parseArgs([]string{
		"--unit", "demo.service",
		"--uid", "nobody",
		"--nice", "-5",
		"--runtime-max-sec", "30",
		"--setenv", "A=1",
		"--property", "CPUShares=512",
		"--property", "SendSIGHUP=true",
		"--property", "SyslogIdentifier=demo",
		"--system",
		"--wait",
		"/bin/sleep", "10",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	o := c.opts
	if o.Name != "demo.service" || o.User != "nobody" {
		t.Fatalf("name/user = %q/%q", o.Name, o.User)
	}
	if o.Nice == nil || *o.Nice != -5 {
		t.Fatalf("nice = %v", o.Nice)
	}
	if o.RuntimeMaxSec != 30 {
		t.Fatalf("runtime max = %d", o.RuntimeMaxSec)
	}
	if o.UserMode {
		t.Fatal("--system left user mode on")
	}
	if !o.Wait {
		t.Fatal("--wait not applied")
	}
	if o.Env["A"] != "1" {
		t.Fatalf("env = %v", o.Env)
	}
	if v, ok := o.Extra["CPUShares"].(uint64); !ok || v != 512 {
		t.Fatalf("CPUShares = %#v, want uint64", o.Extra["CPUShares"])
	}
	if v, ok := o.Extra["SendSIGHUP"].(bool); !ok || !v {
		t.Fatalf("SendSIGHUP = %#v, want bool", o.Extra["SendSIGHUP"])
	}
	if v, ok := o.Extra["SyslogIdentifier"].(string); !ok || v != "demo" {
		t.Fatalf("SyslogIdentifier = %#v, want string", o.Extra["SyslogIdentifier"])
	}
	if len(o.Cmd) != 2 || o.Cmd[0] != "/bin/sleep" {
		t.Fatalf("cmd = %v", o.Cmd)
	}
}

func TestParseArgsUnchangedNiceStaysUnset(t *testing.T) {
	c, err := parseArgs([]string{"/bin/true"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if c.opts.Nice != nil {
		t.Fatalf("nice = %v, want unset", c.opts.Nice)
	}
}

func TestParseArgsTerminalImpliesWait(t *testing.T) {
	c, err := parseArgs([]string{"-t", "/bin/sh"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !c.opts.PTY || !c.opts.Wait {
		t.Fatal("-t did not request a terminal with waiting")
	}
	if c.opts.Stdin != os.Stdin || c.opts.Stdout != os.Stdout {
		t.Fatal("-t did not attach the process streams")
	}
	if c.opts.Stderr != nil {
		t.Fatal("-t attached stderr; the terminal carries it")
	}
}

func TestParseArgsRejections(t *testing.T) {
	if _, err := parseArgs([]string{"--system", "--user", "/bin/true"}); err == nil {
		t.Fatal("conflicting bus flags accepted")
	}
	if _, err := parseArgs([]string{"--wait"}); err == nil {
		t.Fatal("missing command accepted")
	}
	if _, err := parseArgs([]string{"--setenv", "novalue", "/bin/true"}); err == nil {
		t.Fatal("malformed assignment accepted")
	}
}

func TestParseArgsStopsAtCommand(t *testing.T) {
	c, err := parseArgs([]string{"--wait", "/bin/ls", "--color=auto", "-l"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if len(c.opts.Cmd) != 3 || c.opts.Cmd[1] != "--color=auto" {
		t.Fatalf("cmd = %v, want the command's own flags kept", c.opts.Cmd)
	}
}

func TestApplyFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdrun.toml")
	doc := `
user_mode = true
poll_interval = "250ms"
nice = 3

[env]
LANG = "C"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := parseArgs([]string{"--config", path, "/bin/true"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	o := c.opts
	if !o.UserMode {
		t.Fatal("user_mode not applied")
	}
	if o.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", o.PollInterval)
	}
	if o.Nice == nil || *o.Nice != 3 {
		t.Fatalf("nice = %v", o.Nice)
	}
	if o.Env["LANG"] != "C" {
		t.Fatalf("env = %v", o.Env)
	}
}

func TestApplyFileFlagWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdrun.toml")
	if err := os.WriteFile(path, []byte("nice = 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := parseArgs([]string{"--config", path, "--nice", "7", "/bin/true"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if c.opts.Nice == nil || *c.opts.Nice != 7 {
		t.Fatalf("nice = %v, want the flag to win", c.opts.Nice)
	}
}
