package main

import (
	"reflect"
	"testing"

	"github.com/sipeed/runclaw/pkg/models"
)

func TestParseRunArgsDefaults(t *testing.T) {
	opts, rest, showHelp, err := parseRunArgs([]string{"echo", "hi"})
	if err != nil {
		t.Fatalf("parseRunArgs: %v", err)
	}
	if showHelp {
		t.Fatal("unexpected help request")
	}
	if !reflect.DeepEqual(rest, []string{"echo", "hi"}) {
		t.Errorf("rest = %v", rest)
	}
	if opts.timeoutSeconds != -1 {
		t.Errorf("timeoutSeconds = %d, want -1 (configured default)", opts.timeoutSeconds)
	}
	if opts.yes || opts.quiet || opts.jsonOut {
		t.Errorf("unexpected flags set: %+v", opts)
	}
}

func TestParseRunArgsFlags(t *testing.T) {
	args := []string{
		"--dir", "/tmp", "--timeout", "30", "--shell", "/bin/bash",
		"-e", "A=1", "--env", "B=2", "--yes", "--quiet", "--json",
		"echo", "hi",
	}
	opts, rest, _, err := parseRunArgs(args)
	if err != nil {
		t.Fatalf("parseRunArgs: %v", err)
	}
	if opts.dir != "/tmp" || opts.timeoutSeconds != 30 || opts.shell != "/bin/bash" {
		t.Errorf("opts = %+v", opts)
	}
	if !opts.yes || !opts.quiet || !opts.jsonOut {
		t.Errorf("boolean flags not set: %+v", opts)
	}
	want := map[string]string{"A": "1", "B": "2"}
	if !reflect.DeepEqual(opts.env, want) {
		t.Errorf("env = %v, want %v", opts.env, want)
	}
	if !reflect.DeepEqual(rest, []string{"echo", "hi"}) {
		t.Errorf("rest = %v", rest)
	}
}

func TestParseRunArgsCommandFlagsPassThrough(t *testing.T) {
	_, rest, _, err := parseRunArgs([]string{"grep", "-r", "--include=*.go", "TODO"})
	if err != nil {
		t.Fatalf("parseRunArgs: %v", err)
	}
	want := []string{"grep", "-r", "--include=*.go", "TODO"}
	if !reflect.DeepEqual(rest, want) {
		t.Errorf("rest = %v, want %v", rest, want)
	}
}

func TestParseRunArgsDoubleDash(t *testing.T) {
	opts, rest, _, err := parseRunArgs([]string{"--yes", "--", "--timeout", "hi"})
	if err != nil {
		t.Fatalf("parseRunArgs: %v", err)
	}
	if !opts.yes {
		t.Error("--yes not picked up before the separator")
	}
	if opts.timeoutSeconds != -1 {
		t.Error("--timeout after -- must not be treated as a flag")
	}
	want := []string{"--timeout", "hi"}
	if !reflect.DeepEqual(rest, want) {
		t.Errorf("rest = %v, want %v", rest, want)
	}
}

func TestParseRunArgsErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--frobnicate", "echo"}},
		{"timeout not a number", []string{"--timeout", "abc", "echo"}},
		{"timeout negative", []string{"--timeout", "-5", "echo"}},
		{"env missing value", []string{"--env", "NOVALUE", "echo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, _, err := parseRunArgs(tc.args); err == nil {
				t.Errorf("parseRunArgs(%v) succeeded, want error", tc.args)
			}
		})
	}
}

func TestParseRunArgsHelp(t *testing.T) {
	_, _, showHelp, err := parseRunArgs([]string{"--help"})
	if err != nil || !showHelp {
		t.Errorf("showHelp = %v, err = %v", showHelp, err)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	key, value, err := parseEnvAssignment("PATH=/usr/bin:/bin")
	if err != nil {
		t.Fatalf("parseEnvAssignment: %v", err)
	}
	if key != "PATH" || value != "/usr/bin:/bin" {
		t.Errorf("got %q=%q", key, value)
	}

	key, value, err = parseEnvAssignment("A=b=c")
	if err != nil {
		t.Fatalf("parseEnvAssignment: %v", err)
	}
	if key != "A" || value != "b=c" {
		t.Errorf("got %q=%q, value may itself contain =", key, value)
	}

	if _, _, err := parseEnvAssignment("NOEQUALS"); err == nil {
		t.Error("expected error without =")
	}
	if _, _, err := parseEnvAssignment("=value"); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		res  models.Result
		want int
	}{
		{"success", models.Result{ExitCode: 0}, 0},
		{"failure passes through", models.Result{ExitCode: 3}, 3},
		{"timeout", models.Result{ExitCode: -1, TimedOut: true}, exitTimedOut},
		{"killed", models.Result{ExitCode: -1, Killed: true}, exitKilled},
		{"no exit code", models.Result{ExitCode: -1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(&tc.res); got != tc.want {
				t.Errorf("exitCodeFor(%+v) = %d, want %d", tc.res, got, tc.want)
			}
		})
	}
}
