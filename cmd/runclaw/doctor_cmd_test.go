package main

import (
	"runtime"
	"strings"
	"testing"
)

func TestParseDoctorOptions(t *testing.T) {
	opts, showHelp, err := parseDoctorOptions([]string{"--json", "--verbose"})
	if err != nil || showHelp {
		t.Fatalf("err = %v, showHelp = %v", err, showHelp)
	}
	if !opts.JSON || !opts.Verbose || opts.Fix {
		t.Errorf("opts = %+v", opts)
	}

	if _, _, err := parseDoctorOptions([]string{"--bogus"}); err == nil {
		t.Error("expected error for unknown option")
	}

	_, showHelp, err = parseDoctorOptions([]string{"help"})
	if err != nil || !showHelp {
		t.Errorf("help: err = %v, showHelp = %v", err, showHelp)
	}
}

func TestCheckShellFindsDefaultShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}
	c := checkShell("")
	if c.Status != doctorOK {
		t.Errorf("check = %+v, want ok", c)
	}
}

func TestCheckShellMissingBinary(t *testing.T) {
	c := checkShell("runclaw-no-such-shell")
	if c.Status != doctorErr {
		t.Errorf("check = %+v, want error", c)
	}
	if !strings.Contains(c.Message, "not found") {
		t.Errorf("message = %q", c.Message)
	}
}

func TestFirstNonEmptyLine(t *testing.T) {
	if got := firstNonEmptyLine("\n\n  hello\nworld\n"); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := firstNonEmptyLine("\n  \n"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestTruncateOneLine(t *testing.T) {
	if got := truncateOneLine("a\r\nb", 50); got != "a  b" {
		t.Errorf("got %q", got)
	}
	got := truncateOneLine(strings.Repeat("z", 100), 10)
	if got != strings.Repeat("z", 10)+"…" {
		t.Errorf("got %q", got)
	}
}
