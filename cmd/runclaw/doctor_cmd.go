package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sipeed/runclaw/pkg/audit"
	"github.com/sipeed/runclaw/pkg/config"
	"github.com/sipeed/runclaw/pkg/danger"
	"github.com/sipeed/runclaw/pkg/history"
)

type doctorOptions struct {
	JSON    bool
	Fix     bool
	Verbose bool
}

type doctorCheckStatus string

const (
	doctorOK   doctorCheckStatus = "ok"
	doctorWarn doctorCheckStatus = "warn"
	doctorErr  doctorCheckStatus = "error"
	doctorSkip doctorCheckStatus = "skip"
)

type doctorCheck struct {
	Name    string            `json:"name"`
	Status  doctorCheckStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

type doctorReport struct {
	CLI       string        `json:"cli"`
	Version   string        `json:"version"`
	OS        string        `json:"os"`
	Arch      string        `json:"arch"`
	Timestamp string        `json:"timestamp"`
	Checks    []doctorCheck `json:"checks"`
}

func doctorCmd() {
	opts, showHelp, err := parseDoctorOptions(os.Args[2:])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		doctorHelp()
		os.Exit(exitUsage)
	}
	if showHelp {
		doctorHelp()
		return
	}

	rep := runDoctor(opts)
	if opts.JSON {
		b, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(b))
	} else {
		printDoctorReport(rep)
	}

	// Exit non-zero if any hard error.
	for _, c := range rep.Checks {
		if c.Status == doctorErr {
			os.Exit(1)
		}
	}
}

func doctorHelp() {
	fmt.Println("\nDoctor:")
	fmt.Printf("  %s doctor checks your deployment: config, shell, danger rules, history store, audit log, serve address.\n", cliName)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --json        Machine-readable output")
	fmt.Println("  --fix         Apply safe fixes (write a default config when missing)")
	fmt.Println("  --verbose     Include extra details")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s doctor\n", cliName)
	fmt.Printf("  %s doctor --json\n", cliName)
}

func parseDoctorOptions(args []string) (doctorOptions, bool, error) {
	opts := doctorOptions{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			opts.JSON = true
		case "--fix":
			opts.Fix = true
		case "--verbose", "-v":
			opts.Verbose = true
		case "help", "--help", "-h":
			return opts, true, nil
		default:
			return opts, false, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return opts, false, nil
}

func runDoctor(opts doctorOptions) doctorReport {
	rep := doctorReport{
		CLI:       cliName,
		Version:   version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	add := func(c doctorCheck) {
		rep.Checks = append(rep.Checks, c)
	}

	// Config file
	configPath := getConfigPath()
	configExists := fileExists(configPath)
	if !configExists && opts.Fix {
		if err := config.SaveConfig(configPath, config.DefaultConfig()); err == nil {
			configExists = true
			add(doctorCheck{Name: "config", Status: doctorOK, Message: fmt.Sprintf("created: %s", configPath)})
		} else {
			add(doctorCheck{Name: "config", Status: doctorErr, Message: fmt.Sprintf("create failed: %v", err)})
		}
	} else if configExists {
		add(doctorCheck{Name: "config", Status: doctorOK, Message: configPath})
	} else {
		add(doctorCheck{
			Name:    "config",
			Status:  doctorWarn,
			Message: fmt.Sprintf("missing: %s (run: %s config init)", configPath, cliName),
		})
	}

	cfg, cfgErr := config.LoadOrDefault(configPath)
	if cfgErr != nil {
		add(doctorCheck{Name: "config.load", Status: doctorErr, Message: cfgErr.Error()})
		cfg = config.DefaultConfig()
	}

	// Shell
	add(checkShell(cfg.Shell))

	// Danger rules
	builtin := len(danger.Rules())
	add(doctorCheck{Name: "rules", Status: doctorOK, Message: fmt.Sprintf("%d builtin rules", builtin)})
	if cfg.Rules.Path != "" {
		custom, err := danger.LoadRulesFile(cfg.Rules.Path)
		if err != nil {
			add(doctorCheck{Name: "rules.custom", Status: doctorErr, Message: err.Error()})
		} else {
			c := doctorCheck{Name: "rules.custom", Status: doctorOK, Message: fmt.Sprintf("%d rules", len(custom))}
			if opts.Verbose {
				c.Data = map[string]string{"path": cfg.Rules.Path}
			}
			add(c)
		}
	} else {
		add(doctorCheck{Name: "rules.custom", Status: doctorSkip, Message: "not configured"})
	}

	// History store
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			add(doctorCheck{Name: "history", Status: doctorErr, Message: err.Error()})
		} else {
			n, countErr := store.Count()
			store.Close()
			if countErr != nil {
				add(doctorCheck{Name: "history", Status: doctorErr, Message: countErr.Error()})
			} else {
				c := doctorCheck{Name: "history", Status: doctorOK, Message: fmt.Sprintf("%d runs recorded", n)}
				if opts.Verbose {
					c.Data = map[string]string{"path": cfg.History.Path}
				}
				add(c)
			}
		}
	} else {
		add(doctorCheck{Name: "history", Status: doctorSkip, Message: "disabled"})
	}

	// Audit log
	if cfg.Audit.Enabled {
		sink, err := audit.NewJSONLSink(cfg.Audit.Path)
		if err != nil {
			add(doctorCheck{Name: "audit", Status: doctorErr, Message: err.Error()})
		} else {
			sink.Close()
			c := doctorCheck{Name: "audit", Status: doctorOK, Message: "writable"}
			if opts.Verbose {
				c.Data = map[string]string{"path": cfg.Audit.Path}
			}
			add(c)
		}
	} else {
		add(doctorCheck{Name: "audit", Status: doctorSkip, Message: "disabled"})
	}

	// Serve address
	if _, _, err := net.SplitHostPort(cfg.Serve.Addr); err != nil {
		add(doctorCheck{Name: "serve.addr", Status: doctorErr, Message: err.Error()})
	} else {
		add(doctorCheck{Name: "serve.addr", Status: doctorOK, Message: cfg.Serve.Addr})
	}

	sort.SliceStable(rep.Checks, func(i, j int) bool {
		return rep.Checks[i].Name < rep.Checks[j].Name
	})
	return rep
}

// checkShell verifies the configured shell resolves and can run a
// trivial command.
func checkShell(shell string) doctorCheck {
	name := "shell"
	if shell == "" {
		if runtime.GOOS == "windows" {
			shell = "powershell"
		} else {
			shell = "/bin/sh"
		}
	}

	p, err := exec.LookPath(shell)
	if err != nil {
		return doctorCheck{Name: name, Status: doctorErr, Message: fmt.Sprintf("%s not found in PATH", shell)}
	}
	c := doctorCheck{Name: name, Status: doctorOK, Message: p}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	args := []string{"-c", "exit 0"}
	if runtime.GOOS == "windows" {
		args = []string{"-NoProfile", "-Command", "exit 0"}
	}
	cmd := exec.CommandContext(ctx, p, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.Status = doctorWarn
			c.Message = fmt.Sprintf("%s (timeout)", p)
			return c
		}
		c.Status = doctorErr
		msg := firstNonEmptyLine(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		c.Message = fmt.Sprintf("%s: %s", p, truncateOneLine(msg, 220))
	}
	return c
}

func printDoctorReport(rep doctorReport) {
	fmt.Printf("%s %s Doctor\n\n", logo, displayName)
	fmt.Printf("Version: %s\n", rep.Version)
	fmt.Printf("OS/Arch: %s/%s\n", rep.OS, rep.Arch)
	fmt.Printf("Time: %s\n\n", rep.Timestamp)

	// Group by severity.
	for _, st := range []doctorCheckStatus{doctorErr, doctorWarn, doctorOK, doctorSkip} {
		title := map[doctorCheckStatus]string{doctorErr: "Errors", doctorWarn: "Warnings", doctorOK: "OK", doctorSkip: "Skipped"}[st]
		any := false
		for _, c := range rep.Checks {
			if c.Status != st {
				continue
			}
			if !any {
				fmt.Println(title + ":")
				any = true
			}
			mark := map[doctorCheckStatus]string{doctorErr: "✗", doctorWarn: "!", doctorOK: "✓", doctorSkip: "-"}[st]
			if c.Message != "" {
				fmt.Printf("  %s %s: %s\n", mark, c.Name, c.Message)
			} else {
				fmt.Printf("  %s %s\n", mark, c.Name)
			}
			if len(c.Data) > 0 {
				keys := make([]string, 0, len(c.Data))
				for k := range c.Data {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("    %s=%s\n", k, c.Data[k])
				}
			}
		}
		if any {
			fmt.Println()
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func truncateOneLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
