package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/sipeed/runclaw/pkg/audit"
	"github.com/sipeed/runclaw/pkg/danger"
	"github.com/sipeed/runclaw/pkg/executor"
	"github.com/sipeed/runclaw/pkg/gate"
	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/models"
)

type runOptions struct {
	dir            string
	timeoutSeconds int // -1 means use the configured default
	shell          string
	env            map[string]string
	yes            bool
	quiet          bool
	jsonOut        bool
}

// parseRunArgs splits flags from the command line to run. Flags stop
// at the first non-flag token (or at --), so the command's own flags
// pass through untouched.
func parseRunArgs(args []string) (runOptions, []string, bool, error) {
	opts := runOptions{timeoutSeconds: -1}
	var rest []string

	for i := 0; i < len(args); i++ {
		if len(rest) > 0 {
			rest = append(rest, args[i])
			continue
		}
		switch args[i] {
		case "--dir", "-C":
			if i+1 < len(args) {
				opts.dir = args[i+1]
				i++
			}
		case "--timeout", "-t":
			if i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil || n < 0 {
					return opts, nil, false, fmt.Errorf("invalid --timeout %q", args[i+1])
				}
				opts.timeoutSeconds = n
				i++
			}
		case "--shell":
			if i+1 < len(args) {
				opts.shell = args[i+1]
				i++
			}
		case "--env", "-e":
			if i+1 < len(args) {
				key, value, err := parseEnvAssignment(args[i+1])
				if err != nil {
					return opts, nil, false, err
				}
				if opts.env == nil {
					opts.env = map[string]string{}
				}
				opts.env[key] = value
				i++
			}
		case "--yes", "-y":
			opts.yes = true
		case "--quiet", "-q":
			opts.quiet = true
		case "--json":
			opts.jsonOut = true
		case "--debug", "-d":
			logger.SetLevel(logger.DEBUG)
		case "--help", "-h", "help":
			return opts, nil, true, nil
		case "--":
			rest = append(rest, args[i+1:]...)
			i = len(args)
		default:
			if strings.HasPrefix(args[i], "-") {
				return opts, nil, false, fmt.Errorf("unknown option: %s", args[i])
			}
			rest = append(rest, args[i])
		}
	}
	return opts, rest, false, nil
}

func parseEnvAssignment(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid --env %q, want KEY=VALUE", s)
	}
	return key, value, nil
}

func runCmd() {
	opts, rest, showHelp, err := parseRunArgs(os.Args[2:])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitUsage)
	}
	if showHelp {
		runHelp()
		return
	}
	line := strings.Join(rest, " ")
	if strings.TrimSpace(line) == "" {
		fmt.Println("Error: no command given")
		runHelp()
		os.Exit(exitUsage)
	}

	cfg := mustConfig()
	applyConfig(cfg)

	sink := openAuditSink(cfg)
	defer sink.Close()
	store := openHistoryStore(cfg)
	if store != nil {
		defer store.Close()
	}

	exec := executor.New(cfg.Shell)
	defer exec.Close()
	g := gate.New(sink)

	dir := opts.dir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}

	decision := g.Submit(line, dir, models.InitiatorUser, "")
	rec := decision.Command
	if !decision.Cleared() {
		if !opts.yes && !promptApproval(line, decision.Rule) {
			rejected, rerr := g.Reject(rec.ID)
			if rerr == nil {
				rec = rejected
			}
			recordRun(store, rec, nil)
			fmt.Printf("%s Rejected\n", statusIcon(models.StatusCancelled))
			os.Exit(1)
		}
		approved, aerr := g.Approve(rec.ID)
		if aerr != nil {
			fmt.Printf("Error approving command: %v\n", aerr)
			os.Exit(1)
		}
		rec = approved
	}

	timeout := cfg.Timeout()
	if opts.timeoutSeconds >= 0 {
		timeout = time.Duration(opts.timeoutSeconds) * time.Second
	}

	stream, err := exec.RunStreaming(context.Background(), rec, executor.Options{
		Env:     opts.env,
		Shell:   opts.shell,
		Timeout: timeout,
	})
	if err != nil {
		recordRun(store, rec, nil)
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	_ = sink.Write(audit.CommandEntry(audit.EventStarted, rec))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		exec.Kill(rec.ID)
	}()

	for chunk := range stream.Chunks() {
		if opts.quiet {
			continue
		}
		if chunk.Source == models.StreamStderr {
			fmt.Fprint(os.Stderr, chunk.Data)
		} else {
			fmt.Print(chunk.Data)
		}
	}

	res, err := stream.Wait()
	signal.Stop(sigCh)
	if err != nil {
		recordRun(store, rec, nil)
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	_ = sink.Write(audit.ResultEntry(rec, res))
	recordRun(store, rec, res)

	if opts.jsonOut {
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
	} else if !opts.quiet {
		printRunSummary(res)
	}
	os.Exit(exitCodeFor(res))
}

func runHelp() {
	fmt.Printf("Usage: %s run [options] [--] <command...>\n", cliName)
	fmt.Println()
	fmt.Println("Runs a shell command through the danger gate, streaming output live.")
	fmt.Println("Flags must come before the command; use -- to separate when in doubt.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --dir, -C <path>     Working directory (default: current)")
	fmt.Println("  --timeout, -t <sec>  Kill the command after this many seconds")
	fmt.Println("  --shell <path>       Shell binary to use")
	fmt.Println("  --env, -e KEY=VALUE  Extra environment (repeatable)")
	fmt.Println("  --yes, -y            Approve dangerous commands without prompting")
	fmt.Println("  --quiet, -q          Suppress live output")
	fmt.Println("  --json               Print the result as JSON")
	fmt.Println("  --debug, -d          Verbose logging")
	fmt.Println()
	fmt.Println("Exit status: the command's own exit code; 124 on timeout, 130 when killed.")
}

// promptApproval explains the matched rule and asks before running.
// Only an explicit yes approves; EOF and interrupts reject.
func promptApproval(line string, rule *danger.Rule) bool {
	fmt.Println()
	fmt.Printf("%s Dangerous command detected\n", warnStyle.Render("!"))
	fmt.Printf("  %s %s\n", labelStyle.Render("Command:"), line)
	fmt.Printf("  %s    %s\n", labelStyle.Render("Rule:"), accentStyle.Render(rule.Name))
	if rule.Description != "" {
		fmt.Printf("  %s  %s\n", labelStyle.Render("Reason:"), mutedStyle.Render(rule.Description))
	}
	fmt.Println()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "Run it anyway? [y/N]: ",
		InterruptPrompt: "^C",
		EOFPrompt:       "n",
	})
	if err != nil {
		return promptApprovalFallback()
	}
	defer rl.Close()

	for {
		answer, err := rl.Readline()
		if err != nil {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		case "", "n", "no":
			return false
		}
		fmt.Println("Please answer y or n.")
	}
}

func promptApprovalFallback() bool {
	fmt.Print("Run it anyway? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// printRunSummary reports abnormal endings on stderr so scripts keep a
// clean stdout. A zero exit prints nothing.
func printRunSummary(res *models.Result) {
	switch {
	case res.TimedOut:
		fmt.Fprintf(os.Stderr, "%s Timed out after %s\n",
			statusIcon(models.StatusTimeout), formatDuration(res.DurationMs))
	case res.Killed:
		fmt.Fprintf(os.Stderr, "%s Killed after %s\n",
			statusIcon(models.StatusCancelled), formatDuration(res.DurationMs))
	case res.ExitCode != 0:
		fmt.Fprintf(os.Stderr, "%s Exit %d\n",
			statusIcon(models.StatusFailed), res.ExitCode)
	}
}

func exitCodeFor(res *models.Result) int {
	switch {
	case res.TimedOut:
		return exitTimedOut
	case res.Killed:
		return exitKilled
	case res.ExitCode >= 0:
		return res.ExitCode
	default:
		return 1
	}
}
