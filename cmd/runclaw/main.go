// RunClaw - Gated shell command runner
// License: MIT
//
// Copyright (c) 2026 RunClaw contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sipeed/runclaw/pkg/audit"
	"github.com/sipeed/runclaw/pkg/config"
	"github.com/sipeed/runclaw/pkg/danger"
	"github.com/sipeed/runclaw/pkg/history"
	"github.com/sipeed/runclaw/pkg/logger"
	"github.com/sipeed/runclaw/pkg/models"
)

var (
	version   = "dev"
	buildTime string
	goVersion string
)

const logo = "🐚"
const displayName = "runClaw"
const cliName = "runclaw"

// Exit codes for run: the command's own code on a normal exit,
// otherwise the timeout(1) and interrupted-shell conventions.
const (
	exitUsage    = 2
	exitTimedOut = 124
	exitKilled   = 130
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		runCmd()
	case "check":
		checkCmd()
	case "rules":
		rulesCmd()
	case "history":
		historyCmd()
	case "serve":
		serveCmd()
	case "doctor":
		doctorCmd()
	case "config":
		configCmd()
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s %s - Gated shell command runner v%s\n\n", logo, displayName, version)
	fmt.Printf("Usage: %s <command>\n", cliName)
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run         Run a shell command through the danger gate")
	fmt.Println("  check       Classify a command without running it")
	fmt.Println("  rules       List effective danger rules")
	fmt.Println("  history     Inspect recorded runs (list, show, search, export, prune)")
	fmt.Println("  serve       Start the WebSocket automation endpoint")
	fmt.Println("  doctor      Check deployment health and dependencies")
	fmt.Println("  config      Manage configuration (show, init, path)")
	fmt.Println("  version     Show version information")
	fmt.Println()
	fmt.Println("Run flags:")
	fmt.Println("  --dir <path>      Working directory for the command")
	fmt.Println("  --timeout <sec>   Kill the command after this many seconds")
	fmt.Println("  --env KEY=VALUE   Extra environment (repeatable)")
	fmt.Println("  --yes             Approve dangerous commands without prompting")
	fmt.Println("  --json            Print the result as JSON")
}

func printVersion() {
	fmt.Printf("%s %s v%s\n", logo, displayName, version)
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func getConfigPath() string {
	return config.GetConfigPath()
}

// mustConfig loads the config, treating a missing file as defaults.
// Anything else wrong with it is fatal.
func mustConfig() *config.Config {
	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyConfig wires the global state every command shares: log level
// and custom danger rules. A configured rules file that does not load
// is fatal rather than silently weakening the gate.
func applyConfig(cfg *config.Config) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	if cfg.Rules.Path == "" {
		return
	}
	rules, err := danger.LoadRulesFile(cfg.Rules.Path)
	if err != nil {
		fmt.Printf("Error loading custom rules: %v\n", err)
		os.Exit(1)
	}
	if err := danger.Extend(rules); err != nil {
		fmt.Printf("Error loading custom rules: %v\n", err)
		os.Exit(1)
	}
}

func openAuditSink(cfg *config.Config) audit.Sink {
	if !cfg.Audit.Enabled {
		return audit.NopSink{}
	}
	sink, err := audit.NewJSONLSink(cfg.Audit.Path)
	if err != nil {
		fmt.Printf("Warning: audit log unavailable: %v\n", err)
		return audit.NopSink{}
	}
	return sink
}

// openHistoryStore returns nil when history is disabled or broken;
// runs still work, they just go unrecorded.
func openHistoryStore(cfg *config.Config) *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		fmt.Printf("Warning: history unavailable: %v\n", err)
		return nil
	}
	return store
}

func recordRun(store *history.Store, rec *models.Command, res *models.Result) {
	if store == nil {
		return
	}
	if err := store.Record(rec, res); err != nil {
		logger.WarnCF("cli", "History write failed", map[string]interface{}{
			"id":    rec.ID,
			"error": err.Error(),
		})
	}
}
