package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sipeed/runclaw/pkg/history"
)

func historyCmd() {
	if len(os.Args) < 3 {
		historyHelp()
		return
	}
	subcommand := os.Args[2]
	if subcommand == "--help" || subcommand == "-h" || subcommand == "help" {
		historyHelp()
		return
	}

	cfg := mustConfig()
	applyConfig(cfg)
	if !cfg.History.Enabled {
		fmt.Println("History is disabled in config.")
		os.Exit(1)
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		fmt.Printf("Error opening history: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch subcommand {
	case "list":
		historyListCmd(store, os.Args[3:])
	case "show":
		if len(os.Args) < 4 {
			fmt.Printf("Usage: %s history show <id>\n", cliName)
			return
		}
		historyShowCmd(store, os.Args[3])
	case "search":
		if len(os.Args) < 4 {
			fmt.Printf("Usage: %s history search <term>\n", cliName)
			return
		}
		historySearchCmd(store, strings.Join(os.Args[3:], " "))
	case "export":
		historyExportCmd(store, os.Args[3:])
	case "prune":
		if len(os.Args) < 4 {
			fmt.Printf("Usage: %s history prune <keep>\n", cliName)
			return
		}
		historyPruneCmd(store, os.Args[3])
	default:
		fmt.Printf("Unknown history command: %s\n", subcommand)
		historyHelp()
	}
}

func historyHelp() {
	fmt.Printf("Usage: %s history <subcommand>\n", cliName)
	fmt.Println()
	fmt.Println("Subcommands:")
	fmt.Println("  list [--limit N | --all]   Recent runs, newest first (default 20)")
	fmt.Println("  show <id>                  Full detail for one run (id prefix works)")
	fmt.Println("  search <term>              Runs whose command line contains term")
	fmt.Println("  export [--out F] [--zst]   Dump runs as JSONL, oldest first")
	fmt.Println("  prune <keep>               Delete all but the newest <keep> runs")
}

func historyListCmd(store *history.Store, args []string) {
	limit := 20
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit", "-n":
			if i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil || n < 0 {
					fmt.Printf("Error: invalid --limit %q\n", args[i+1])
					os.Exit(exitUsage)
				}
				limit = n
				i++
			}
		case "--all", "-a":
			limit = 0
		}
	}

	entries, err := store.List(limit)
	if err != nil {
		fmt.Printf("Error reading history: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No recorded runs.")
		return
	}
	for _, e := range entries {
		printHistoryLine(e)
	}
}

func printHistoryLine(e history.Entry) {
	fmt.Printf("%s %s  %s  %-9s  %8s  %s\n",
		statusIcon(e.Status),
		mutedStyle.Render(shortID(e.ID)),
		e.StartedAt.Local().Format("2006-01-02 15:04:05"),
		e.Status,
		formatDuration(e.DurationMs),
		truncateLine(e.Line, 60))
}

func historyShowCmd(store *history.Store, id string) {
	e, err := resolveHistoryID(store, id)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s %s\n", statusIcon(e.Status), labelStyle.Render(e.Line))
	fmt.Printf("  %s %s\n", labelStyle.Render("ID:"), e.ID)
	fmt.Printf("  %s %s\n", labelStyle.Render("Status:"), e.Status)
	fmt.Printf("  %s %s\n", labelStyle.Render("Dir:"), e.WorkingDir)
	fmt.Printf("  %s %s\n", labelStyle.Render("Initiator:"), e.Initiator)
	if e.RequestID != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("Request:"), e.RequestID)
	}
	if e.ExitCode != nil {
		fmt.Printf("  %s %d\n", labelStyle.Render("Exit:"), *e.ExitCode)
	}
	if e.TimedOut {
		fmt.Printf("  %s yes\n", labelStyle.Render("Timed out:"))
	}
	if e.Killed {
		fmt.Printf("  %s yes\n", labelStyle.Render("Killed:"))
	}
	fmt.Printf("  %s %s\n", labelStyle.Render("Started:"), e.StartedAt.Local().Format(time.RFC3339))
	if e.CompletedAt != nil {
		fmt.Printf("  %s %s (%s)\n", labelStyle.Render("Finished:"),
			e.CompletedAt.Local().Format(time.RFC3339), formatDuration(e.DurationMs))
	}
	if e.Stdout != "" {
		fmt.Printf("\n%s\n%s", labelStyle.Render("Stdout:"), e.Stdout)
	}
	if e.Stderr != "" {
		fmt.Printf("\n%s\n%s", labelStyle.Render("Stderr:"), e.Stderr)
	}
}

// resolveHistoryID accepts either a full id or a unique prefix, since
// list output shows truncated ids.
func resolveHistoryID(store *history.Store, id string) (*history.Entry, error) {
	e, err := store.Get(id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, history.ErrNotFound) {
		return nil, err
	}

	entries, err := store.List(0)
	if err != nil {
		return nil, err
	}
	var match *history.Entry
	for i := range entries {
		if strings.HasPrefix(entries[i].ID, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous id prefix %q", id)
			}
			match = &entries[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return match, nil
}

func historySearchCmd(store *history.Store, term string) {
	entries, err := store.Search(term, 50)
	if err != nil {
		fmt.Printf("Error searching history: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Printf("No runs matching %q.\n", term)
		return
	}
	for _, e := range entries {
		printHistoryLine(e)
	}
}

func historyExportCmd(store *history.Store, args []string) {
	var outPath string
	var compress bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--out", "-o":
			if i+1 < len(args) {
				outPath = args[i+1]
				i++
			}
		case "--zst":
			compress = true
		}
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	var err error
	if compress {
		err = store.ExportZstd(w)
	} else {
		err = store.Export(w)
	}
	if err != nil {
		fmt.Printf("Error exporting history: %v\n", err)
		os.Exit(1)
	}
	if outPath != "" {
		fmt.Printf("%s Exported to %s\n", successStyle.Render("✓"), outPath)
	}
}

func historyPruneCmd(store *history.Store, keepArg string) {
	keep, err := strconv.Atoi(keepArg)
	if err != nil || keep < 0 {
		fmt.Printf("Error: invalid keep count %q\n", keepArg)
		os.Exit(exitUsage)
	}
	deleted, err := store.Prune(keep)
	if err != nil {
		fmt.Printf("Error pruning history: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Deleted %d runs, kept the newest %d\n", successStyle.Render("✓"), deleted, keep)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
