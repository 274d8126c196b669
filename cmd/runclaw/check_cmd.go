package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sipeed/runclaw/pkg/danger"
)

func checkCmd() {
	args := os.Args[2:]
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h" || args[0] == "help") {
		fmt.Printf("Usage: %s check <command...>\n", cliName)
		fmt.Println()
		fmt.Println("Classifies a command without running it. Exit status 1 when dangerous.")
		return
	}

	line := strings.Join(args, " ")
	if strings.TrimSpace(line) == "" {
		fmt.Printf("Usage: %s check <command...>\n", cliName)
		os.Exit(exitUsage)
	}

	cfg := mustConfig()
	applyConfig(cfg)

	if rule := danger.Match(line); rule != nil {
		fmt.Printf("%s Dangerous: matches rule %s\n", errorStyle.Render("✗"), accentStyle.Render(rule.Name))
		if rule.Description != "" {
			fmt.Printf("  %s\n", mutedStyle.Render(rule.Description))
		}
		os.Exit(1)
	}
	fmt.Printf("%s Safe\n", successStyle.Render("✓"))
}

func rulesCmd() {
	cfg := mustConfig()
	applyConfig(cfg)

	rules := danger.Rules()
	fmt.Printf("%s %d effective danger rules\n", labelStyle.Render("Rules:"), len(rules))
	if cfg.Rules.Path != "" {
		fmt.Printf("  %s\n", mutedStyle.Render("custom rules from "+cfg.Rules.Path))
	}
	fmt.Println()
	for _, r := range rules {
		fmt.Printf("  %s\n", accentStyle.Render(r.Name))
		if r.Description != "" {
			fmt.Printf("    %s\n", mutedStyle.Render(r.Description))
		}
		fmt.Printf("    %s\n", r.Pattern)
	}
}
