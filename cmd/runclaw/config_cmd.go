package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sipeed/runclaw/pkg/config"
)

func configCmd() {
	if len(os.Args) < 3 {
		configHelp()
		return
	}

	switch os.Args[2] {
	case "show":
		configShowCmd()
	case "init":
		configInitCmd(os.Args[3:])
	case "path":
		fmt.Println(getConfigPath())
	case "--help", "-h", "help":
		configHelp()
	default:
		fmt.Printf("Unknown config command: %s\n", os.Args[2])
		configHelp()
	}
}

func configHelp() {
	fmt.Printf("Usage: %s config <subcommand>\n", cliName)
	fmt.Println()
	fmt.Println("Subcommands:")
	fmt.Println("  show             Print the effective configuration")
	fmt.Println("  init [--force]   Write a default config file")
	fmt.Println("  path             Print the config file location")
}

func configShowCmd() {
	cfg := mustConfig()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func configInitCmd(args []string) {
	force := false
	for _, arg := range args {
		if arg == "--force" || arg == "-f" {
			force = true
		}
	}

	path := getConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Printf("Config already exists at %s (use --force to overwrite)\n", path)
		return
	}

	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		fmt.Printf("Error writing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Wrote %s\n", successStyle.Render("✓"), path)
	fmt.Printf("  Edit it or rerun with RUNCLAW_* environment overrides.\n")
}
