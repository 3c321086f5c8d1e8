package main

import (
	"fmt"
	"os"

	"dccbot/config"
)

// Version is the build identifier reported by the "version" subcommand.
const Version = "0.1.0"

// RunCLI handles subcommand execution before the long-running service
// starts. Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("dccbot %s\n", Version)
		return true
	case "config":
		return cliConfig(args[1:])
	default:
		return false
	}
}

func cliConfig(args []string) bool {
	if len(args) < 2 || args[0] != "check" {
		fmt.Fprintln(os.Stderr, "Usage: dccbot config check <path>")
		os.Exit(1)
	}

	cfg, err := config.Load(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", cfg)
	return true
}
