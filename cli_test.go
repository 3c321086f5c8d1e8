package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunCLIVersionIsHandled(t *testing.T) {
	if !RunCLI([]string{"version"}) {
		t.Fatal("expected version subcommand to be handled")
	}
}

func TestRunCLIUnknownSubcommandIsNotHandled(t *testing.T) {
	if RunCLI([]string{"frobnicate"}) {
		t.Fatal("expected unknown subcommand to be unhandled")
	}
}

func TestRunCLIReturnsFalseForNoArgs(t *testing.T) {
	if RunCLI(nil) {
		t.Fatal("expected no-args call to be unhandled")
	}
}

func TestCliConfigCheckAcceptsValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dccbot.json")
	data := []byte(`{"download_path":"` + dir + `","allowed_mimetypes":["text/plain"]}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if !RunCLI([]string{"config", "check", path}) {
		t.Fatal("expected config check to be handled")
	}
}
