package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hession/researchmate/internal/config"
)

func TestLogConfigInfo(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.APIKey = "test-api-key-12345"

	// Should not panic
	logConfigInfo(cfg)
}

func TestLogConfigInfo_EmptyAPIKey(t *testing.T) {
	// Should not panic
	logConfigInfo(&config.Config{})
}

func TestVersion(t *testing.T) {
	if version != "0.1.0" {
		t.Errorf("Expected version '0.1.0', got '%s'", version)
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"chat": false, "serve": false, "threads": false, "memory": false, "knowledge": false, "report": false, "config": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "ResearchMate v0.1.0") {
		t.Errorf("version output = %q", out)
	}
}

func TestThreadsAndMemoryCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", filepath.Join(dir, "cmd.db"))

	out, err := run(t, "--config-dir", dir, "--user", "u1", "threads")
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if !strings.Contains(out, "No threads") {
		t.Errorf("threads output = %q", out)
	}

	_, err = run(t, "--config-dir", dir, "--user", "u1", "memory", "show", "--thread", "missing")
	if err == nil {
		t.Error("memory show on a missing thread should fail")
	}

	if _, err := run(t, "--config-dir", dir, "memory", "show"); err == nil {
		t.Error("memory show without --thread should fail")
	}
}

func TestKnowledgeSeed_MissingFile(t *testing.T) {
	_, err := run(t, "knowledge", "seed", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("seeding from a missing file should fail")
	}
}

func TestReportRequiresThread(t *testing.T) {
	_, err := run(t, "report")
	if err == nil || !strings.Contains(err.Error(), "thread") {
		t.Errorf("expected missing --thread error, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("abcdef", 3); got != "abc..." {
		t.Errorf("preview = %q", got)
	}
}
