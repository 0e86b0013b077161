package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"voxelcraft.ai/pilot/internal/journal"
)

func TestDescribeAction(t *testing.T) {
	e := journal.Entry{Kind: journal.KindAction, Label: "action:followPlayer", Interrupted: true, ElapsedMS: 1200}
	if got := describe(e); got != "action:followPlayer interrupted 1200ms" {
		t.Fatalf("describe: %q", got)
	}
	e = journal.Entry{Kind: journal.KindAction, Label: "mode:unstuck", TimedOut: true, Err: "boom"}
	if got := describe(e); got != "mode:unstuck timeout 0ms err=boom" {
		t.Fatalf("describe: %q", got)
	}
	if got := describe(journal.Entry{Kind: journal.KindDeath, Text: "died"}); got != "died" {
		t.Fatalf("describe: %q", got)
	}
}

func TestModesCommandAppliesProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte("modes:\n  hunting: false\n  cheat: true\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"modes", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "- hunting(OFF)") || !strings.Contains(got, "- cheat(ON)") {
		t.Fatalf("unexpected docs:\n%s", got)
	}
}
