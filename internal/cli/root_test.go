package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
pipeline:
  name: lj-codec
  stages:
    - id: preprocess
      kind: preprocess
      outputs: [feature-set]
      params:
        list: data/train.txt
    - id: train-codec
      kind: train
      depends_on: [preprocess]
      outputs: [checkpoint]
`

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "status", "cache", "config", "db", "analytics", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	path := writeConfig(t, validYAML)
	out, err := executeCommand("config", "validate", "-f", path)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("output = %s", out)
	}
}

func TestConfigValidateBad(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  name: broken
  stages:
    - id: a
      kind: train
      outputs: [checkpoint]
      depends_on: [a]
`)
	out, err := executeCommand("config", "validate", "-f", path)
	if err == nil {
		t.Fatalf("expected validation failure, got:\n%s", out)
	}
}

func TestCacheListEmpty(t *testing.T) {
	base := t.TempDir()
	path := writeConfig(t, validYAML+"\n  exp_dir: "+filepath.Join(base, "exp")+"\n")
	out, err := executeCommand("cache", "list", "-f", path)
	if err != nil {
		t.Fatalf("cache list: %v\n%s", err, out)
	}
	if !strings.Contains(out, "empty") {
		t.Errorf("output = %s", out)
	}
}

func TestCacheInvalidateRequiresTarget(t *testing.T) {
	if _, err := executeCommand("cache", "invalidate"); err == nil {
		t.Error("expected error without fingerprint or --stage")
	}
}

func TestAnalyticsSubcommands(t *testing.T) {
	subcmds := []string{"stage-duration", "cache-hits", "training", "throughput", "run"}
	for _, sub := range subcmds {
		out, err := executeCommand("analytics", sub, "--help")
		if err != nil {
			t.Errorf("analytics %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("analytics %s --help produced no output", sub)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"STAGE", "STEPS"},
		[][]string{{"train-codec", "500"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	if !strings.Contains(out, "train-codec") || !strings.Contains(out, "500") {
		t.Errorf("table output = %s", out)
	}
}

func TestFormatCreated(t *testing.T) {
	if got := formatCreated("2026-08-29T10:11:12.5Z"); got != "2026-08-29 10:11:12" {
		t.Errorf("formatCreated = %q", got)
	}
	// Unparseable values are shown as stored.
	if got := formatCreated("garbage"); got != "garbage" {
		t.Errorf("unparseable input = %q", got)
	}
}

func TestSingleValidationErrorMessage(t *testing.T) {
	// Exactly one validation error: an unknown dependency.
	path := writeConfig(t, `
pipeline:
  name: lj-codec
  stages:
    - id: train-codec
      kind: train
      depends_on: [nope]
      outputs: [checkpoint]
`)
	_, err := executeCommand("cache", "list", "-f", path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("error = %q", err)
	}
	if strings.Contains(err.Error(), "more") {
		t.Errorf("single error should not count others: %q", err)
	}
}

func TestHistoryHelp(t *testing.T) {
	for _, args := range [][]string{
		{"status", "history", "--help"},
		{"cache", "history", "--help"},
	} {
		out, err := executeCommand(args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.Contains(out, "history") {
			t.Errorf("%v output = %s", args, out)
		}
	}
}
