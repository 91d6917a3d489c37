package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "catalog.yaml")
	catalogYAML := `agents:
  claude:
    provider: anthropic
    image: outpost/agents/claude:latest
    required_secrets: [ANTHROPIC_API_KEY]
    profile:
      cpu_class: standard-2
      memory_mb: 4096
      rate_per_second: 0.00012
    models:
      - id: claude-sonnet
        flagship: true
        cost_multiplier: 1.0
`
	if err := os.WriteFile(catalogPath, []byte(catalogYAML), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	configYAML := `service:
  name: outpost-test
  log_level: error
state:
  path: ` + filepath.Join(dir, "control.db") + `
catalog_path: ` + catalogPath + `
api:
  listen: 127.0.0.1:0
  auth:
    api_key: test-admin-key
workspaces:
  root: ` + filepath.Join(dir, "workspaces") + `
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, catalogPath
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown command") {
		t.Fatalf("expected unknown command error, got %q", stderr)
	}
}

func TestRunCLINoArgsPrintsUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("expected usage output, got %q", stdout)
	}
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version JSON invalid: %v", err)
	}
	if info.Version == "" {
		t.Fatal("version is empty")
	}
}

func TestRunConfigCheck(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr %q)", code, stderr)
	}
	if !strings.Contains(stdout, "config ok") || !strings.Contains(stdout, "catalog ok") {
		t.Fatalf("unexpected check output: %q", stdout)
	}
}

func TestRunConfigCheckMissingFile(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Config check failed") {
		t.Fatalf("expected failure message, got %q", stderr)
	}
}

func TestRunConfigFingerprint(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigFingerprint([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	fp := strings.TrimSpace(stdout)
	if len(fp) != 64 {
		t.Fatalf("expected 64 hex chars, got %q", fp)
	}

	// Same bytes yield the same fingerprint.
	code, stdout2, _ := captureOutputWithExitCode(t, func() int {
		return runConfigFingerprint([]string{"--config", configPath})
	})
	if code != 0 || strings.TrimSpace(stdout2) != fp {
		t.Fatalf("fingerprint not stable: %q vs %q", fp, strings.TrimSpace(stdout2))
	}
}
