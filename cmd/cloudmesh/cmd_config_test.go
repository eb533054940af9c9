package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shurlinet/cloudmesh/internal/config"
)

func TestDoConfigValidate_Success(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	var buf bytes.Buffer
	if err := doConfigValidate([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doConfigValidate: %v", err)
	}
	if !strings.Contains(buf.String(), "OK") {
		t.Errorf("expected OK message, got: %s", buf.String())
	}
}

func TestDoConfigValidate_NotFound(t *testing.T) {
	var buf bytes.Buffer
	err := doConfigValidate([]string{"--config", "/tmp/nonexistent-cloudmesh-test/cloudmesh.yaml"}, &buf)
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestDoConfigValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cloudmesh.yaml")
	if err := os.WriteFile(cfgPath, []byte("port: 7946\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var buf bytes.Buffer
	err := doConfigValidate([]string{"--config", cfgPath}, &buf)
	if err == nil {
		t.Fatal("expected validation error for missing key_file")
	}
	if !strings.Contains(buf.String(), "FAIL") {
		t.Errorf("expected FAIL message, got: %s", buf.String())
	}
}

func TestDoConfigShow_Success(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	var buf bytes.Buffer
	if err := doConfigShow([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doConfigShow: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "port:") {
		t.Errorf("expected resolved YAML in output, got: %s", out)
	}
	if !strings.Contains(out, "No last-known-good archive") {
		t.Errorf("expected archive status line, got: %s", out)
	}
}

func TestDoConfigShow_WithArchiveAndPending(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	if err := config.Archive(cfgPath); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := config.BeginCommitConfirmed(cfgPath, 5*time.Minute); err != nil {
		t.Fatalf("begin commit-confirmed: %v", err)
	}

	var buf bytes.Buffer
	if err := doConfigShow([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doConfigShow: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Last-known-good archive") {
		t.Errorf("expected archive path line, got: %s", out)
	}
	if !strings.Contains(out, "Commit-confirmed pending") {
		t.Errorf("expected pending commit-confirmed line, got: %s", out)
	}
}

func TestDoConfigRollback_NoArchive(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	var buf bytes.Buffer
	err := doConfigRollback([]string{"--config", cfgPath}, &buf)
	if err == nil {
		t.Fatal("expected error with no archive present")
	}
}

func TestDoConfigRollback_Success(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	original, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read original: %v", err)
	}
	if err := config.Archive(cfgPath); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := os.WriteFile(cfgPath, append(original, []byte("\n# mutated\n")...), 0o600); err != nil {
		t.Fatalf("mutate config: %v", err)
	}

	var buf bytes.Buffer
	if err := doConfigRollback([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doConfigRollback: %v", err)
	}

	restored, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(restored) != string(original) {
		t.Errorf("expected config restored to original content")
	}
}

func TestDoConfigApply_Success(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	dir := filepath.Dir(cfgPath)

	newCfg := strings.ReplaceAll(mustReadFile(t, cfgPath), "port: 7946", "port: 7947")
	newCfgPath := filepath.Join(dir, "new.yaml")
	if err := os.WriteFile(newCfgPath, []byte(newCfg), 0o600); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	err := doConfigApply([]string{newCfgPath, "--config", cfgPath, "--confirm-timeout", "1m"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("doConfigApply: %v", err)
	}
	if !strings.Contains(stdout.String(), "Applied") {
		t.Errorf("expected apply confirmation, got: %s", stdout.String())
	}

	applied := mustReadFile(t, cfgPath)
	if !strings.Contains(applied, "port: 7947") {
		t.Errorf("expected new config applied, got: %s", applied)
	}

	deadline, err := config.CheckPending(cfgPath)
	if err != nil || deadline.IsZero() {
		t.Errorf("expected commit-confirmed pending after apply, deadline=%v err=%v", deadline, err)
	}
}

func TestDoConfigApply_InvalidNewConfig(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	dir := filepath.Dir(cfgPath)
	badCfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badCfgPath, []byte("port: not-a-number\n"), 0o600); err != nil {
		t.Fatalf("write bad config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	err := doConfigApply([]string{badCfgPath, "--config", cfgPath}, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected error applying invalid new config")
	}
}

func TestDoConfigApply_MissingPositionalArg(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	var stdout, stderr bytes.Buffer
	err := doConfigApply([]string{"--config", cfgPath}, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected error with no new-config argument")
	}
}

func TestDoConfigConfirm_NoPending(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	var buf bytes.Buffer
	err := doConfigConfirm([]string{"--config", cfgPath}, &buf)
	if err == nil {
		t.Fatal("expected error with no pending commit-confirmed")
	}
}

func TestDoConfigConfirm_Success(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	if err := config.BeginCommitConfirmed(cfgPath, 5*time.Minute); err != nil {
		t.Fatalf("begin commit-confirmed: %v", err)
	}

	var buf bytes.Buffer
	if err := doConfigConfirm([]string{"--config", cfgPath}, &buf); err != nil {
		t.Fatalf("doConfigConfirm: %v", err)
	}
	if !strings.Contains(buf.String(), "confirmed") {
		t.Errorf("expected confirmation message, got: %s", buf.String())
	}
	deadline, err := config.CheckPending(cfgPath)
	if err != nil || !deadline.IsZero() {
		t.Errorf("expected no pending commit-confirmed after confirm, deadline=%v err=%v", deadline, err)
	}
}

func TestRunConfig_EmptyArgs(t *testing.T) {
	code, exited := captureExit(func() {
		runConfig(nil)
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunConfig_UnknownSubcommand(t *testing.T) {
	stderr := captureStderr(t, func() {
		code, exited := captureExit(func() {
			runConfig([]string{"bogus"})
		})
		if !exited || code != 1 {
			t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
		}
	})
	if !strings.Contains(stderr, "Unknown config command") {
		t.Errorf("expected unknown-command message, got: %s", stderr)
	}
}

func TestRunConfigValidate_Success(t *testing.T) {
	cfgPath := writeTestConfigDir(t)
	code, exited := captureExit(func() {
		runConfigValidate([]string{"--config", cfgPath})
	})
	if exited {
		t.Errorf("should not have exited, got code=%d", code)
	}
}

func TestRunConfigShow_Error(t *testing.T) {
	code, exited := captureExit(func() {
		runConfigShow([]string{"--config", "/tmp/nonexistent-cloudmesh-test/cloudmesh.yaml"})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
