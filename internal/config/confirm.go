package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// pendingState is the JSON structure stored in the pending marker file.
type pendingState struct {
	Deadline   time.Time `json:"deadline"`
	BackupFile string    `json:"backup"`
}

// PendingPath returns the commit-confirmed marker path for a config file.
// Example: config.yaml → .config.pending
func PendingPath(configPath string) string {
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, "."+name+".pending")
}

func backupPath(configPath string) string {
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, "."+name+".pre-confirmed"+ext)
}

// BeginCommitConfirmed backs up the current config and writes a pending
// marker with the revert deadline. A bad header_magic or listen port in a
// config pushed to a remote node can otherwise strand it out of reach of
// every peer; this gives an operator timeout seconds to notice peers
// dropping off and confirm or let the node revert itself. Returns
// ErrCommitConfirmedPending if one is already active.
func BeginCommitConfirmed(configPath string, timeout time.Duration) error {
	pendingFile := PendingPath(configPath)
	if _, err := os.Stat(pendingFile); err == nil {
		return fmt.Errorf("%w: %s", ErrCommitConfirmedPending, pendingFile)
	}

	backup := backupPath(configPath)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("commit-confirmed: read current config: %w", err)
	}
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		return fmt.Errorf("commit-confirmed: write backup: %w", err)
	}

	state := pendingState{
		Deadline:   time.Now().Add(timeout),
		BackupFile: filepath.Base(backup),
	}
	marker, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("commit-confirmed: marshal state: %w", err)
	}
	if err := os.WriteFile(pendingFile, marker, 0o600); err != nil {
		os.Remove(backup)
		return fmt.Errorf("commit-confirmed: write marker: %w", err)
	}
	return nil
}

// ApplyCommitConfirmed copies newConfigPath over configPath and begins a
// commit-confirmed with the given timeout. This is the high-level
// operation behind `cloudmesh config apply`.
func ApplyCommitConfirmed(configPath, newConfigPath string, timeout time.Duration) error {
	if err := BeginCommitConfirmed(configPath, timeout); err != nil {
		return err
	}

	data, err := os.ReadFile(newConfigPath)
	if err != nil {
		os.Remove(PendingPath(configPath))
		os.Remove(backupPath(configPath))
		return fmt.Errorf("commit-confirmed: read new config: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(PendingPath(configPath))
		os.Remove(backupPath(configPath))
		return fmt.Errorf("commit-confirmed: write temp: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		os.Remove(tmp)
		os.Remove(PendingPath(configPath))
		os.Remove(backupPath(configPath))
		return fmt.Errorf("commit-confirmed: rename: %w", err)
	}
	return nil
}

// Confirm removes the pending marker, making the current config permanent,
// and deletes the now-unneeded pre-confirmed backup. Returns ErrNoPending
// if no commit-confirmed is active.
func Confirm(configPath string) error {
	pendingFile := PendingPath(configPath)
	if _, err := os.Stat(pendingFile); os.IsNotExist(err) {
		return fmt.Errorf("%w", ErrNoPending)
	}

	data, err := os.ReadFile(pendingFile)
	if err != nil {
		return fmt.Errorf("confirm: read marker: %w", err)
	}
	var state pendingState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("confirm: parse marker: %w", err)
	}

	os.Remove(pendingFile)
	if state.BackupFile != "" {
		os.Remove(filepath.Join(filepath.Dir(configPath), state.BackupFile))
	}
	return nil
}

// CheckPending reports the pending deadline, or the zero time if no
// commit-confirmed is active.
func CheckPending(configPath string) (time.Time, error) {
	data, err := os.ReadFile(PendingPath(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("check pending: %w", err)
	}
	var state pendingState
	if err := json.Unmarshal(data, &state); err != nil {
		return time.Time{}, fmt.Errorf("check pending: parse: %w", err)
	}
	return state.Deadline, nil
}

func revertPending(configPath string) error {
	pendingFile := PendingPath(configPath)
	data, err := os.ReadFile(pendingFile)
	if err != nil {
		return fmt.Errorf("revert: read marker: %w", err)
	}

	var state pendingState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("revert: parse marker: %w", err)
	}

	backup := filepath.Join(filepath.Dir(configPath), state.BackupFile)
	backupData, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("revert: read backup: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, backupData, 0o600); err != nil {
		return fmt.Errorf("revert: write temp: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("revert: rename: %w", err)
	}

	os.Remove(pendingFile)
	os.Remove(backup)
	return nil
}

// EnforceCommitConfirmed monitors a pending commit-confirmed and reverts
// the config if the deadline passes without confirmation, then calls
// exitFunc so a process supervisor restarts the node with the restored
// config. Pass os.Exit in production; a custom function in tests.
func EnforceCommitConfirmed(ctx context.Context, configPath string, deadline time.Time, exitFunc func(int)) {
	enforceCommitConfirmed(ctx, logWriter{}, configPath, deadline, exitFunc)
}

// EnforceCommitConfirmedWriter is like EnforceCommitConfirmed but writes
// status lines to w instead of through slog, for tests that want to
// assert on the revert narrative without a logger.
func EnforceCommitConfirmedWriter(ctx context.Context, w io.Writer, configPath string, deadline time.Time, exitFunc func(int)) {
	enforceCommitConfirmed(ctx, w, configPath, deadline, exitFunc)
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	slog.Warn(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func enforceCommitConfirmed(ctx context.Context, w io.Writer, configPath string, deadline time.Time, exitFunc func(int)) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		fmt.Fprintf(w, "commit-confirmed deadline already passed, reverting config %s\n", configPath)
		if err := revertPending(configPath); err != nil {
			fmt.Fprintf(w, "revert error: %v\n", err)
		}
		exitFunc(1)
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		fmt.Fprintf(w, "commit-confirmed timeout, reverting config %s\n", configPath)
		if err := revertPending(configPath); err != nil {
			fmt.Fprintf(w, "revert error: %v\n", err)
		}
		exitFunc(1)
	}
}
