package main

import (
	"os"
	"testing"
)

func TestPrintUsage(t *testing.T) {
	captureStdout(t, printUsage)
}

func TestPrintVersion(t *testing.T) {
	captureStdout(t, printVersion)
}

func TestPrintConfigUsage(t *testing.T) {
	captureStdout(t, printConfigUsage)
}

func withArgs(t *testing.T, args []string, fn func()) {
	t.Helper()
	old := os.Args
	os.Args = args
	defer func() { os.Args = old }()
	fn()
}

func TestMain_NoArgs(t *testing.T) {
	withArgs(t, []string{"cloudmesh"}, func() {
		code, exited := captureExit(func() {
			captureStdout(t, main)
		})
		if !exited || code != 1 {
			t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
		}
	})
}

func TestMain_UnknownCommand(t *testing.T) {
	withArgs(t, []string{"cloudmesh", "bogus"}, func() {
		code, exited := captureExit(func() {
			captureStdout(t, func() {
				captureStderr(t, main)
			})
		})
		if !exited || code != 1 {
			t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
		}
	})
}

func TestMain_Version(t *testing.T) {
	withArgs(t, []string{"cloudmesh", "version"}, func() {
		code, exited := captureExit(func() {
			captureStdout(t, main)
		})
		if exited {
			t.Errorf("version should not exit, got code=%d", code)
		}
	})
}
