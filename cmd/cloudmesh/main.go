package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o cloudmesh ./cmd/cloudmesh
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// osExit is a package-level indirection so tests can intercept process
// exit instead of actually terminating the test binary.
var osExit = os.Exit

func main() {
	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("cloudmesh %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: cloudmesh <command> [options]")
	fmt.Println()
	fmt.Println("  run                                       Run the mesh node")
	fmt.Println("  init     [--config path]                  Write a starter config and mesh key")
	fmt.Println()
	fmt.Println("  config validate [--config path]           Validate config")
	fmt.Println("  config show     [--config path]           Show resolved config")
	fmt.Println("  config rollback [--config path]           Restore last-known-good config")
	fmt.Println("  config apply <new> [--confirm-timeout]    Apply with auto-revert")
	fmt.Println("  config confirm  [--config path]           Confirm applied config")
	fmt.Println()
	fmt.Println("  version                                    Show version information")
	fmt.Println()
	fmt.Println("run, init and config accept --config <path>. Without it, run and config search:")
	fmt.Println("  ./cloudmesh.yaml, ~/.config/cloudmesh/config.yaml, /etc/cloudmesh/config.yaml")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
