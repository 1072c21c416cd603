// Command devctl inspects and drives devserv driver processes: the shared
// mount table and service registry, raw requests to a driver socket, the
// live monitor, and config integrity.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/pflag"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "mounts":
		return runMounts(args)
	case "services":
		return runServices(args)
	case "ready":
		return runReady(args)
	case "send":
		return runSend(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "doctor":
		return runDoctor(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`devctl - inspect and drive devserv driver processes

Usage:
  devctl <command> [flags]

Commands:
  mounts                     List the mount table
  services                   List registered driver services
  ready <service> [--clear]  Mark a service ready (or not ready)
  send <service> <op> ...    Send one request to a driver and print the reply
  watch                      Live monitor of a driver's status API
  config lock <path>         Write the BLAKE3 checksum manifest for a config file
  config verify <path>       Check a config file against its manifest
  doctor                     Check config, mount table and registry consistency
  version                    Show version information

Most commands accept --config PATH to locate the shared state directory.
`)
}

// newFlagSet builds a subcommand flag set that reports errors to stderr.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of devctl %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags parses args into fs. When ok is false the command stops with
// code: 0 after -h/--help, 1 after printing the parse error and usage.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, ok bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return 0, true
	case errors.Is(err, pflag.ErrHelp):
		return 0, false
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	fs.Usage()
	return 1, false
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	info := versionInfo{Version: strings.TrimSpace(version), Commit: resolveCommit()}
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("devctl %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	return 0
}

func resolveCommit() string {
	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if commit == "" {
		return "unknown"
	}
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
