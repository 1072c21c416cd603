package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattjoyce/devserv/internal/config"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigHelp()
		return 1
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "verify":
		return runConfigVerify(actionArgs)
	case "help", "--help", "-h":
		printConfigHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigHelp() {
	fmt.Fprintln(os.Stderr, "Usage: devctl config lock <path | --config PATH>")
	fmt.Fprintln(os.Stderr, "       devctl config verify <path | --config PATH>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "lock records the file's BLAKE3 hash in %s beside it; drivers then refuse\n", config.ManifestName)
	fmt.Fprintln(os.Stderr, "to start when the file no longer matches.")
}

// configPathArg takes the file to act on either as the single operand or from
// --config. When ok is false the command exits with code.
func configPathArg(name string, args []string) (path string, code int, ok bool) {
	fs := newFlagSet(name)
	fs.Usage = printConfigHelp
	configPath := fs.String("config", "", "Path to config file")
	if code, ok := parseFlags(fs, args); !ok {
		return "", code, false
	}
	switch {
	case *configPath != "" && fs.NArg() == 0:
		return *configPath, 0, true
	case *configPath == "" && fs.NArg() == 1:
		return fs.Arg(0), 0, true
	}
	printConfigHelp()
	return "", 1, false
}

func runConfigLock(args []string) int {
	path, code, ok := configPathArg("config lock", args)
	if !ok {
		return code
	}
	hash, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("locked %s (blake3 %s)\n", path, hash)
	return 0
}

func runConfigVerify(args []string) int {
	path, code, ok := configPathArg("config verify", args)
	if !ok {
		return code
	}
	err := config.Verify(path)
	switch {
	case err == nil:
		fmt.Printf("%s: ok\n", path)
		return 0
	case errors.Is(err, config.ErrNoManifest):
		fmt.Fprintf(os.Stderr, "%s: not locked (run 'devctl config lock %s')\n", path, path)
		return 1
	default:
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return 1
	}
}
