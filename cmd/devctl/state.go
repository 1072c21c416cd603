package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/devserv/internal/config"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/storage"
	"github.com/mattjoyce/devserv/internal/vfs"
)

// openState loads the config at configPath (defaults when empty) and opens
// the shared database.
func openState(ctx context.Context, configPath string) (*config.Config, *sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runMounts(args []string) int {
	fs := newFlagSet("mounts")
	configPath := fs.String("config", "", "Path to config file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	_, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	mounts, err := vfs.NewTable(db).List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		if mounts == nil {
			mounts = []vfs.Mount{}
		}
		return printJSON(mounts)
	}
	if len(mounts) == 0 {
		fmt.Println("No mounts.")
		return 0
	}
	fmt.Printf("%-6s %-24s %-12s %-5s %-7s %-8s %s\n", "HANDLE", "NAME", "DEVICE", "INDEX", "KIND", "PID", "MOUNTED")
	for _, m := range mounts {
		fmt.Printf("%-6d %-24s %-12s %-5d %-7s %-8d %s\n",
			m.Handle, m.Name, m.Device, m.Index, m.Kind, m.PID, m.MountedAt.Local().Format(time.DateTime))
	}
	return 0
}

func runServices(args []string) int {
	fs := newFlagSet("services")
	configPath := fs.String("config", "", "Path to config file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	_, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	recs, err := kserv.NewRegistry(db, kserv.Options{}).List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		if recs == nil {
			recs = []kserv.Record{}
		}
		return printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Println("No services registered.")
		return 0
	}
	fmt.Printf("%-16s %-5s %-8s %-6s %-36s %s\n", "SERVICE", "READY", "PID", "MOUNT", "INSTANCE", "SOCKET")
	for _, r := range recs {
		ready := "no"
		if r.Ready {
			ready = "yes"
		}
		fmt.Printf("%-16s %-5s %-8d %-6d %-36s %s\n", r.Name, ready, r.PID, r.MountHandle, r.InstanceID, r.Socket)
	}
	return 0
}

func runReady(args []string) int {
	fs := newFlagSet("ready")
	configPath := fs.String("config", "", "Path to config file")
	clearReady := fs.Bool("clear", false, "Mark the service not ready")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: devctl ready <service> [--clear] [--config PATH]")
		return 1
	}
	name := fs.Arg(0)

	ctx := context.Background()
	_, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := kserv.NewRegistry(db, kserv.Options{}).SetReady(ctx, name, !*clearReady); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *clearReady {
		fmt.Printf("%s marked not ready\n", name)
	} else {
		fmt.Printf("%s marked ready\n", name)
	}
	return 0
}
