package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattjoyce/devserv/internal/doctor"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/vfs"
)

func runDoctor(args []string) int {
	fs := newFlagSet("doctor")
	configPath := fs.String("config", "", "Path to config file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ctx := context.Background()
	cfg, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	result := doctor.New(cfg, vfs.NewTable(db), kserv.NewRegistry(db, kserv.Options{})).Check(ctx)
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}
