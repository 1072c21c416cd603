package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/devserv/internal/config"
	"github.com/mattjoyce/devserv/internal/tui/watch"
)

func runWatch(args []string) int {
	fs := newFlagSet("watch")
	configPath := fs.String("config", "", "Path to config file (for api.listen)")
	apiURL := fs.String("api-url", "", "Driver status API URL (default: http://<api.listen>)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	url := *apiURL
	if url == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
			return 1
		}
		url = cfg.API.Listen
	}
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}

	if _, err := tea.NewProgram(watch.New(url)).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
