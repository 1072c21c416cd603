// Package doctor checks a devserv installation: config integrity, socket
// paths, the status API exposure, and the consistency of the shared mount
// table and service registry.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattjoyce/devserv/internal/config"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/lock"
	"github.com/mattjoyce/devserv/internal/storage"
	"github.com/mattjoyce/devserv/internal/vfs"
)

// maxSocketPath is the portable limit of a unix socket path (sun_path is
// 104 bytes on BSDs including the NUL).
const maxSocketPath = 103

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// MountSource lists the mount table.
type MountSource interface {
	List(ctx context.Context) ([]vfs.Mount, error)
	Orphans(ctx context.Context) ([]vfs.Mount, error)
}

// ServiceSource lists the service registry.
type ServiceSource interface {
	List(ctx context.Context) ([]kserv.Record, error)
}

// Doctor checks a loaded config against the live state.
type Doctor struct {
	cfg      *config.Config
	mounts   MountSource
	services ServiceSource
	alive    func(pid int) bool
	local    func(path string) error
}

// New creates a Doctor. mounts and services may be nil to check the config
// alone.
func New(cfg *config.Config, mounts MountSource, services ServiceSource) *Doctor {
	return &Doctor{cfg: cfg, mounts: mounts, services: services, alive: lock.Alive, local: storage.CheckLocal}
}

// Check runs all checks and returns a result.
func (d *Doctor) Check(ctx context.Context) *Result {
	r := &Result{}

	d.checkIntegrity(r)
	d.checkSocketDir(r)
	d.checkFilesystems(r)
	d.checkAPI(r)

	var mounts []vfs.Mount
	if d.mounts != nil {
		mounts = d.checkMounts(ctx, r)
	}
	if d.services != nil {
		d.checkServices(ctx, r, mounts)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkIntegrity verifies the config file against its checksum manifest.
func (d *Doctor) checkIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	err := config.Verify(d.cfg.SourcePath)
	switch {
	case err == nil:
	case errors.Is(err, config.ErrNoManifest):
		d.addWarning(r, "integrity", "", "config is not locked; run 'devctl config lock'")
	default:
		d.addError(r, "integrity", "", err.Error())
	}
}

// checkSocketDir flags a socket directory too long for driver socket names.
func (d *Doctor) checkSocketDir(r *Result) {
	sample := d.cfg.SocketPath("ramdisk", 0)
	if len(sample) > maxSocketPath {
		d.addError(r, "ipc", "ipc.socket_dir",
			fmt.Sprintf("socket paths such as %s exceed %d bytes", sample, maxSocketPath))
	}
}

// checkFilesystems rejects state and socket directories on network mounts.
func (d *Doctor) checkFilesystems(r *Result) {
	for _, c := range []struct{ field, path string }{
		{"state.dir", d.cfg.State.Dir},
		{"ipc.socket_dir", d.cfg.SocketDir()},
	} {
		if err := d.local(c.path); err != nil {
			d.addError(r, "storage", c.field, err.Error())
		}
	}
}

// checkAPI warns when the unauthenticated status API listens beyond loopback.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("status API on %s is reachable beyond loopback and has no authentication", d.cfg.API.Listen))
	}
}

func (d *Doctor) checkMounts(ctx context.Context, r *Result) []vfs.Mount {
	mounts, err := d.mounts.List(ctx)
	if err != nil {
		d.addError(r, "mounts", "", fmt.Sprintf("list mounts: %v", err))
		return nil
	}
	orphans, err := d.mounts.Orphans(ctx)
	if err != nil {
		d.addError(r, "mounts", "", fmt.Sprintf("list orphaned mounts: %v", err))
		return mounts
	}
	for _, m := range orphans {
		d.addWarning(r, "mounts", m.Name,
			fmt.Sprintf("owner pid %d is gone; the next mount of this name reclaims it", m.PID))
	}
	for _, m := range mounts {
		if sock := d.cfg.SocketPath(m.Device, m.Index); len(sock) > maxSocketPath {
			d.addError(r, "ipc", m.Name, fmt.Sprintf("socket path %s exceeds %d bytes", sock, maxSocketPath))
		}
	}
	return mounts
}

func (d *Doctor) checkServices(ctx context.Context, r *Result, mounts []vfs.Mount) {
	recs, err := d.services.List(ctx)
	if err != nil {
		d.addError(r, "services", "", fmt.Sprintf("list services: %v", err))
		return
	}

	handles := make(map[uint32]bool, len(mounts))
	for _, m := range mounts {
		handles[m.Handle] = true
	}
	for _, rec := range recs {
		if !d.alive(rec.PID) {
			d.addWarning(r, "services", rec.Name, fmt.Sprintf("registered pid %d is gone", rec.PID))
			continue
		}
		if d.mounts != nil && rec.MountHandle != 0 && !handles[rec.MountHandle] {
			d.addError(r, "services", rec.Name, fmt.Sprintf("mount handle %d is not in the mount table", rec.MountHandle))
		}
		if !rec.Ready {
			d.addWarning(r, "services", rec.Name, "registered but not ready; run 'devctl ready "+rec.Name+"'")
		}
		// Embedded drivers register without a socket.
		if rec.Socket == "" {
			continue
		}
		if _, err := os.Stat(rec.Socket); err != nil {
			d.addWarning(r, "services", rec.Name, fmt.Sprintf("socket %s: %v", rec.Socket, err))
		}
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("All checks passed.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Checks passed (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, issue Issue) {
	if issue.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, issue.Category, issue.Field, issue.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", level, issue.Category, issue.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
