// Package vfs is the mount table driver processes attach to. Each mount point
// name maps to one handle, owned by the process that created it.
package vfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/devserv/internal/lock"
)

// Kind selects how the mount point is exposed.
type Kind string

const (
	KindDevice Kind = "device"
	KindFile   Kind = "file"
)

var (
	// ErrMountExists is returned when a live process already owns the name.
	ErrMountExists = errors.New("vfs: mount point already in use")
	// ErrNotMounted is returned by Unmount for an unknown handle.
	ErrNotMounted = errors.New("vfs: not mounted")
)

// MountRequest describes the mount point a driver asks for.
type MountRequest struct {
	Name   string
	Device string
	Index  uint32
	Kind   Kind
}

// Mount is one row of the mount table.
type Mount struct {
	Handle    uint32    `json:"handle"`
	Name      string    `json:"name"`
	Device    string    `json:"device"`
	Index     uint32    `json:"index"`
	Kind      Kind      `json:"kind"`
	PID       int       `json:"pid"`
	MountedAt time.Time `json:"mounted_at"`
}

// Table is a SQLite-backed mount table.
type Table struct {
	db    *sql.DB
	pid   int
	alive func(pid int) bool
}

func NewTable(db *sql.DB) *Table {
	return &Table{db: db, pid: os.Getpid(), alive: lock.Alive}
}

// Mount claims req.Name for this process and returns a nonzero handle. A row
// left behind by a process that no longer exists is reclaimed.
func (t *Table) Mount(ctx context.Context, req MountRequest) (uint32, error) {
	if req.Name == "" {
		return 0, fmt.Errorf("mount point name is empty")
	}
	if req.Device == "" {
		return 0, fmt.Errorf("device name is empty")
	}
	if req.Kind != KindDevice && req.Kind != KindFile {
		return 0, fmt.Errorf("unknown mount kind %q", req.Kind)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		staleHandle uint32
		ownerPID    int
	)
	err = tx.QueryRowContext(ctx, "SELECT handle, pid FROM mounts WHERE name = ?;", req.Name).Scan(&staleHandle, &ownerPID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("lookup mount %q: %w", req.Name, err)
	case t.alive(ownerPID):
		return 0, fmt.Errorf("%w: %q held by pid %d", ErrMountExists, req.Name, ownerPID)
	default:
		if _, err := tx.ExecContext(ctx, "DELETE FROM mounts WHERE handle = ?;", staleHandle); err != nil {
			return 0, fmt.Errorf("reclaim stale mount %q: %w", req.Name, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
INSERT INTO mounts(name, device, idx, kind, pid, mounted_at)
VALUES(?, ?, ?, ?, ?, ?);
`, req.Name, req.Device, req.Index, string(req.Kind), t.pid, now)
	if err != nil {
		return 0, fmt.Errorf("insert mount %q: %w", req.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("mount handle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return uint32(id), nil
}

// Unmount releases handle.
func (t *Table) Unmount(ctx context.Context, handle uint32) error {
	res, err := t.db.ExecContext(ctx, "DELETE FROM mounts WHERE handle = ?;", handle)
	if err != nil {
		return fmt.Errorf("delete mount %d: %w", handle, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete mount %d: %w", handle, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: handle %d", ErrNotMounted, handle)
	}
	return nil
}

// Lookup returns the mount named name, or ErrNotMounted.
func (t *Table) Lookup(ctx context.Context, name string) (*Mount, error) {
	row := t.db.QueryRowContext(ctx, `
SELECT handle, name, device, idx, kind, pid, mounted_at FROM mounts WHERE name = ?;
`, name)
	m, err := scanMount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotMounted, name)
	}
	return m, err
}

// List returns every mount ordered by handle.
func (t *Table) List(ctx context.Context) ([]Mount, error) {
	rows, err := t.db.QueryContext(ctx, `
SELECT handle, name, device, idx, kind, pid, mounted_at FROM mounts ORDER BY handle;
`)
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	defer rows.Close()

	var out []Mount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	return out, nil
}

// Orphans returns mounts whose owning process is gone. The next Mount of the
// same name reclaims them.
func (t *Table) Orphans(ctx context.Context) ([]Mount, error) {
	mounts, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Mount
	for _, m := range mounts {
		if !t.alive(m.PID) {
			out = append(out, m)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMount(s scanner) (*Mount, error) {
	var (
		m    Mount
		kind string
		at   string
	)
	if err := s.Scan(&m.Handle, &m.Name, &m.Device, &m.Index, &kind, &m.PID, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan mount: %w", err)
	}
	m.Kind = Kind(kind)
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("parse mounted_at for %q: %w", m.Name, err)
	}
	m.MountedAt = ts
	return &m, nil
}
