// Package kserv is the service registry driver processes advertise
// themselves in. A service becomes reachable once it is marked ready, either
// automatically on registration or by an operator (devctl ready).
package kserv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/devserv/internal/log"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultReadyTimeout = 30 * time.Second
)

var (
	// ErrNotReady is returned when the readiness wait gives up.
	ErrNotReady = errors.New("kserv: service not ready")
	// ErrNotRegistered is returned for operations on an unknown service.
	ErrNotRegistered = errors.New("kserv: service not registered")
)

// Service is what a driver advertises.
type Service struct {
	Name        string `json:"name"`
	InstanceID  string `json:"instance_id"`
	PID         int    `json:"pid"`
	Socket      string `json:"socket"`
	MountHandle uint32 `json:"mount_handle"`
}

// Record is a registry row as listed by devctl and the status API.
type Record struct {
	Service
	Ready        bool       `json:"ready"`
	RegisteredAt time.Time  `json:"registered_at"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
}

type Options struct {
	// AutoReady marks a service ready as soon as it registers.
	AutoReady    bool
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// Registry is a SQLite-backed service registry. One Registry value tracks the
// service its process registered so WaitReady and Deregister need no name.
type Registry struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger

	current string
}

func NewRegistry(db *sql.DB, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	return &Registry{db: db, opts: opts, logger: log.WithComponent("kserv")}
}

// Register advertises svc, replacing any earlier instance of the same name.
// An empty InstanceID is filled with a fresh UUID.
func (r *Registry) Register(ctx context.Context, svc Service) error {
	if svc.Name == "" {
		return fmt.Errorf("service name is empty")
	}
	if svc.InstanceID == "" {
		svc.InstanceID = uuid.NewString()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ready := 0
	var readyAt any
	if r.opts.AutoReady {
		ready, readyAt = 1, now
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO services(name, instance_id, pid, socket, mount_handle, ready, registered_at, ready_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  instance_id = excluded.instance_id,
  pid = excluded.pid,
  socket = excluded.socket,
  mount_handle = excluded.mount_handle,
  ready = excluded.ready,
  registered_at = excluded.registered_at,
  ready_at = excluded.ready_at;
`, svc.Name, svc.InstanceID, svc.PID, svc.Socket, svc.MountHandle, ready, now, readyAt)
	if err != nil {
		return fmt.Errorf("register service %q: %w", svc.Name, err)
	}
	r.current = svc.Name
	r.logger.Info("service registered", "service", svc.Name, "instance_id", svc.InstanceID, "auto_ready", r.opts.AutoReady)
	return nil
}

// WaitReady polls until the registered service is marked ready, ctx ends or
// the ready timeout passes.
func (r *Registry) WaitReady(ctx context.Context) error {
	if r.current == "" {
		return ErrNotRegistered
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := r.Get(ctx, r.current)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if rec != nil && rec.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %q: %v", ErrNotReady, r.current, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Deregister removes the service this Registry registered.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.current == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM services WHERE name = ?;", r.current); err != nil {
		return fmt.Errorf("deregister service %q: %w", r.current, err)
	}
	r.logger.Info("service deregistered", "service", r.current)
	r.current = ""
	return nil
}

// SetReady sets or clears the ready flag of a named service.
func (r *Registry) SetReady(ctx context.Context, name string, ready bool) error {
	var (
		flag    int
		readyAt any
	)
	if ready {
		flag, readyAt = 1, time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := r.db.ExecContext(ctx, "UPDATE services SET ready = ?, ready_at = ? WHERE name = ?;", flag, readyAt, name)
	if err != nil {
		return fmt.Errorf("update service %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update service %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return nil
}

// Get returns one service record, or ErrNotRegistered.
func (r *Registry) Get(ctx context.Context, name string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT name, instance_id, pid, socket, mount_handle, ready, registered_at, ready_at
FROM services WHERE name = ?;
`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return rec, err
}

// List returns every registered service ordered by name.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT name, instance_id, pid, socket, mount_handle, ready, registered_at, ready_at
FROM services ORDER BY name;
`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec     Record
		handle  sql.NullInt64
		ready   int
		regAt   string
		readyAt sql.NullString
	)
	err := s.Scan(&rec.Name, &rec.InstanceID, &rec.PID, &rec.Socket, &handle, &ready, &regAt, &readyAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan service: %w", err)
	}
	rec.MountHandle = uint32(handle.Int64)
	rec.Ready = ready != 0
	if rec.RegisteredAt, err = time.Parse(time.RFC3339Nano, regAt); err != nil {
		return nil, fmt.Errorf("parse registered_at for %q: %w", rec.Name, err)
	}
	if readyAt.Valid {
		at, err := time.Parse(time.RFC3339Nano, readyAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ready_at for %q: %w", rec.Name, err)
		}
		rec.ReadyAt = &at
	}
	return &rec, nil
}
