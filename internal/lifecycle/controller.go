// Package lifecycle brings a driver from nothing to a serving mount point and
// back: mount, driver mount hook, service registration, readiness wait, serve
// loop, unmount. Every failure before serving unwinds only what was set up.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/events"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/vfs"
)

// State is a lifecycle stage.
type State string

const (
	StateInit       State = "init"
	StateMounted    State = "mounted"
	StateRegistered State = "registered"
	StateReady      State = "ready"
	StateServing    State = "serving"
	StateUnmounting State = "unmounting"
	StateTerminated State = "terminated"
	StateAborted    State = "aborted"
)

// ErrAborted wraps every startup failure returned by Run.
var ErrAborted = errors.New("lifecycle: startup aborted")

// Transition is one recorded state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Config names what the controller asks its collaborators for.
type Config struct {
	Mount   vfs.MountRequest
	Service kserv.Service
}

type Options struct {
	Events *events.Hub
	Logger *slog.Logger
}

// Controller runs one driver lifecycle. It is not reusable.
type Controller struct {
	dev      *device.Device
	mounter  Mounter
	registry Registry
	server   Server
	events   *events.Hub
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	handle  uint32
	history []Transition
}

func New(dev *device.Device, m Mounter, r Registry, s Server, opts Options) *Controller {
	if dev == nil {
		dev = &device.Device{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("lifecycle")
	}
	return &Controller{
		dev:      dev,
		mounter:  m,
		registry: r,
		server:   s,
		events:   opts.Events,
		logger:   opts.Logger,
		state:    StateInit,
	}
}

// Run drives the lifecycle to completion. A startup failure returns an error
// wrapping ErrAborted without entering the serve loop. After serving, Run
// returns the serve loop's error, if any, once teardown is done.
func (c *Controller) Run(ctx context.Context, cfg Config) error {
	logger := c.logger.With("mount", cfg.Mount.Name, "index", cfg.Mount.Index)

	handle, err := c.mounter.Mount(ctx, cfg.Mount)
	if err == nil && handle == 0 {
		err = errors.New("mount table returned handle 0")
	}
	if err != nil {
		return c.abort(logger, fmt.Errorf("mount %q: %w", cfg.Mount.Name, err))
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	c.transition(StateMounted, nil)
	logger = logger.With("handle", handle)

	if c.dev.Mount != nil {
		if rc := c.dev.Mount(handle, cfg.Mount.Index); rc != 0 {
			// The driver never attached, so only the table entry is undone.
			if err := c.mounter.Unmount(context.WithoutCancel(ctx), handle); err != nil {
				logger.Error("unmount after failed mount hook", "error", err)
			}
			return c.abort(logger, fmt.Errorf("driver mount hook returned %d", rc))
		}
	}

	svc := cfg.Service
	if svc.InstanceID == "" {
		svc.InstanceID = uuid.NewString()
	}
	svc.MountHandle = handle
	if err := c.registry.Register(ctx, svc); err != nil {
		c.teardown(ctx, logger)
		return c.abort(logger, fmt.Errorf("register service %q: %w", svc.Name, err))
	}
	c.transition(StateRegistered, nil)

	if err := c.registry.WaitReady(ctx); err != nil {
		c.teardown(ctx, logger)
		return c.abort(logger, fmt.Errorf("wait for %q ready: %w", svc.Name, err))
	}
	c.transition(StateReady, nil)

	c.transition(StateServing, nil)
	logger.Info("serving", "service", svc.Name, "instance_id", svc.InstanceID)
	serveErr := c.server.Serve(ctx)
	if serveErr != nil {
		logger.Error("serve loop failed", "error", serveErr)
	}

	c.transition(StateUnmounting, serveErr)
	c.teardown(ctx, logger)
	c.transition(StateTerminated, nil)
	return serveErr
}

// teardown removes the mount entry, then runs the driver unmount hook only if
// that succeeded.
func (c *Controller) teardown(ctx context.Context, logger *slog.Logger) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if err := c.mounter.Unmount(context.WithoutCancel(ctx), handle); err != nil {
		logger.Error("vfs unmount failed; driver unmount hook skipped", "error", err)
		return
	}
	if c.dev.Unmount != nil {
		c.dev.Unmount(handle)
	}
}

func (c *Controller) abort(logger *slog.Logger, cause error) error {
	logger.Error("startup aborted", "error", cause)
	c.transition(StateAborted, cause)
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

func (c *Controller) transition(to State, cause error) {
	c.mu.Lock()
	t := Transition{From: c.state, To: to, At: time.Now().UTC()}
	if cause != nil {
		t.Error = cause.Error()
	}
	c.state = to
	c.history = append(c.history, t)
	handle := c.handle
	c.mu.Unlock()

	c.logger.Debug("lifecycle transition", "from", t.From, "to", t.To, "handle", handle)
	c.events.Publish(events.LifecyclePrefix+string(to), stateEvent{
		Device: c.dev.Name,
		From:   t.From,
		To:     t.To,
		Handle: handle,
		Error:  t.Error,
	})
}

type stateEvent struct {
	Device string `json:"device"`
	From   State  `json:"from"`
	To     State  `json:"to"`
	Handle uint32 `json:"handle,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle returns the mount handle, or 0 before mounting.
func (c *Controller) Handle() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// History returns a copy of the recorded transitions.
func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.history...)
}
