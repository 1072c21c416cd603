// Package devserv is the process entry point shared by every driver command.
// It parses the driver argument contract, loads configuration, builds the
// mount table, service registry and transport, and hands the driver's
// capability table to the lifecycle controller.
package devserv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/devserv/internal/api"
	"github.com/mattjoyce/devserv/internal/config"
	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/events"
	"github.com/mattjoyce/devserv/internal/ipc"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/lifecycle"
	"github.com/mattjoyce/devserv/internal/lock"
	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/storage"
	"github.com/mattjoyce/devserv/internal/vfs"
)

const eventHistory = 256

// ErrUsage marks a positional argument error.
var ErrUsage = errors.New("usage")

// Driver describes a driver command.
type Driver struct {
	// Name is the command name shown in usage output.
	Name string
	// Flags registers driver-specific flags and returns the constructor
	// called with the device name once flags are parsed. Nil means a driver
	// with no capabilities bound.
	Flags func(fs *pflag.FlagSet) func(deviceName string) *device.Device
}

// Args is the positional argument contract:
// <device-name> <index> <mount-point> <mode>.
type Args struct {
	Device     string
	Index      uint32
	MountPoint string
	Kind       vfs.Kind
}

// ServiceName is the name the driver registers under.
func (a Args) ServiceName() string {
	return fmt.Sprintf("%s.%d", a.Device, a.Index)
}

// ParseArgs validates positional arguments. Extra arguments are ignored.
func ParseArgs(pos []string) (Args, error) {
	if len(pos) < 4 {
		return Args{}, fmt.Errorf("%w: arguments missed (got %d, want 4)", ErrUsage, len(pos))
	}
	index, err := strconv.ParseUint(pos[1], 10, 32)
	if err != nil {
		return Args{}, fmt.Errorf("%w: index %q is not a number", ErrUsage, pos[1])
	}
	if pos[0] == "" || pos[2] == "" {
		return Args{}, fmt.Errorf("%w: device name and mount point must not be empty", ErrUsage)
	}

	kind := vfs.KindFile
	if mode := pos[3]; mode != "" && (mode[0] == 'D' || mode[0] == 'd') {
		kind = vfs.KindDevice
	}
	return Args{Device: pos[0], Index: uint32(index), MountPoint: pos[2], Kind: kind}, nil
}

// Options are the flags shared by every driver command.
type Options struct {
	ConfigPath string
	LogLevel   string
	APIListen  string
}

// LoadConfig loads the config file (defaults when empty) and applies flag
// overrides. A non-empty APIListen enables the status API.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Service.LogLevel = opts.LogLevel
	}
	if opts.APIListen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = opts.APIListen
	}
	return cfg, nil
}

// Main runs a driver command and returns its exit code: 0 once the serve
// loop has run, 1 on usage or startup failure.
func Main(drv Driver, argv []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet(drv.Name, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to config file")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Override service.log_level")
	fs.StringVar(&opts.APIListen, "api-listen", "", "Serve the status API on this address")

	build := func(name string) *device.Device { return &device.Device{Name: name} }
	if drv.Flags != nil {
		build = drv.Flags(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [flags] <device-name> <index> <mount-point> <mode>\n\n", drv.Name)
		fmt.Fprintln(stderr, "A mode starting with D or d mounts a device node, anything else a file node.")
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "driver:%s %v\n", drv.Name, err)
		fs.Usage()
		return 1
	}

	args, err := ParseArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "driver:%s %v\n", drv.Name, err)
		fs.Usage()
		return 1
	}

	cfg, err := LoadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, cfg, args, build(args.Device)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// Run brings dev up at args.MountPoint and serves on its unix socket until
// ctx is cancelled. It returns an error only when the driver never reached
// its serve loop.
func Run(ctx context.Context, cfg *config.Config, args Args, dev *device.Device) error {
	return RunOn(ctx, cfg, args, dev, nil)
}

// RunOn is Run over tr, for embedding a driver in another process (for
// example over an ipc.Loopback). A nil tr listens on the configured unix
// socket. The registry advertises tr's Path() when it has one.
func RunOn(ctx context.Context, cfg *config.Config, args Args, dev *device.Device, tr dispatch.Transport) error {
	logger := log.WithDevice(args.Device, args.Index)

	lockPath := cfg.LockPath(args.Device, args.Index)
	if err := storage.CheckLocal(lockPath); err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	db, err := storage.OpenSQLite(ctx, cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	if tr == nil {
		srv, err := ipc.Listen(cfg.SocketPath(args.Device, args.Index))
		if err != nil {
			return err
		}
		defer srv.Close()
		tr = srv
	}
	var socket string
	if p, ok := tr.(interface{ Path() string }); ok {
		socket = p.Path()
	}

	hub := events.NewHub(eventHistory)
	mounts := vfs.NewTable(db)
	registry := kserv.NewRegistry(db, kserv.Options{
		AutoReady:    cfg.Registry.AutoReady,
		PollInterval: cfg.Registry.PollInterval,
		ReadyTimeout: cfg.Registry.ReadyTimeout,
	})
	disp := dispatch.New(dev, dispatch.Options{
		MaxReadSize: cfg.Dispatch.MaxReadSize,
		Events:      hub,
		Logger:      logger.With("component", "dispatch"),
	})
	ctrl := lifecycle.New(dev, mounts, registry, disp.Loop(tr), lifecycle.Options{
		Events: hub,
		Logger: logger.With("component", "lifecycle"),
	})

	if cfg.API.Enabled {
		apiCtx, cancelAPI := context.WithCancel(ctx)
		defer cancelAPI()
		status := api.New(api.Config{
			Listen: cfg.API.Listen,
			Device: args.Device,
			Index:  args.Index,
		}, api.Deps{
			Stats:     disp.Stats(),
			Mounts:    mounts,
			Services:  registry,
			Lifecycle: ctrl,
			Events:    hub,
		}, logger.With("component", "api"))
		go func() {
			if err := status.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	runErr := ctrl.Run(ctx, lifecycle.Config{
		Mount: vfs.MountRequest{
			Name:   args.MountPoint,
			Device: args.Device,
			Index:  args.Index,
			Kind:   args.Kind,
		},
		Service: kserv.Service{
			Name:   args.ServiceName(),
			PID:    os.Getpid(),
			Socket: socket,
		},
	})

	if err := registry.Deregister(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("failed to deregister service", "error", err)
	}
	if errors.Is(runErr, lifecycle.ErrAborted) {
		return runErr
	}
	if runErr != nil {
		logger.Error("serve loop ended with error", "error", runErr)
	}
	logger.Info("driver stopped", "requests", disp.Stats().Total())
	return nil
}
