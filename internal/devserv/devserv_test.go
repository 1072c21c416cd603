package devserv

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devserv/internal/config"
	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/ipc"
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/lifecycle"
	"github.com/mattjoyce/devserv/internal/lock"
	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/protocol"
	"github.com/mattjoyce/devserv/internal/storage"
	"github.com/mattjoyce/devserv/internal/vfs"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Args
		wantErr bool
	}{
		{"device mode", []string{"ramdisk", "0", "/dev/rd0", "D"}, Args{"ramdisk", 0, "/dev/rd0", vfs.KindDevice}, false},
		{"lowercase device mode", []string{"fifo", "3", "/dev/f3", "dev"}, Args{"fifo", 3, "/dev/f3", vfs.KindDevice}, false},
		{"file mode", []string{"ramdisk", "1", "/tmp/img", "f"}, Args{"ramdisk", 1, "/tmp/img", vfs.KindFile}, false},
		{"empty mode", []string{"ramdisk", "1", "/tmp/img", ""}, Args{"ramdisk", 1, "/tmp/img", vfs.KindFile}, false},
		{"extra args ignored", []string{"ramdisk", "1", "/dev/rd1", "d", "x"}, Args{"ramdisk", 1, "/dev/rd1", vfs.KindDevice}, false},
		{"too few", []string{"ramdisk", "0", "/dev/rd0"}, Args{}, true},
		{"none", nil, Args{}, true},
		{"non-numeric index", []string{"ramdisk", "zero", "/dev/rd0", "D"}, Args{}, true},
		{"negative index", []string{"ramdisk", "-1", "/dev/rd0", "D"}, Args{}, true},
		{"empty device", []string{"", "0", "/dev/rd0", "D"}, Args{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgs(tt.args)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "ramdisk.2", Args{Device: "ramdisk", Index: 2}.ServiceName())
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(Options{LogLevel: "debug", APIListen: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.API.Listen)

	cfg, err = LoadConfig(Options{})
	require.NoError(t, err)
	assert.False(t, cfg.API.Enabled)
}

func TestMainUsage(t *testing.T) {
	drv := Driver{Name: "ramdisk"}
	tests := []struct {
		name string
		argv []string
		code int
		want string
	}{
		{"missing args", []string{"ramdisk", "0"}, 1, "arguments missed"},
		{"bad index", []string{"ramdisk", "x", "/dev/rd0", "D"}, 1, "not a number"},
		{"unknown flag", []string{"--bogus", "ramdisk", "0", "/dev/rd0", "D"}, 1, "driver:ramdisk unknown flag: --bogus"},
		{"flag missing value", []string{"--config"}, 1, "flag needs an argument"},
		{"help", []string{"--help"}, 0, "Usage: ramdisk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			assert.Equal(t, tt.code, Main(drv, tt.argv, &stderr))
			assert.Contains(t, stderr.String(), tt.want)
			// Every rejection ends with the usage text.
			assert.Contains(t, stderr.String(), "Usage: ramdisk [flags]")
		})
	}
}

func TestMainDriverFlags(t *testing.T) {
	var size int
	drv := Driver{
		Name: "ramdisk",
		Flags: func(fs *pflag.FlagSet) func(string) *device.Device {
			fs.IntVar(&size, "size", 16, "disk size")
			return func(name string) *device.Device { return &device.Device{Name: name} }
		},
	}
	var stderr bytes.Buffer
	// Missing positionals fail after flags were parsed.
	assert.Equal(t, 1, Main(drv, []string{"--size", "4096", "ramdisk"}, &stderr))
	assert.Equal(t, 4096, size)
	assert.Contains(t, stderr.String(), "--size")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Dir = t.TempDir()
	// Unix socket paths are length-limited; keep them short.
	sockDir, err := os.MkdirTemp("", "dv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	cfg.IPC.SocketDir = sockDir
	cfg.Registry.PollInterval = 10 * time.Millisecond
	cfg.Registry.ReadyTimeout = time.Second
	return cfg
}

func echoDevice() *device.Device {
	return &device.Device{
		Name:  "echo",
		Open:  func(node uint32, flags int32) int32 { return flags },
		Mount: func(uint32, uint32) int32 { return 0 },
	}
}

func TestRunServesAndTearsDown(t *testing.T) {
	cfg := testConfig(t)
	args := Args{Device: "echo", Index: 0, MountPoint: "/dev/echo0", Kind: vfs.KindDevice}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, args, echoDevice()) }()

	sock := cfg.SocketPath(args.Device, args.Index)
	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	client, err := ipc.Dial(callCtx, sock)
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Call(callCtx, protocol.TypeOpen, protocol.OpenRequest(1, 42))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeOpen, reply.Type)
	assert.Equal(t, protocol.EncodeInt(42), reply.Payload)

	db, err := storage.OpenSQLite(context.Background(), cfg.DatabasePath())
	require.NoError(t, err)
	defer db.Close()

	mounts, err := vfs.NewTable(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/dev/echo0", mounts[0].Name)

	rec, err := kserv.NewRegistry(db, kserv.Options{}).Get(context.Background(), "echo.0")
	require.NoError(t, err)
	assert.True(t, rec.Ready)
	assert.Equal(t, sock, rec.Socket)
	assert.Equal(t, os.Getpid(), rec.PID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mounts, err = vfs.NewTable(db).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mounts)
	_, err = kserv.NewRegistry(db, kserv.Options{}).Get(context.Background(), "echo.0")
	assert.ErrorIs(t, err, kserv.ErrNotRegistered)
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestRunOnLoopback(t *testing.T) {
	cfg := testConfig(t)
	args := Args{Device: "echo", Index: 5, MountPoint: "/dev/echo5", Kind: vfs.KindDevice}
	lb := ipc.NewLoopback(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- RunOn(ctx, cfg, args, echoDevice(), lb) }()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	require.NoError(t, lb.Request(callCtx, &protocol.Envelope{Sender: 9, Type: protocol.TypeOpen, Payload: protocol.OpenRequest(1, 7)}))
	reply, err := lb.Reply(callCtx)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), reply.Sender)
	assert.Equal(t, protocol.TypeOpen, reply.Type)
	assert.Equal(t, protocol.EncodeInt(7), reply.Payload)

	db, err := storage.OpenSQLite(context.Background(), cfg.DatabasePath())
	require.NoError(t, err)
	defer db.Close()
	rec, err := kserv.NewRegistry(db, kserv.Options{}).Get(context.Background(), "echo.5")
	require.NoError(t, err)
	assert.Empty(t, rec.Socket)
	_, err = os.Stat(cfg.SocketPath(args.Device, args.Index))
	assert.True(t, os.IsNotExist(err), "no unix socket for an embedded driver")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunOn did not return after cancel")
	}
	mounts, err := vfs.NewTable(db).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestRunMountHookDeclines(t *testing.T) {
	cfg := testConfig(t)
	dev := &device.Device{Name: "bad", Mount: func(uint32, uint32) int32 { return -1 }}

	err := Run(context.Background(), cfg, Args{Device: "bad", MountPoint: "/dev/bad", Kind: vfs.KindDevice}, dev)
	assert.ErrorIs(t, err, lifecycle.ErrAborted)
}

func TestRunNotReady(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.AutoReady = false
	cfg.Registry.ReadyTimeout = 50 * time.Millisecond

	err := Run(context.Background(), cfg, Args{Device: "slow", MountPoint: "/dev/slow", Kind: vfs.KindDevice}, echoDevice())
	assert.ErrorIs(t, err, lifecycle.ErrAborted)
	assert.ErrorIs(t, err, kserv.ErrNotReady)
}

func TestRunInstanceLockHeld(t *testing.T) {
	cfg := testConfig(t)
	held, err := lock.Acquire(cfg.LockPath("echo", 1))
	require.NoError(t, err)
	defer held.Release()

	err = Run(context.Background(), cfg, Args{Device: "echo", Index: 1, MountPoint: "/dev/echo1"}, echoDevice())
	assert.ErrorIs(t, err, lock.ErrHeld)
	_, statErr := os.Stat(filepath.Join(cfg.State.Dir, storage.DatabaseFile))
	assert.True(t, os.IsNotExist(statErr), "database must not be opened without the lock")
}
