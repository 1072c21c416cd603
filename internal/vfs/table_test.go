package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devserv/internal/storage"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), storage.DatabaseFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTable(db)
}

func TestMountAndUnmount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl := newTable(t)

	h1, err := tbl.Mount(ctx, MountRequest{Name: "/dev/rd0", Device: "ramdisk", Index: 0, Kind: KindDevice})
	require.NoError(t, err)
	assert.NotZero(t, h1)

	h2, err := tbl.Mount(ctx, MountRequest{Name: "/dev/rd1", Device: "ramdisk", Index: 1, Kind: KindFile})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	mounts, err := tbl.List(ctx)
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, "/dev/rd0", mounts[0].Name)
	assert.Equal(t, KindFile, mounts[1].Kind)
	assert.Equal(t, uint32(1), mounts[1].Index)
	assert.False(t, mounts[0].MountedAt.IsZero())

	m, err := tbl.Lookup(ctx, "/dev/rd1")
	require.NoError(t, err)
	assert.Equal(t, h2, m.Handle)

	require.NoError(t, tbl.Unmount(ctx, h1))
	assert.ErrorIs(t, tbl.Unmount(ctx, h1), ErrNotMounted)

	_, err = tbl.Lookup(ctx, "/dev/rd0")
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestMountConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl := newTable(t)

	req := MountRequest{Name: "/dev/fifo0", Device: "fifo", Kind: KindDevice}
	_, err := tbl.Mount(ctx, req)
	require.NoError(t, err)

	_, err = tbl.Mount(ctx, req)
	assert.ErrorIs(t, err, ErrMountExists)
}

func TestMountReclaimsStaleOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl := newTable(t)

	req := MountRequest{Name: "/dev/fifo0", Device: "fifo", Kind: KindDevice}
	old, err := tbl.Mount(ctx, req)
	require.NoError(t, err)

	tbl.alive = func(int) bool { return false }
	h, err := tbl.Mount(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, old, h)

	mounts, err := tbl.List(ctx)
	require.NoError(t, err)
	assert.Len(t, mounts, 1)
}

func TestMountValidation(t *testing.T) {
	t.Parallel()
	tbl := newTable(t)

	tests := []struct {
		name string
		req  MountRequest
	}{
		{"empty name", MountRequest{Device: "d", Kind: KindDevice}},
		{"empty device", MountRequest{Name: "/dev/x", Kind: KindDevice}},
		{"bad kind", MountRequest{Name: "/dev/x", Device: "d", Kind: "socket"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := tbl.Mount(context.Background(), tt.req)
			assert.Error(t, err)
			assert.Zero(t, h)
		})
	}
}

func TestOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl := newTable(t)

	_, err := tbl.Mount(ctx, MountRequest{Name: "/dev/rd0", Device: "ramdisk", Kind: KindDevice})
	require.NoError(t, err)

	orphans, err := tbl.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	tbl.alive = func(pid int) bool { return pid != os.Getpid() }
	orphans, err = tbl.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "/dev/rd0", orphans[0].Name)
}
