package ramdisk

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type capture struct {
	typ     protocol.Type
	payload []byte
	n       int
}

func (c *capture) Send(_ context.Context, _ uint32, typ protocol.Type, payload []byte) error {
	c.typ, c.payload = typ, append([]byte(nil), payload...)
	c.n++
	return nil
}

// call runs one request through a dispatcher bound to the disk.
func call(t *testing.T, d *dispatch.Dispatcher, typ protocol.Type, payload []byte) *capture {
	t.Helper()
	c := &capture{}
	d.Handle(context.Background(), c, &protocol.Envelope{Sender: 1, Type: typ, Payload: payload})
	return c
}

func mounted(t *testing.T, size int) (*Disk, *dispatch.Dispatcher) {
	t.Helper()
	disk := New(size)
	dev := disk.Device("ramdisk")
	require.Equal(t, int32(0), dev.Mount(10, 0))
	return disk, dispatch.New(dev, dispatch.Options{})
}

func TestReadWrite(t *testing.T) {
	_, d := mounted(t, 16)

	c := call(t, d, protocol.TypeWrite, protocol.WriteRequest(10, []byte("hello"), 3))
	assert.Equal(t, protocol.EncodeInt(5), c.payload)

	c = call(t, d, protocol.TypeRead, protocol.ReadRequest(10, 5, 3))
	assert.Equal(t, protocol.TypeRead, c.typ)
	assert.Equal(t, "hello", string(c.payload))

	// Writes are truncated at the end of the disk.
	c = call(t, d, protocol.TypeWrite, protocol.WriteRequest(10, []byte("abcdef"), 12))
	assert.Equal(t, protocol.EncodeInt(4), c.payload)

	// Past the end: write reports -1 in a normal reply, read yields nothing.
	c = call(t, d, protocol.TypeWrite, protocol.WriteRequest(10, []byte("x"), 16))
	assert.Equal(t, protocol.TypeWrite, c.typ)
	assert.Equal(t, protocol.EncodeInt(-1), c.payload)

	c = call(t, d, protocol.TypeRead, protocol.ReadRequest(10, 4, 16))
	assert.Equal(t, protocol.TypeRead, c.typ)
	assert.Empty(t, c.payload)

	c = call(t, d, protocol.TypeRead, protocol.ReadRequest(99, 4, 0))
	assert.Equal(t, protocol.TypeErr, c.typ)
}

func TestOpen(t *testing.T) {
	_, d := mounted(t, 16)
	assert.Equal(t, protocol.EncodeInt(0), call(t, d, protocol.TypeOpen, protocol.OpenRequest(10, 0)).payload)
	assert.Equal(t, protocol.EncodeInt(-1), call(t, d, protocol.TypeOpen, protocol.OpenRequest(11, 0)).payload)
}

func TestControl(t *testing.T) {
	_, d := mounted(t, 2048)

	c := call(t, d, protocol.TypeControl, protocol.ControlRequest(10, CmdSize, nil))
	require.Equal(t, protocol.TypeControl, c.typ)
	size, err := protocol.DecodeInt(c.payload)
	require.NoError(t, err)
	assert.Equal(t, int32(2048), size)

	call(t, d, protocol.TypeWrite, protocol.WriteRequest(10, []byte("data"), 0))
	c = call(t, d, protocol.TypeControl, protocol.ControlRequest(10, CmdZero, nil))
	assert.Equal(t, protocol.TypeControl, c.typ)
	assert.Empty(t, c.payload)
	c = call(t, d, protocol.TypeRead, protocol.ReadRequest(10, 4, 0))
	assert.Equal(t, []byte{0, 0, 0, 0}, c.payload)

	c = call(t, d, protocol.TypeControl, protocol.ControlRequest(10, 42, nil))
	assert.Equal(t, protocol.TypeErr, c.typ)
}

func TestDMAAndFlush(t *testing.T) {
	disk, d := mounted(t, 512)

	c := call(t, d, protocol.TypeDMA, protocol.EncodeNode(10))
	reply, err := protocol.DecodeDMAReply(c.payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.DMAReply{Addr: 0, Size: 512}, reply)

	c = call(t, d, protocol.TypeFlush, protocol.EncodeNode(10))
	assert.Zero(t, c.n)
	assert.Equal(t, 1, disk.Syncs())
}

func TestAddAndRemove(t *testing.T) {
	_, d := mounted(t, 16)

	c := call(t, d, protocol.TypeAdd, protocol.AddRequest(10, "part0", 1))
	handle, err := protocol.DecodeInt(c.payload)
	require.NoError(t, err)
	assert.Equal(t, int32(11), handle)

	// Duplicate names are refused.
	c = call(t, d, protocol.TypeAdd, protocol.AddRequest(10, "part0", 1))
	assert.Equal(t, protocol.EncodeInt(-1), c.payload)

	// The entry is addressable.
	assert.Equal(t, protocol.EncodeInt(0), call(t, d, protocol.TypeOpen, protocol.OpenRequest(11, 0)).payload)

	info, err := protocol.EncodeInfo(&protocol.FSInfo{Node: 11, Name: "part0"})
	require.NoError(t, err)
	c = call(t, d, protocol.TypeRemove, info)
	assert.Equal(t, protocol.TypeRemove, c.typ)

	c = call(t, d, protocol.TypeRemove, info)
	assert.Equal(t, protocol.TypeErr, c.typ)
}

func TestUnmountForgetsRoot(t *testing.T) {
	disk := New(0)
	dev := disk.Device("ramdisk")
	dev.Mount(5, 0)
	dev.Unmount(5)
	assert.Equal(t, int32(-1), dev.Open(5, 0))
	_, size := dev.DMA(5)
	assert.Equal(t, int32(DefaultSize), size)
}
