// Package ramdisk is a memory-backed block device. Every node addresses the
// same byte array; added entries only exist as names under the root.
package ramdisk

import (
	"sync"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/protocol"
)

const DefaultSize = 64 << 10

// Control commands.
const (
	CmdSize int32 = 0
	CmdZero int32 = 1
)

type entry struct {
	name      string
	entryType int32
}

// Disk holds the device state. All methods are safe for concurrent use.
type Disk struct {
	mu      sync.Mutex
	data    []byte
	root    uint32
	entries map[uint32]entry
	next    uint32
	syncs   int

	ctlBufs sync.Pool
}

func New(size int) *Disk {
	if size <= 0 {
		size = DefaultSize
	}
	d := &Disk{
		data:    make([]byte, size),
		entries: make(map[uint32]entry),
	}
	d.ctlBufs.New = func() any { b := make([]byte, 4); return &b }
	return d
}

// Device binds the disk into a capability table.
func (d *Disk) Device(name string) *device.Device {
	return &device.Device{
		Name:    name,
		Open:    d.open,
		Close:   func(*protocol.FSInfo) {},
		Remove:  d.remove,
		Read:    d.read,
		Write:   d.write,
		Control: d.control,
		DMA:     d.dma,
		Flush:   d.flush,
		Add:     d.add,
		Mount:   d.mount,
		Unmount: d.unmount,
	}
}

// Syncs reports how many flushes the disk has seen.
func (d *Disk) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

func (d *Disk) mount(handle, _ uint32) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = handle
	// Entry handles are allocated above the root handle.
	d.next = handle
	return 0
}

func (d *Disk) unmount(uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = 0
	clear(d.entries)
}

func (d *Disk) knownLocked(node uint32) bool {
	if node != 0 && node == d.root {
		return true
	}
	_, ok := d.entries[node]
	return ok
}

func (d *Disk) open(node uint32, _ int32) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.knownLocked(node) {
		return -1
	}
	return 0
}

func (d *Disk) read(node uint32, buf []byte, seek int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.knownLocked(node) || seek < 0 {
		return -1, nil
	}
	if int(seek) >= len(d.data) {
		return 0, nil
	}
	return int32(copy(buf, d.data[seek:])), nil
}

func (d *Disk) write(node uint32, data []byte, seek int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.knownLocked(node) || seek < 0 || int(seek) >= len(d.data) {
		return -1, nil
	}
	return int32(copy(d.data[seek:], data)), nil
}

func (d *Disk) control(node uint32, cmd int32, _ []byte) (*device.Buffer, int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.knownLocked(node) {
		return nil, -1
	}
	switch cmd {
	case CmdSize:
		p := d.ctlBufs.Get().(*[]byte)
		copy(*p, protocol.EncodeInt(int32(len(d.data))))
		return device.NewBuffer(*p, func() { d.ctlBufs.Put(p) }), 4
	case CmdZero:
		clear(d.data)
		return device.NewBuffer(nil, nil), 0
	default:
		return nil, -1
	}
}

func (d *Disk) dma(uint32) (int32, int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return 0, int32(len(d.data))
}

func (d *Disk) flush(uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncs++
}

func (d *Disk) add(node uint32, name string, entryType int32) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node != d.root || d.root == 0 {
		return -1
	}
	for _, e := range d.entries {
		if e.name == name {
			return -1
		}
	}
	d.next++
	d.entries[d.next] = entry{name: name, entryType: entryType}
	return int32(d.next)
}

func (d *Disk) remove(info *protocol.FSInfo) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[info.Node]; !ok {
		return -1
	}
	delete(d.entries, info.Node)
	return 0
}
