// Package fifo is a bounded byte pipe. Writers block (AGAIN) when it is full
// and readers when it is empty; seek offsets are ignored.
package fifo

import (
	"sync"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/protocol"
)

const DefaultCapacity = 4 << 10

// CmdBuffered reports how many bytes are waiting to be read.
const CmdBuffered int32 = 0

// Pipe is a ring buffer. All methods are safe for concurrent use.
type Pipe struct {
	mu   sync.Mutex
	buf  []byte
	head int
	n    int
	root uint32
}

func New(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe{buf: make([]byte, capacity)}
}

func (p *Pipe) Device(name string) *device.Device {
	return &device.Device{
		Name:    name,
		Open:    p.open,
		Read:    p.read,
		Write:   p.write,
		Control: p.control,
		Flush:   p.flush,
		Mount: func(handle, _ uint32) int32 {
			p.mu.Lock()
			p.root = handle
			p.mu.Unlock()
			return 0
		},
		Unmount: func(uint32) {
			p.mu.Lock()
			p.root = 0
			p.mu.Unlock()
		},
	}
}

// Len returns the number of buffered bytes.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *Pipe) open(node uint32, _ int32) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if node != p.root {
		return -1
	}
	return 0
}

func (p *Pipe) write(node uint32, data []byte, _ int32) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if node != p.root {
		return -1, nil
	}
	if len(data) == 0 {
		return 0, nil
	}
	free := len(p.buf) - p.n
	if free == 0 {
		return 0, device.ErrWouldBlock
	}
	if len(data) > free {
		data = data[:free]
	}
	tail := (p.head + p.n) % len(p.buf)
	c := copy(p.buf[tail:], data)
	copy(p.buf, data[c:])
	p.n += len(data)
	return int32(len(data)), nil
}

func (p *Pipe) read(node uint32, out []byte, _ int32) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if node != p.root {
		return -1, nil
	}
	if p.n == 0 {
		return 0, device.ErrWouldBlock
	}
	want := min(len(out), p.n)
	c := copy(out[:want], p.buf[p.head:min(p.head+want, len(p.buf))])
	copy(out[c:want], p.buf)
	p.head = (p.head + want) % len(p.buf)
	p.n -= want
	return int32(want), nil
}

func (p *Pipe) control(node uint32, cmd int32, _ []byte) (*device.Buffer, int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if node != p.root || cmd != CmdBuffered {
		return nil, -1
	}
	return device.NewBuffer(protocol.EncodeInt(int32(p.n)), nil), 4
}

// flush discards everything buffered.
func (p *Pipe) flush(uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head, p.n = 0, 0
}
