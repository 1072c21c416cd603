// Package device defines the capability table a driver binds into the
// dispatch core.
//
// Every slot is optional. A nil slot is never called; the dispatcher applies
// the operation's default instead (see internal/dispatch). The table is built
// once at process start and must not be mutated afterwards.
package device

import (
	"code.hybscloud.com/iox"

	"github.com/mattjoyce/devserv/internal/protocol"
)

// ErrWouldBlock is returned by Read or Write when the operation cannot make
// progress now. With a result <= 0 the dispatcher answers AGAIN and the
// caller retries; a positive result is progress and is replied normally.
var ErrWouldBlock = iox.ErrWouldBlock

// Device is a driver's capability table.
type Device struct {
	// Name is advertised to the service registry and used in logs.
	Name string

	Open   func(node uint32, flags int32) int32
	Close  func(info *protocol.FSInfo)
	Remove func(info *protocol.FSInfo) int32

	// Read fills buf starting at seek and returns the number of bytes
	// produced. A negative result or an error other than ErrWouldBlock is a
	// hard failure. ErrWouldBlock with bytes produced delivers them.
	Read func(node uint32, buf []byte, seek int32) (int32, error)

	// Write consumes data at seek. The result is reported to the caller as
	// is, even when negative, unless err is ErrWouldBlock and nothing was
	// consumed.
	Write func(node uint32, data []byte, seek int32) (int32, error)

	// Control runs a device-specific command. The result is the number of
	// bytes of the returned buffer to send back; negative means failure.
	Control func(node uint32, cmd int32, arg []byte) (*Buffer, int32)

	DMA   func(node uint32) (addr int32, size int32)
	Flush func(node uint32)
	Add   func(node uint32, name string, entryType int32) int32

	// Mount runs after the VFS attached the device. Nonzero declines the mount.
	Mount   func(handle uint32, index uint32) int32
	Unmount func(handle uint32)
}

// Buffer is a driver-owned byte range handed back by Control. The dispatcher
// calls Release exactly once after the reply has been sent.
type Buffer struct {
	Data    []byte
	release func()
}

// NewBuffer wraps data; release may be nil.
func NewBuffer(data []byte, release func()) *Buffer {
	return &Buffer{Data: data, release: release}
}

// Release hands the buffer back to its owner. Safe on a nil buffer and on
// repeated calls.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	b.Data = nil
}
