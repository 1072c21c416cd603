package dispatch

import (
	"errors"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/protocol"
)

// malformed rejects a request whose payload does not hold the operation's
// fields.
func (d *Dispatcher) malformed(x *exchange, err error) {
	x.logger.Warn("malformed request payload", "error", err, "size", len(x.env.Payload))
	x.fail()
}

func (d *Dispatcher) open(x *exchange) {
	r := protocol.NewReader(x.env.Payload)
	node, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	flags, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	if node == 0 {
		x.fail()
		return
	}

	var ret int32
	if d.dev.Open != nil {
		ret = d.dev.Open(uint32(node), flags)
	}
	x.reply(protocol.EncodeInt(ret))
}

func (d *Dispatcher) close(x *exchange) {
	info, err := protocol.DecodeInfo(x.env.Payload)
	if err != nil {
		x.logger.Warn("dropping close with unreadable info", "error", err)
		return
	}
	if info == nil || info.Node == 0 {
		return
	}
	if d.dev.Close != nil {
		d.dev.Close(info)
	}
}

func (d *Dispatcher) remove(x *exchange) {
	info, err := protocol.DecodeInfo(x.env.Payload)
	if err != nil {
		d.malformed(x, err)
		return
	}
	if info == nil {
		x.fail()
		return
	}

	ret := int32(-1)
	if d.dev.Remove != nil {
		ret = d.dev.Remove(info)
	}
	if ret != 0 {
		x.fail()
		return
	}
	x.reply(nil)
}

func (d *Dispatcher) write(x *exchange) {
	r := protocol.NewReader(x.env.Payload)
	node, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	data, err := r.ReadBytes()
	if err != nil {
		d.malformed(x, err)
		return
	}
	seek, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	if node == 0 {
		x.fail()
		return
	}

	var ret int32
	if d.dev.Write != nil {
		ret, err = d.dev.Write(uint32(node), data, seek)
	}
	if errors.Is(err, device.ErrWouldBlock) {
		if ret <= 0 {
			x.again()
			return
		}
		// Bytes already consumed are reported; the next write blocks.
		err = nil
	}
	if err != nil {
		x.logger.Debug("write reported error", "error", err, "result", ret)
	}
	// Negative results travel back in a normal reply; only would-block is
	// distinguished for writes.
	x.reply(protocol.EncodeInt(ret))
}

func (d *Dispatcher) read(x *exchange) {
	r := protocol.NewReader(x.env.Payload)
	node, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	size, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	seek, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	if node == 0 {
		x.fail()
		return
	}
	if size == 0 {
		x.reply(nil)
		return
	}
	if size < 0 || int(size) > d.maxRead {
		x.logger.Warn("read size out of range", "size", size, "max", d.maxRead)
		x.fail()
		return
	}

	buf := d.getReadBuf(int(size))
	defer d.putReadBuf(buf)

	var ret int32
	if d.dev.Read != nil {
		ret, err = d.dev.Read(uint32(node), *buf, seek)
	}
	if errors.Is(err, device.ErrWouldBlock) {
		if ret <= 0 {
			x.again()
			return
		}
		err = nil
	}
	switch {
	case err != nil || ret < 0:
		x.logger.Debug("read failed", "error", err, "result", ret)
		x.fail()
	case int(ret) > len(*buf):
		x.logger.Warn("read result exceeds buffer", "result", ret, "size", size)
		x.fail()
	default:
		x.reply((*buf)[:ret])
	}
}

func (d *Dispatcher) control(x *exchange) {
	r := protocol.NewReader(x.env.Payload)
	node, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	cmd, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	arg, err := r.ReadBytes()
	if err != nil {
		d.malformed(x, err)
		return
	}
	if node == 0 {
		x.fail()
		return
	}

	var out *device.Buffer
	ret := int32(-1)
	if d.dev.Control != nil {
		out, ret = d.dev.Control(uint32(node), cmd, arg)
	}
	defer out.Release()

	if ret < 0 {
		x.fail()
		return
	}
	var data []byte
	if out != nil {
		data = out.Data
	}
	if int(ret) > len(data) {
		x.logger.Warn("control result exceeds buffer", "result", ret, "len", len(data))
		x.fail()
		return
	}
	x.reply(data[:ret])
}

func (d *Dispatcher) dma(x *exchange) {
	node, err := protocol.DecodeNode(x.env.Payload)
	if err != nil {
		d.malformed(x, err)
		return
	}
	if node == 0 {
		x.fail()
		return
	}

	var addr, size int32
	if d.dev.DMA != nil {
		addr, size = d.dev.DMA(node)
	}
	x.reply(protocol.NewWriter().WriteInt(addr).WriteInt(size).Bytes())
}

func (d *Dispatcher) flush(x *exchange) {
	node, err := protocol.DecodeNode(x.env.Payload)
	if err != nil {
		x.logger.Warn("dropping flush with short payload", "error", err)
		return
	}
	if node == 0 {
		return
	}
	if d.dev.Flush != nil {
		d.dev.Flush(node)
	}
}

func (d *Dispatcher) add(x *exchange) {
	r := protocol.NewReader(x.env.Payload)
	node, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	name, err := r.ReadString()
	if err != nil {
		d.malformed(x, err)
		return
	}
	entryType, err := r.ReadInt()
	if err != nil {
		d.malformed(x, err)
		return
	}
	if node == 0 || name == "" {
		x.fail()
		return
	}

	ret := int32(-1)
	if d.dev.Add != nil {
		ret = d.dev.Add(uint32(node), name, entryType)
	}
	x.reply(protocol.EncodeInt(ret))
}

func (d *Dispatcher) getReadBuf(size int) *[]byte {
	if p, ok := d.readBufs.Get().(*[]byte); ok && cap(*p) >= size {
		*p = (*p)[:size]
		clear(*p)
		return p
	}
	b := make([]byte, size)
	return &b
}

func (d *Dispatcher) putReadBuf(p *[]byte) {
	d.readBufs.Put(p)
}
