// Package ipc carries request envelopes between driver processes and their
// clients. The unix socket transport frames each envelope with a fixed
// 12-byte little-endian header {sender, type, size}; the loopback transport
// keeps everything in process on bounded lock-free queues.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/devserv/internal/protocol"
)

const (
	// HeaderSize is the length of a frame header on the wire.
	HeaderSize = 12
	// MaxPayload bounds a single frame's payload.
	MaxPayload = 16 << 20
)

var (
	// ErrClosed is returned by transports after Close.
	ErrClosed = errors.New("ipc: transport closed")
	// ErrFrameTooLarge is returned for a frame whose size exceeds MaxPayload.
	ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum payload")
)

// WriteFrame writes env as one frame. Header and payload go out in a single
// Write so concurrent writers serialized by the caller never interleave.
func WriteFrame(w io.Writer, env *protocol.Envelope) error {
	if len(env.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(env.Payload))
	}
	buf := make([]byte, HeaderSize+len(env.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], env.Sender)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(env.Type))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(env.Payload)))
	copy(buf[HeaderSize:], env.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. io.EOF is returned unwrapped when the stream ends
// cleanly on a frame boundary.
func ReadFrame(r io.Reader) (*protocol.Envelope, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	env := &protocol.Envelope{
		Sender: binary.LittleEndian.Uint32(hdr[0:4]),
		Type:   protocol.Type(binary.LittleEndian.Uint32(hdr[4:8])),
	}
	if size > 0 {
		env.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, env.Payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return env, nil
}
