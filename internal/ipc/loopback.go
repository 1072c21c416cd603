package ipc

import (
	"context"
	"errors"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"

	"github.com/mattjoyce/devserv/internal/protocol"
)

// DefaultLoopbackCapacity is the queue depth used when NewLoopback gets 0.
const DefaultLoopbackCapacity = 64

// Loopback is an in-process transport built on two bounded SPSC queues, one
// per direction. The driver side (Receive/Send) and the client side
// (Request/Reply) must each be used from a single goroutine.
//
// devserv.RunOn serves a driver over a Loopback when the driver is embedded
// in its client's process instead of listening on a socket.
type Loopback struct {
	requests lfq.SPSC[protocol.Envelope]
	replies  lfq.SPSC[protocol.Envelope]
	closed   atomic.Bool
}

// NewLoopback creates a loopback transport. capacity is rounded up to a power
// of two.
func NewLoopback(capacity int) *Loopback {
	if capacity <= 0 {
		capacity = DefaultLoopbackCapacity
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	l := &Loopback{}
	l.requests.Init(n)
	l.replies.Init(n)
	return l
}

// Receive takes the next request, backing off while the queue is empty.
func (l *Loopback) Receive(ctx context.Context) (*protocol.Envelope, error) {
	env, err := l.dequeue(ctx, &l.requests)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Send queues a reply for the client. The payload is copied.
func (l *Loopback) Send(ctx context.Context, to uint32, typ protocol.Type, payload []byte) error {
	return l.enqueue(ctx, &l.replies, protocol.Envelope{Sender: to, Type: typ, Payload: clone(payload)})
}

// Request queues a request for the driver. The payload is copied.
func (l *Loopback) Request(ctx context.Context, env *protocol.Envelope) error {
	return l.enqueue(ctx, &l.requests, protocol.Envelope{Sender: env.Sender, Type: env.Type, Payload: clone(env.Payload)})
}

// Reply takes the next reply, backing off while the queue is empty.
func (l *Loopback) Reply(ctx context.Context) (*protocol.Envelope, error) {
	env, err := l.dequeue(ctx, &l.replies)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Close makes every pending and future call fail with ErrClosed.
func (l *Loopback) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *Loopback) enqueue(ctx context.Context, q *lfq.SPSC[protocol.Envelope], env protocol.Envelope) error {
	var bo iox.Backoff
	for {
		if l.closed.Load() {
			return ErrClosed
		}
		err := q.Enqueue(&env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bo.Wait()
	}
}

func (l *Loopback) dequeue(ctx context.Context, q *lfq.SPSC[protocol.Envelope]) (protocol.Envelope, error) {
	var bo iox.Backoff
	for {
		env, err := q.Dequeue()
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return protocol.Envelope{}, err
		}
		if l.closed.Load() {
			return protocol.Envelope{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return protocol.Envelope{}, err
		}
		bo.Wait()
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
