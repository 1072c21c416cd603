package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/events"
	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/protocol"
)

// DefaultMaxReadSize caps the buffer allocated for a single read request.
const DefaultMaxReadSize = 1 << 20

// Outcome names the reply a request produced.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeErr   Outcome = "err"
	OutcomeAgain Outcome = "again"
	OutcomeNone  Outcome = "none"
)

// Sender delivers one reply envelope. Implementations must not retain payload
// after Send returns; the dispatcher recycles it.
type Sender interface {
	Send(ctx context.Context, to uint32, typ protocol.Type, payload []byte) error
}

// Transport is the message channel the serve loop runs on.
type Transport interface {
	Sender
	Receive(ctx context.Context) (*protocol.Envelope, error)
}

// Options tunes a Dispatcher. The zero value is usable.
type Options struct {
	MaxReadSize int
	Events      *events.Hub
	Logger      *slog.Logger
}

type handlerFunc func(d *Dispatcher, x *exchange)

// Dispatcher binds a capability table to the request protocol.
type Dispatcher struct {
	dev      *device.Device
	handlers map[protocol.Type]handlerFunc
	stats    *Stats
	events   *events.Hub
	logger   *slog.Logger
	maxRead  int
	readBufs sync.Pool
}

// New creates a Dispatcher for dev. dev must not be modified afterwards.
func New(dev *device.Device, opts Options) *Dispatcher {
	if dev == nil {
		dev = &device.Device{}
	}
	if opts.MaxReadSize <= 0 {
		opts.MaxReadSize = DefaultMaxReadSize
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("dispatch")
	}
	return &Dispatcher{
		dev: dev,
		handlers: map[protocol.Type]handlerFunc{
			protocol.TypeOpen:    (*Dispatcher).open,
			protocol.TypeClose:   (*Dispatcher).close,
			protocol.TypeRemove:  (*Dispatcher).remove,
			protocol.TypeWrite:   (*Dispatcher).write,
			protocol.TypeRead:    (*Dispatcher).read,
			protocol.TypeControl: (*Dispatcher).control,
			protocol.TypeDMA:     (*Dispatcher).dma,
			protocol.TypeFlush:   (*Dispatcher).flush,
			protocol.TypeAdd:     (*Dispatcher).add,
		},
		stats:   newStats(),
		events:  opts.Events,
		logger:  opts.Logger.With("device", dev.Name),
		maxRead: opts.MaxReadSize,
	}
}

// Stats returns the live request counters.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// Handle runs exactly one request to completion and sends its reply, if any.
func (d *Dispatcher) Handle(ctx context.Context, tx Sender, env *protocol.Envelope) Outcome {
	h, ok := d.handlers[env.Type]
	if !ok {
		d.logger.Debug("dropping unknown request", "type", env.Type.String(), "sender", env.Sender)
		return OutcomeNone
	}

	x := &exchange{
		ctx:     ctx,
		tx:      tx,
		env:     env,
		outcome: OutcomeNone,
		logger:  log.WithRequest(d.logger, env.Sender, env.Type.String()),
	}
	h(d, x)

	d.stats.record(env.Type, x.outcome)
	d.events.Publish("request."+string(x.outcome), requestEvent{
		Device:  d.dev.Name,
		Op:      env.Type.String(),
		Sender:  env.Sender,
		Outcome: x.outcome,
	})
	if x.sendErr != nil {
		x.logger.Warn("reply not delivered", "error", x.sendErr)
	}
	return x.outcome
}

// Serve receives and handles envelopes one at a time until ctx is cancelled or
// the transport fails.
func (d *Dispatcher) Serve(ctx context.Context, t Transport) error {
	d.logger.Info("serve loop started")
	defer d.logger.Info("serve loop stopped")

	for {
		env, err := t.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("receive: %w", err)
		}
		if env == nil {
			continue
		}
		d.Handle(ctx, t, env)
	}
}

// Loop binds the dispatcher to a transport so the pair can be handed to the
// lifecycle controller as its server.
type Loop struct {
	d *Dispatcher
	t Transport
}

func (d *Dispatcher) Loop(t Transport) *Loop {
	return &Loop{d: d, t: t}
}

func (l *Loop) Serve(ctx context.Context) error {
	err := l.d.Serve(ctx, l.t)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type requestEvent struct {
	Device  string  `json:"device"`
	Op      string  `json:"op"`
	Sender  uint32  `json:"sender"`
	Outcome Outcome `json:"outcome"`
}

// exchange is the per-request reply channel. Each reply method sends at most
// once and records the outcome.
type exchange struct {
	ctx     context.Context
	tx      Sender
	env     *protocol.Envelope
	outcome Outcome
	sendErr error
	logger  *slog.Logger
}

func (x *exchange) reply(payload []byte) {
	x.send(x.env.Type, payload, OutcomeOK)
}

func (x *exchange) fail() {
	x.send(protocol.TypeErr, nil, OutcomeErr)
}

func (x *exchange) again() {
	x.send(protocol.TypeAgain, nil, OutcomeAgain)
}

func (x *exchange) send(typ protocol.Type, payload []byte, outcome Outcome) {
	if x.outcome != OutcomeNone {
		return
	}
	x.outcome = outcome
	x.sendErr = x.tx.Send(x.ctx, x.env.Sender, typ, payload)
}
