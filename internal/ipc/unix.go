package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/devserv/internal/log"
	"github.com/mattjoyce/devserv/internal/protocol"
)

// inboundDepth bounds envelopes decoded but not yet taken by the dispatcher.
const inboundDepth = 64

type conn struct {
	id uint32
	nc net.Conn
	mu sync.Mutex // serializes reply frames
}

// Server is a unix socket transport. Each accepted connection gets an id that
// is stamped into the sender field of every envelope it delivers, so replies
// route back to the same connection.
type Server struct {
	path    string
	ln      net.Listener
	inbound chan *protocol.Envelope
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[uint32]*conn
	nextID atomic.Uint32

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a unix socket at path, replacing a stale socket file, and
// starts accepting connections.
func Listen(path string) (*Server, error) {
	if path == "" {
		return nil, fmt.Errorf("socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	s := &Server{
		path:    path,
		ln:      ln,
		inbound: make(chan *protocol.Envelope, inboundDepth),
		done:    make(chan struct{}),
		logger:  log.WithComponent("ipc").With("socket", path),
		conns:   make(map[uint32]*conn),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path clients dial.
func (s *Server) Path() string { return s.path }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		c := &conn{id: s.nextID.Add(1), nc: nc}
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			_ = nc.Close()
			return
		default:
		}
		s.conns[c.id] = c
		s.mu.Unlock()

		s.logger.Debug("client connected", "conn", c.id)
		s.wg.Add(1)
		go s.readLoop(c)
	}
}

// readLoop only decodes frames; handling stays on the dispatch goroutine.
func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.drop(c)

	for {
		env, err := ReadFrame(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("connection read failed", "conn", c.id, "error", err)
			}
			return
		}
		env.Sender = c.id
		select {
		case s.inbound <- env:
		case <-s.done:
			return
		}
	}
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	_ = c.nc.Close()
	s.logger.Debug("client disconnected", "conn", c.id)
}

// Receive blocks until an envelope arrives, ctx is done or the server closes.
func (s *Server) Receive(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-s.inbound:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// Send writes a reply frame to connection to. The payload is written before
// Send returns and is not retained.
func (s *Server) Send(ctx context.Context, to uint32, typ protocol.Type, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	c, ok := s.conns[to]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to conn %d: no such connection", to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(c.nc, &protocol.Envelope{Sender: to, Type: typ, Payload: payload})
}

// Close stops accepting, disconnects every client and removes the socket file.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()

		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.nc.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}
