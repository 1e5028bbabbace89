package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/relayq/internal/service"
	"github.com/fentz26/relayq/internal/store"
	"github.com/fentz26/relayq/internal/wire"
)

// Server accepts connections and runs a Handler for each.
type Server struct {
	queue         store.Queue
	codec         wire.Codec
	maxFrameBytes uint64
	logger        *zap.Logger

	// active tracks connection goroutines so Serve can wait for them.
	active sync.WaitGroup
	conns  atomic.Int64
}

// NewServer creates a server backed by queue.
func NewServer(queue store.Queue, codec wire.Codec, maxFrameBytes uint64, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		queue:         queue,
		codec:         codec,
		maxFrameBytes: maxFrameBytes,
		logger:        logger,
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("wire server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("codec", s.codec.Name()),
	)

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.active.Wait()
	s.logger.Info("wire server stopped")
	return acceptErr
}

// Connections returns the number of open connections.
func (s *Server) Connections() int64 { return s.conns.Load() }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.conns.Add(1)
	defer s.conns.Add(-1)

	logger := s.logger.With(
		zap.String("conn_id", uuid.New().String()),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	h := NewHandler(conn, s.queue, s.codec, s.maxFrameBytes, logger)
	defer h.Close()

	// A handler blocked writing to a stalled peer is released by closing
	// its connection.
	stop := context.AfterFunc(ctx, func() { h.Close() })
	defer stop()

	logger.Debug("connection opened")
	err := service.Run[Outcome](ctx, h)
	switch {
	case err == nil:
		logger.Debug("connection closed by peer")
	case ctx.Err() != nil:
		logger.Debug("connection closed on shutdown", zap.Int("abandoned", h.InFlight()))
	default:
		logger.Warn("connection terminated", zap.Error(err), zap.Int("abandoned", h.InFlight()))
	}
}
