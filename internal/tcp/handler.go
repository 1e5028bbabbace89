// Package tcp serves the relayq wire protocol over TCP.
//
// Each accepted connection gets a Handler. The handler interleaves two event
// sources: requests arriving on the stream, and results of AwaitTask
// retrievals running in the background. Synchronous replies (NewTaskId,
// StoreState) are written before the next event is taken, so their order
// follows request order. CompletedTask replies are written in the order the
// retrievals finish.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/service"
	"github.com/fentz26/relayq/internal/store"
	"github.com/fentz26/relayq/internal/wire"
)

// OutcomeKind tags what Poll observed.
type OutcomeKind int

const (
	// OutcomeRequest carries a decoded request.
	OutcomeRequest OutcomeKind = iota
	// OutcomeResult carries a finished background retrieval.
	OutcomeResult
	// OutcomeClosed means the peer closed the stream on a frame boundary.
	OutcomeClosed
	// OutcomeError carries a transport, decode or context error.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRequest:
		return "request"
	case OutcomeResult:
		return "result"
	case OutcomeClosed:
		return "closed"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is one event produced by Handler.Poll.
type Outcome struct {
	Kind    OutcomeKind
	Request models.Request
	// TaskID and Result are set for OutcomeResult. Err is set when the
	// retrieval failed.
	TaskID models.TaskID
	Result models.TaskResult
	Err    error
}

type inbound struct {
	req models.Request
	err error
}

type retrieval struct {
	id     models.TaskID
	result models.TaskResult
	err    error
}

// Handler runs the protocol for one connection. It implements
// service.Service[Outcome]; Poll and React must be called from a single
// goroutine.
type Handler struct {
	conn   net.Conn
	wc     *wire.Conn
	queue  store.Queue
	logger *zap.Logger

	frames  chan inbound
	results chan retrieval
	// inFlight counts retrievals whose result has not been taken yet.
	inFlight int

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler wraps conn and starts its reader. maxFrameBytes limits one
// inbound payload; zero means no limit.
func NewHandler(conn net.Conn, queue store.Queue, codec wire.Codec, maxFrameBytes uint64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		conn:    conn,
		wc:      wire.NewConn(conn, codec, maxFrameBytes),
		queue:   queue,
		logger:  logger,
		frames:  make(chan inbound),
		results: make(chan retrieval),
		done:    make(chan struct{}),
	}
	go h.readLoop()
	return h
}

// readLoop is the only reader of the stream. The frames channel is
// unbuffered, so at most one decoded frame waits for Poll. Frame N+1 may
// be decoded while the caller reacts to frame N, but it is not handed
// over until Poll is called again.
func (h *Handler) readLoop() {
	for {
		var req models.Request
		err := h.wc.Recv(&req)
		select {
		case h.frames <- inbound{req: req, err: err}:
		case <-h.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// InFlight returns the number of pending retrievals.
func (h *Handler) InFlight() int { return h.inFlight }

// Poll waits for the next request, the next finished retrieval, or the end
// of ctx. Retrieval results are only considered while some are in flight.
func (h *Handler) Poll(ctx context.Context) Outcome {
	var results <-chan retrieval
	if h.inFlight > 0 {
		results = h.results
	}

	select {
	case in := <-h.frames:
		if in.err != nil {
			if wire.IsClosed(in.err) {
				return Outcome{Kind: OutcomeClosed}
			}
			return Outcome{Kind: OutcomeError, Err: in.err}
		}
		return Outcome{Kind: OutcomeRequest, Request: in.req}
	case r := <-results:
		return Outcome{Kind: OutcomeResult, TaskID: r.id, Result: r.result, Err: r.err}
	case <-ctx.Done():
		return Outcome{Kind: OutcomeError, Err: ctx.Err()}
	}
}

// React applies one outcome. Any returned error other than
// service.ErrStopped is fatal to the connection.
func (h *Handler) React(ctx context.Context, o Outcome) error {
	switch o.Kind {
	case OutcomeRequest:
		return h.handleRequest(ctx, o.Request)
	case OutcomeResult:
		h.inFlight--
		if o.Err != nil {
			return &StoreError{Op: "pull", TaskID: o.TaskID, Err: o.Err}
		}
		h.logger.Debug("task completed", zap.Uint64("task_id", uint64(o.TaskID)), zap.String("status", string(o.Result.Status)))
		return h.send(models.CompletedTaskResponse(o.Result))
	case OutcomeClosed:
		return service.ErrStopped
	case OutcomeError:
		return o.Err
	default:
		return fmt.Errorf("unexpected outcome %v", o.Kind)
	}
}

func (h *Handler) handleRequest(ctx context.Context, req models.Request) error {
	h.logger.Debug("request received", zap.Stringer("request", req))

	switch req.Kind {
	case models.RequestNewTask:
		id, err := h.queue.Push(ctx, models.TaskFromNew(req.NewTask))
		if err != nil {
			return &StoreError{Op: "push", Err: err}
		}
		return h.send(models.NewTaskIDResponse(id))

	case models.RequestAwaitTask:
		h.inFlight++
		go h.retrieve(context.WithoutCancel(ctx), req.TaskID)
		return nil

	case models.RequestGetStoreState:
		state, err := h.queue.State(ctx)
		if err != nil {
			return &StoreError{Op: "state", Err: err}
		}
		return h.send(models.StoreStateResponse(state))

	default:
		return fmt.Errorf("%w: %q", ErrUnknownRequest, req.Kind)
	}
}

// retrieve waits for one task result and hands it to Poll. After Close the
// result is dropped.
func (h *Handler) retrieve(ctx context.Context, id models.TaskID) {
	r := retrieval{id: id}
	defer func() {
		if p := recover(); p != nil {
			r.err = fmt.Errorf("%w: %v", ErrRetrievalPanicked, p)
		}
		select {
		case h.results <- r:
		case <-h.done:
		}
	}()
	r.result, r.err = h.queue.Pull(ctx, id)
}

func (h *Handler) send(resp models.Response) error {
	if err := h.wc.Send(resp); err != nil {
		return fmt.Errorf("send %s: %w", resp.Kind, err)
	}
	return nil
}

// Close closes the connection. Retrievals still running are abandoned, not
// cancelled. Close is idempotent.
func (h *Handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.conn.Close()
	})
	return err
}

var _ service.Service[Outcome] = (*Handler)(nil)
