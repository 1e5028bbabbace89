package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/service"
	"github.com/fentz26/relayq/internal/store"
	"github.com/fentz26/relayq/internal/wire"
)

const testTimeout = 2 * time.Second

// fakeQueue is a store.Queue whose retrievals finish only when the test
// calls finish.
type fakeQueue struct {
	mu      sync.Mutex
	nextID  models.TaskID
	pushed  []models.Task
	results map[models.TaskID]chan models.TaskResult
	pulls   int

	pushErr  error
	stateErr error
	pullErr  error
	pullFunc func(id models.TaskID)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{results: make(map[models.TaskID]chan models.TaskResult)}
}

func (q *fakeQueue) resultChan(id models.TaskID) chan models.TaskResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.results[id]
	if !ok {
		ch = make(chan models.TaskResult, 1)
		q.results[id] = ch
	}
	return ch
}

func (q *fakeQueue) finish(id models.TaskID, output string) {
	q.resultChan(id) <- models.TaskResult{
		TaskID: id,
		Status: models.TaskStatusCompleted,
		Output: []byte(output),
	}
}

func (q *fakeQueue) Push(ctx context.Context, task models.Task) (models.TaskID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return 0, q.pushErr
	}
	q.nextID++
	q.pushed = append(q.pushed, task)
	return q.nextID, nil
}

func (q *fakeQueue) Pull(ctx context.Context, id models.TaskID) (models.TaskResult, error) {
	q.mu.Lock()
	q.pulls++
	err, fn := q.pullErr, q.pullFunc
	q.mu.Unlock()
	if fn != nil {
		fn(id)
	}
	if err != nil {
		return models.TaskResult{}, err
	}
	select {
	case r := <-q.resultChan(id):
		return r, nil
	case <-ctx.Done():
		return models.TaskResult{}, ctx.Err()
	}
}

func (q *fakeQueue) State(ctx context.Context) (models.StoreState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stateErr != nil {
		return models.StoreState{}, q.stateErr
	}
	n := uint64(len(q.pushed))
	return models.StoreState{Pending: n, Total: n}, nil
}

func (q *fakeQueue) pullCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pulls
}

// harness runs a Handler on one end of a net.Pipe and talks to it from the
// other.
type harness struct {
	t      *testing.T
	peer   net.Conn
	client *wire.Conn
	h      *Handler
	errc   chan error
}

func startHandler(t *testing.T, q store.Queue, codec wire.Codec) *harness {
	t.Helper()
	return startHandlerWithLimit(t, q, codec, wire.DefaultMaxFrameBytes)
}

func startHandlerWithLimit(t *testing.T, q store.Queue, codec wire.Codec, maxFrameBytes uint64) *harness {
	t.Helper()
	serverEnd, peer := net.Pipe()
	h := NewHandler(serverEnd, q, codec, maxFrameBytes, nil)

	hs := &harness{
		t:      t,
		peer:   peer,
		client: wire.NewConn(peer, codec, 0),
		h:      h,
		errc:   make(chan error, 1),
	}
	go func() {
		err := service.Run[Outcome](context.Background(), h)
		h.Close()
		hs.errc <- err
	}()
	t.Cleanup(func() {
		peer.Close()
		h.Close()
	})
	return hs
}

// send writes requests from a separate goroutine; net.Pipe writes block
// until the handler reads them.
func (hs *harness) send(reqs ...models.Request) {
	go func() {
		for _, req := range reqs {
			if err := hs.client.Send(req); err != nil {
				return
			}
		}
	}()
}

func (hs *harness) recv() models.Response {
	hs.t.Helper()
	require.NoError(hs.t, hs.peer.SetReadDeadline(time.Now().Add(testTimeout)))
	var resp models.Response
	require.NoError(hs.t, hs.client.Recv(&resp))
	return resp
}

func (hs *harness) wait() error {
	hs.t.Helper()
	select {
	case err := <-hs.errc:
		return err
	case <-time.After(testTimeout):
		hs.t.Fatal("handler did not stop")
		return nil
	}
}

// expectNoResponse asserts nothing arrives within a short window.
func (hs *harness) expectNoResponse() {
	hs.t.Helper()
	require.NoError(hs.t, hs.peer.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	var resp models.Response
	err := hs.client.Recv(&resp)
	require.Error(hs.t, err, "unexpected response %v", resp)
	var ne net.Error
	require.True(hs.t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)
}

func TestSynchronousRepliesFollowRequestOrder(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON(), wire.CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			q := newFakeQueue()
			hs := startHandler(t, q, codec)

			hs.send(
				models.NewTaskRequest([]byte("a")),
				models.NewTaskRequest([]byte("b")),
				models.GetStoreStateRequest(),
			)

			assert.Equal(t, models.NewTaskIDResponse(1), hs.recv())
			assert.Equal(t, models.NewTaskIDResponse(2), hs.recv())
			resp := hs.recv()
			assert.Equal(t, models.ResponseStoreState, resp.Kind)
			assert.Equal(t, uint64(2), resp.State.Total)

			hs.peer.Close()
			assert.NoError(t, hs.wait())
			assert.Equal(t, []byte("a"), q.pushed[0].Payload)
			assert.Equal(t, []byte("b"), q.pushed[1].Payload)
		})
	}
}

func TestCompletionsFollowFinishOrder(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.AwaitTaskRequest(10), models.AwaitTaskRequest(20))
	require.Eventually(t, func() bool { return q.pullCount() == 2 }, testTimeout, 5*time.Millisecond)

	q.finish(20, "y")
	resp := hs.recv()
	assert.Equal(t, models.ResponseCompletedTask, resp.Kind)
	assert.Equal(t, models.TaskID(20), resp.Result.TaskID)
	assert.Equal(t, []byte("y"), resp.Result.Output)

	q.finish(10, "x")
	resp = hs.recv()
	assert.Equal(t, models.TaskID(10), resp.Result.TaskID)
	assert.Equal(t, []byte("x"), resp.Result.Output)
}

func TestAwaitDoesNotBlockRequests(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	// Task 7 never finishes.
	hs.send(models.AwaitTaskRequest(7), models.NewTaskRequest([]byte("x")), models.GetStoreStateRequest())

	assert.Equal(t, models.NewTaskIDResponse(1), hs.recv())
	assert.Equal(t, models.ResponseStoreState, hs.recv().Kind)
	hs.expectNoResponse()
}

func TestAwaitWritesNothing(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.AwaitTaskRequest(3))
	require.Eventually(t, func() bool { return q.pullCount() == 1 }, testTimeout, 5*time.Millisecond)
	hs.expectNoResponse()
	assert.Equal(t, 1, hs.h.InFlight())
}

func TestPushFailureIsFatal(t *testing.T) {
	q := newFakeQueue()
	q.pushErr = errors.New("queue full")
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.NewTaskRequest([]byte("x")))

	err := hs.wait()
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "push", se.Op)

	// The connection closes without any reply.
	require.NoError(t, hs.peer.SetReadDeadline(time.Now().Add(testTimeout)))
	var resp models.Response
	assert.True(t, wire.IsClosed(hs.client.Recv(&resp)))
}

func TestStateFailureIsFatal(t *testing.T) {
	q := newFakeQueue()
	q.stateErr = errors.New("backend down")
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.GetStoreStateRequest())
	var se *StoreError
	assert.ErrorAs(t, hs.wait(), &se)
}

func TestPullFailureIsFatal(t *testing.T) {
	q := newFakeQueue()
	q.pullErr = store.ErrTaskNotFound
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.AwaitTaskRequest(99))
	err := hs.wait()
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestPanickingRetrievalIsFatal(t *testing.T) {
	q := newFakeQueue()
	q.pullFunc = func(id models.TaskID) { panic("store exploded") }
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.AwaitTaskRequest(1))
	assert.ErrorIs(t, hs.wait(), ErrRetrievalPanicked)
}

func TestPeerCloseStopsCleanly(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	hs.peer.Close()
	assert.NoError(t, hs.wait())
}

func TestCloseAbandonsInFlight(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	hs.send(models.AwaitTaskRequest(1), models.AwaitTaskRequest(2))
	require.Eventually(t, func() bool { return q.pullCount() == 2 }, testTimeout, 5*time.Millisecond)

	hs.peer.Close()
	assert.NoError(t, hs.wait())
	assert.Equal(t, 2, hs.h.InFlight())

	// Results arriving after close are dropped without blocking.
	q.finish(1, "late")
	q.finish(2, "late")
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.results[1]) == 0 && len(q.results[2]) == 0
	}, testTimeout, 5*time.Millisecond)
}

func TestMidFrameCloseIsTransportError(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	go func() {
		hs.peer.Write([]byte{0, 0, 0, 0})
		hs.peer.Close()
	}()

	err := hs.wait()
	var te *wire.TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, wire.IsClosed(err))
}

func TestUnlimitedFrameHugeHeaderIsTransportError(t *testing.T) {
	q := newFakeQueue()
	hs := startHandlerWithLimit(t, q, wire.JSON(), 0)

	go func() {
		hs.peer.Write([]byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		hs.peer.Close()
	}()

	err := hs.wait()
	var te *wire.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Empty(t, q.pushed)
}

func TestMalformedPayloadIsFatal(t *testing.T) {
	q := newFakeQueue()
	hs := startHandler(t, q, wire.JSON())

	go wire.WriteFrame(hs.peer, []byte(`{"Shutdown":{}}`))

	var de *wire.DecodeError
	assert.ErrorAs(t, hs.wait(), &de)
	assert.Empty(t, q.pushed)
}

func TestSubmitAwaitComplete(t *testing.T) {
	mem := store.NewMemStore()
	defer mem.Close()
	hs := startHandler(t, mem, wire.JSON())

	hs.send(models.NewTaskRequest([]byte("x")))
	assert.Equal(t, models.NewTaskIDResponse(1), hs.recv())

	hs.send(models.AwaitTaskRequest(1))

	ctx := context.Background()
	task, err := mem.Claim(ctx, "worker")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, []byte("x"), task.Payload)
	require.NoError(t, mem.Complete(ctx, task.ID, []byte("y")))

	resp := hs.recv()
	require.Equal(t, models.ResponseCompletedTask, resp.Kind)
	assert.Equal(t, models.TaskID(1), resp.Result.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, resp.Result.Status)
	assert.Equal(t, []byte("y"), resp.Result.Output)
}

func TestPollIgnoresResultsWithoutInFlight(t *testing.T) {
	q := newFakeQueue()
	serverEnd, peer := net.Pipe()
	defer peer.Close()
	h := NewHandler(serverEnd, q, wire.JSON(), 0, nil)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	o := h.Poll(ctx)
	assert.Equal(t, OutcomeError, o.Kind)
	assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.InFlight())
}

func TestReactClosedStops(t *testing.T) {
	h := &Handler{}
	assert.ErrorIs(t, h.React(context.Background(), Outcome{Kind: OutcomeClosed}), service.ErrStopped)
}
