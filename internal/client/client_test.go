package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/store"
	"github.com/fentz26/relayq/internal/tcp"
	"github.com/fentz26/relayq/internal/wire"
)

const testTimeout = 2 * time.Second

func startServer(t *testing.T, codec wire.Codec) (*store.MemStore, string) {
	t.Helper()
	mem := store.NewMemStore()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := tcp.NewServer(mem, codec, wire.DefaultMaxFrameBytes, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		mem.Close()
	})
	return mem, ln.Addr().String()
}

func dial(t *testing.T, addr string, codec wire.Codec) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := Dial(ctx, addr, codec)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubmitAwaitState(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON(), wire.CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			mem, addr := startServer(t, codec)
			c := dial(t, addr, codec)
			ctx := context.Background()

			id, err := c.Submit(ctx, []byte("x"))
			require.NoError(t, err)
			assert.Equal(t, models.TaskID(1), id)

			require.NoError(t, c.Await(ctx, id))

			state, err := c.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), state.Pending)

			require.NoError(t, mem.Complete(ctx, id, []byte("y")))

			select {
			case r := <-c.Completions():
				assert.Equal(t, id, r.TaskID)
				assert.Equal(t, []byte("y"), r.Output)
			case <-time.After(testTimeout):
				t.Fatal("no completion")
			}
		})
	}
}

func TestConcurrentSubmitsGetDistinctIDs(t *testing.T) {
	_, addr := startServer(t, wire.JSON())
	c := dial(t, addr, wire.JSON())

	const n = 20
	ids := make(chan models.TaskID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.Submit(context.Background(), []byte("p"))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[models.TaskID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestCompletionsArriveInFinishOrder(t *testing.T) {
	mem, addr := startServer(t, wire.JSON())
	c := dial(t, addr, wire.JSON())
	ctx := context.Background()

	x, err := c.Submit(ctx, []byte("x"))
	require.NoError(t, err)
	y, err := c.Submit(ctx, []byte("y"))
	require.NoError(t, err)
	require.NoError(t, c.Await(ctx, x))
	require.NoError(t, c.Await(ctx, y))
	// State forces the awaits to have been read by the server.
	_, err = c.State(ctx)
	require.NoError(t, err)

	require.NoError(t, mem.Complete(ctx, y, []byte("Y")))
	first := <-c.Completions()
	assert.Equal(t, y, first.TaskID)

	require.NoError(t, mem.Fail(ctx, x, "boom"))
	second := <-c.Completions()
	assert.Equal(t, x, second.TaskID)
	assert.Equal(t, models.TaskStatusFailed, second.Status)
	assert.Equal(t, "boom", second.Error)
}

func TestConnectionLossReleasesCallers(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()
	c := New(clientEnd, wire.JSON())

	errc := make(chan error, 1)
	go func() {
		_, err := c.State(context.Background())
		errc <- err
	}()

	// Swallow the request, then hang up without replying.
	buf := make([]byte, 512)
	_, err := serverEnd.Read(buf)
	require.NoError(t, err)
	serverEnd.Close()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("State not released")
	}

	<-c.Done()
	assert.Error(t, c.Err())
	_, ok := <-c.Completions()
	assert.False(t, ok)

	_, err = c.Submit(context.Background(), nil)
	assert.Error(t, err)
}

func TestUnexpectedResponseFailsClient(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()
	c := New(clientEnd, wire.JSON())
	defer c.Close()

	go wire.Encode(serverEnd, wire.JSON(), models.NewTaskIDResponse(5))

	select {
	case <-c.Done():
		assert.ErrorIs(t, c.Err(), ErrUnexpectedResponse)
	case <-time.After(testTimeout):
		t.Fatal("client accepted a reply to no request")
	}
}

func TestCloseIsClean(t *testing.T) {
	_, addr := startServer(t, wire.JSON())
	c := dial(t, addr, wire.JSON())

	require.NoError(t, c.Close())
	<-c.Done()
	assert.NoError(t, c.Err())
	_, err := c.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCallHonorsContext(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()
	c := New(clientEnd, wire.JSON())
	defer c.Close()

	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := serverEnd.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.State(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
