package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/store"
	"github.com/fentz26/relayq/internal/wire"
)

func startServer(t *testing.T, q store.Queue) (addr string, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	srv := NewServer(q, wire.JSON(), wire.DefaultMaxFrameBytes, nil)
	go func() { errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, errc
}

func dialWire(t *testing.T, addr string) (net.Conn, *wire.Conn) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return conn, wire.NewConn(conn, wire.JSON(), 0)
}

func TestServerServesConnections(t *testing.T) {
	mem := store.NewMemStore()
	defer mem.Close()
	addr, _, _ := startServer(t, mem)

	_, a := dialWire(t, addr)
	_, b := dialWire(t, addr)

	require.NoError(t, a.Send(models.NewTaskRequest([]byte("from a"))))
	var resp models.Response
	require.NoError(t, a.Recv(&resp))
	assert.Equal(t, models.NewTaskIDResponse(1), resp)

	// b awaits a's task; completions are not tied to the submitting connection.
	require.NoError(t, b.Send(models.AwaitTaskRequest(1)))
	require.NoError(t, b.Send(models.GetStoreStateRequest()))
	require.NoError(t, b.Recv(&resp))
	assert.Equal(t, models.ResponseStoreState, resp.Kind)
	assert.Equal(t, uint64(1), resp.State.Pending)

	require.NoError(t, mem.Complete(context.Background(), 1, []byte("done")))
	require.NoError(t, b.Recv(&resp))
	assert.Equal(t, models.ResponseCompletedTask, resp.Kind)
	assert.Equal(t, []byte("done"), resp.Result.Output)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	mem := store.NewMemStore()
	defer mem.Close()
	addr, cancel, done := startServer(t, mem)

	conn, wc := dialWire(t, addr)
	require.NoError(t, wc.Send(models.NewTaskRequest(nil)))
	var resp models.Response
	require.NoError(t, wc.Recv(&resp))
	// Leave a retrieval in flight across shutdown.
	require.NoError(t, wc.Send(models.AwaitTaskRequest(resp.TaskID)))
	require.NoError(t, wc.Send(models.GetStoreStateRequest()))
	require.NoError(t, wc.Recv(&resp))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after cancel")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	err := wc.Recv(&resp)
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestServerDropsBadConnection(t *testing.T) {
	mem := store.NewMemStore()
	defer mem.Close()
	addr, _, _ := startServer(t, mem)

	bad, _ := dialWire(t, addr)
	require.NoError(t, wire.WriteFrame(bad, []byte("garbage")))
	buf := make([]byte, 1)
	_, err := bad.Read(buf)
	assert.Error(t, err)

	// Other connections are unaffected.
	_, good := dialWire(t, addr)
	require.NoError(t, good.Send(models.GetStoreStateRequest()))
	var resp models.Response
	require.NoError(t, good.Recv(&resp))
	assert.Equal(t, models.ResponseStoreState, resp.Kind)
}
