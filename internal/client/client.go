// Package client implements the client side of the relayq wire protocol.
//
// Submit and State block for their synchronous replies, which the server
// sends in request order. Await only registers interest; results arrive on
// Completions in the order tasks finish.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/wire"
)

// Errors reported by Client.
var (
	ErrClosed             = errors.New("client closed")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// CompletionBuffer is the capacity of the Completions channel.
const CompletionBuffer = 64

type waiter struct {
	want models.ResponseKind
	ch   chan models.Response
}

// Client is a connection to a relayq server. It is safe for concurrent use.
type Client struct {
	conn net.Conn
	wc   *wire.Conn

	// sendMu orders writes with waiter registration so replies match
	// waiters in FIFO order.
	sendMu sync.Mutex

	mu      sync.Mutex
	waiters []waiter
	err     error

	completions chan models.TaskResult
	done        chan struct{}
	closeOnce   sync.Once
}

// Dial connects to addr using codec, which must match the server's.
func Dial(ctx context.Context, addr string, codec wire.Codec) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, codec), nil
}

// New wraps an established connection and starts reading from it.
func New(conn net.Conn, codec wire.Codec) *Client {
	c := &Client{
		conn:        conn,
		wc:          wire.NewConn(conn, codec, wire.DefaultMaxFrameBytes),
		completions: make(chan models.TaskResult, CompletionBuffer),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Submit sends a NewTask request and returns the assigned id.
func (c *Client) Submit(ctx context.Context, payload []byte) (models.TaskID, error) {
	resp, err := c.call(ctx, models.NewTaskRequest(payload), models.ResponseNewTaskID)
	if err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

// State requests a store snapshot.
func (c *Client) State(ctx context.Context) (models.StoreState, error) {
	resp, err := c.call(ctx, models.GetStoreStateRequest(), models.ResponseStoreState)
	if err != nil {
		return models.StoreState{}, err
	}
	return resp.State, nil
}

// Await asks the server to deliver the result of id on Completions. It does
// not wait for the result.
func (c *Client) Await(ctx context.Context, id models.TaskID) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.send(models.AwaitTaskRequest(id))
}

// Completions delivers awaited results. It is closed when the connection
// ends.
func (c *Client) Completions() <-chan models.TaskResult { return c.completions }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil if it is still
// open or was closed with Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, ErrClosed) {
		return nil
	}
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, req models.Request, want models.ResponseKind) (models.Response, error) {
	w := waiter{want: want, ch: make(chan models.Response, 1)}

	c.sendMu.Lock()
	if err := c.checkOpen(); err != nil {
		c.sendMu.Unlock()
		return models.Response{}, err
	}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	err := c.send(req)
	c.sendMu.Unlock()
	if err != nil {
		return models.Response{}, err
	}

	// An abandoned waiter stays queued so later replies still line up.
	select {
	case resp := <-w.ch:
		return resp, nil
	case <-c.done:
		return models.Response{}, c.terminal()
	case <-ctx.Done():
		return models.Response{}, ctx.Err()
	}
}

func (c *Client) send(req models.Request) error {
	if err := c.wc.Send(req); err != nil {
		err = fmt.Errorf("send %s: %w", req.Kind, err)
		c.fail(err)
		c.conn.Close()
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.completions)
	for {
		var resp models.Response
		if err := c.wc.Recv(&resp); err != nil {
			c.fail(err)
			return
		}

		if resp.Kind == models.ResponseCompletedTask {
			select {
			case c.completions <- resp.Result:
			case <-c.done:
				return
			}
			continue
		}

		c.mu.Lock()
		if len(c.waiters) == 0 {
			c.mu.Unlock()
			c.fail(fmt.Errorf("%w: %s with no request outstanding", ErrUnexpectedResponse, resp.Kind))
			c.conn.Close()
			return
		}
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.mu.Unlock()

		if w.want != resp.Kind {
			c.fail(fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, resp.Kind, w.want))
			c.conn.Close()
			return
		}
		w.ch <- resp
	}
}

// fail records the first terminal error and releases every waiter.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.waiters = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) checkOpen() error {
	select {
	case <-c.done:
		return c.terminal()
	default:
		return nil
	}
}

func (c *Client) terminal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	if errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("connection lost: %w", c.err)
}
