package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// counter emits increasing integers and stops once it reaches limit.
type counter struct {
	next   int
	limit  int
	seen   []int
	failAt int
}

func (c *counter) Poll(ctx context.Context) int {
	return c.next
}

func (c *counter) React(ctx context.Context, n int) error {
	c.seen = append(c.seen, n)
	if c.failAt != 0 && n == c.failAt {
		return fmt.Errorf("react %d: %w", n, errBoom)
	}
	if n == c.limit {
		return fmt.Errorf("done at %d: %w", n, ErrStopped)
	}
	c.next++
	return nil
}

var errBoom = errors.New("boom")

func TestRunStopsCleanly(t *testing.T) {
	c := &counter{limit: 3}
	err := Run[int](context.Background(), c)
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, c.seen)
}

func TestRunReturnsReactError(t *testing.T) {
	c := &counter{limit: 10, failAt: 2}
	err := Run[int](context.Background(), c)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []int{0, 1, 2}, c.seen)
}
