package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/store"
)

type failingSink struct{}

func (failingSink) WritePDR(ctx context.Context, entry models.PDREntry) error {
	return errors.New("disk full")
}

func TestRecord(t *testing.T) {
	mem := store.NewMemStore()
	w := NewPDRWriter(mem)
	ctx := context.Background()

	entry, err := w.Record(ctx, "task.dispatch", map[string]any{"cmd": "echo"}, "success", 3, "worker-1")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Len(t, entry.InputsHash, 64)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := mem.ListPDR(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, *entry, entries[0])
}

func TestHashInputsIsStable(t *testing.T) {
	a := hashInputs(map[string]any{"cmd": "echo", "args": []string{"x"}})
	b := hashInputs(map[string]any{"args": []string{"x"}, "cmd": "echo"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, hashInputs(map[string]any{"cmd": "echo"}))
	assert.Equal(t, "hash_error", hashInputs(make(chan int)))
}

func TestRecordSinkError(t *testing.T) {
	w := NewPDRWriter(failingSink{})
	_, err := w.Record(context.Background(), "task.complete", nil, "success", 1, "")
	assert.Error(t, err)
}
