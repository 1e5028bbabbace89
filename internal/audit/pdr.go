// Package audit provides PDR (Process Decision Record) writing for relayq.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relayq/internal/models"
)

// Sink persists audit records. Both store backends implement it.
type Sink interface {
	WritePDR(ctx context.Context, entry models.PDREntry) error
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
	now  func() time.Time
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s, now: func() time.Time { return time.Now().UTC() }}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome string, taskID models.TaskID, details string) (*models.PDREntry, error) {
	entry := models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  w.now(),
	}
	if err := w.sink.WritePDR(ctx, entry); err != nil {
		return nil, fmt.Errorf("write pdr %s: %w", action, err)
	}
	return &entry, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
