// Package events defines the real-time events emitted by the whale engine and
// the transports that deliver them.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/metrics"
	"github.com/yourorg/whale-intel/internal/model"
)

// Type names an event on the wire.
type Type string

const (
	TypeWhaleMovement         Type = "whale_movement"
	TypeBatchSyncComplete     Type = "batch_sync_complete"
	TypeBatchAnalysisComplete Type = "batch_analysis_complete"
)

// Event is one published message. Data holds one of WhaleTransactionDetected,
// BatchSyncComplete or BatchAnalysisComplete.
type Event struct {
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	CoinID    string    `json:"coin_id,omitempty"`
}

// WhaleTransactionDetected is emitted once per newly persisted whale transaction.
type WhaleTransactionDetected struct {
	Transaction *model.WhaleTransaction `json:"transaction"`
}

// BatchSummary is the outcome of one scheduler run.
type BatchSummary struct {
	Total      int      `json:"total"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	FailedIDs  []string `json:"failed_ids,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// BatchSyncComplete is emitted after a whale-sync batch.
type BatchSyncComplete struct {
	BatchSummary
	NewTransactions int `json:"new_transactions"`
}

// BatchAnalysisComplete is emitted after an analysis batch.
type BatchAnalysisComplete struct {
	BatchSummary
}

// NewWhaleMovement builds the event for a persisted transaction.
func NewWhaleMovement(tx *model.WhaleTransaction, now time.Time) Event {
	return Event{
		Type:      TypeWhaleMovement,
		Data:      WhaleTransactionDetected{Transaction: tx},
		Timestamp: now,
		CoinID:    tx.CoinID,
	}
}

// Publisher delivers events. Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublishBestEffort publishes e and logs a failure instead of returning it.
func PublishBestEffort(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		metrics.PublishErrors.WithLabelValues(string(e.Type)).Inc()
		logrus.WithFields(logrus.Fields{
			"event":   e.Type,
			"coin_id": e.CoinID,
		}).Warnf("Failed to publish event: %v", err)
	}
}

// Multi fans an event out to every publisher. All publishers are attempted
// and their errors joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }
