package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/httpclient"
	"github.com/yourorg/whale-intel/internal/security"
)

// WebhookConfig holds configuration for the webhook exporter.
type WebhookConfig struct {
	// Events buffered before an immediate flush
	BatchSize int

	// Flush interval for partially filled batches
	Interval time.Duration

	// Signer signs every batch when set
	Signer *security.Signer
}

// WebhookExporter batches events and POSTs them to a webhook endpoint
// through the resilient upstream client.
type WebhookExporter struct {
	cfg    WebhookConfig
	client *httpclient.Client

	mu         sync.Mutex
	batch      []Event
	lastExport time.Time
	exported   int
	failed     int

	flushMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

type webhookPayload struct {
	Events     []Event `json:"events"`
	ExportTime string  `json:"export_time"`
	Count      int     `json:"count"`

	// Covers the payload encoded without this field
	Signature *security.Signature `json:"signature,omitempty"`
}

// NewWebhookExporter starts the periodic flush loop. Call Stop to flush the
// remainder and stop it.
func NewWebhookExporter(client *httpclient.Client, cfg WebhookConfig) *WebhookExporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &WebhookExporter{
		cfg:    cfg,
		client: client,
		batch:  make([]Event, 0, cfg.BatchSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.periodicExport(ctx)

	logrus.Infof("Webhook exporter initialized (batch %d, interval %s)", cfg.BatchSize, cfg.Interval)
	return e
}

// Publish implements Publisher. Events are delivered asynchronously; a full
// batch triggers an immediate flush.
func (e *WebhookExporter) Publish(_ context.Context, ev Event) error {
	e.mu.Lock()
	e.batch = append(e.batch, ev)
	full := len(e.batch) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		go e.flush(context.Background())
	}
	return nil
}

func (e *WebhookExporter) periodicExport(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// flush sends the buffered events. Flushes are serialised so batches arrive
// in order.
func (e *WebhookExporter) flush(ctx context.Context) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	pending := e.batch
	e.batch = make([]Event, 0, e.cfg.BatchSize)
	e.mu.Unlock()

	payload := webhookPayload{
		Events:     pending,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(pending),
	}
	var err error
	if e.cfg.Signer != nil {
		payload.Signature, err = e.cfg.Signer.Sign(payload)
	}
	if err == nil {
		_, err = e.client.Post(ctx, "", payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failed += len(pending)
		logrus.Errorf("Failed to export %d events to webhook: %v", len(pending), err)
		return
	}
	e.exported += len(pending)
	e.lastExport = time.Now()
	logrus.Debugf("Exported %d events to webhook", len(pending))
}

// Stop ends the periodic loop and flushes what is left.
func (e *WebhookExporter) Stop(ctx context.Context) {
	e.cancel()
	<-e.done
	e.flush(ctx)
}

// WebhookStatus reports exporter counters.
type WebhookStatus struct {
	Pending    int       `json:"pending"`
	Exported   int       `json:"exported"`
	Failed     int       `json:"failed"`
	LastExport time.Time `json:"last_export,omitempty"`
}

// Status returns the current counters.
func (e *WebhookExporter) Status() WebhookStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return WebhookStatus{
		Pending:    len(e.batch),
		Exported:   e.exported,
		Failed:     e.failed,
		LastExport: e.lastExport,
	}
}
