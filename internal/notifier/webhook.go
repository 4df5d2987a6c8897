// Package notifier delivers enrollment outcomes to an external
// validation endpoint. Delivery is best effort: the protocol response is
// computed before any notification and never waits on one.
package notifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/common"
)

// queueSize is the bounded channel capacity for outbound events.
const queueSize = 1024

// Event is the JSON payload POSTed to the external endpoint and fanned
// out to local sinks.
type Event struct {
	Kind          string `json:"event"`
	TransactionID string `json:"transaction_id,omitempty"`
	CSR           string `json:"csr,omitempty"`
	SerialNumber  string `json:"serial_number,omitempty"`
	Thumbprint    string `json:"thumbprint,omitempty"`
	NotAfter      string `json:"not_after,omitempty"`
	IssuerCN      string `json:"issuer_cn,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Sink receives every event locally, in addition to the HTTP delivery.
// The event feed broadcaster is a sink.
type Sink interface {
	Publish(Event)
}

// Webhook dispatches events to an external HTTP endpoint. Events are
// enqueued non-blockingly into a bounded channel and sent by a background
// goroutine. If the channel is full, events are dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value" format
	client     *http.Client
	events     chan Event
	wg         sync.WaitGroup
	logger     common.Logger
	sinks      []Sink
}

var _ enroll.Notifier = (*Webhook)(nil)

// New creates a dispatcher and starts its background loop. An empty URL
// disables HTTP delivery; events still reach the sinks.
func New(url, authHeader string, logger common.Logger, sinks ...Sink) *Webhook {
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan Event, queueSize),
		logger:     logger,
		sinks:      sinks,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// NotifySuccess reports an issued certificate. Never blocks.
func (w *Webhook) NotifySuccess(ctx context.Context, transactionID string, csr []byte, meta enroll.CertMeta) {
	w.enqueue(Event{
		Kind:          "enrollment.issued",
		TransactionID: transactionID,
		CSR:           base64.StdEncoding.EncodeToString(csr),
		SerialNumber:  meta.SerialNumber,
		Thumbprint:    meta.Thumbprint,
		NotAfter:      meta.NotAfter,
		IssuerCN:      meta.IssuerCN,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// NotifyFailure reports a rejected or failed enrollment. Never blocks.
func (w *Webhook) NotifyFailure(ctx context.Context, transactionID string, csr []byte, code enroll.FailureCode, message string) {
	w.enqueue(Event{
		Kind:          "enrollment.failed",
		TransactionID: transactionID,
		CSR:           base64.StdEncoding.EncodeToString(csr),
		FailureCode:   code.String(),
		Message:       message,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// Close shuts down the dispatcher, draining any remaining events.
func (w *Webhook) Close() {
	close(w.events)
	w.wg.Wait()
}

func (w *Webhook) enqueue(evt Event) {
	for _, sink := range w.sinks {
		sink.Publish(evt)
	}
	if w.url == "" {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.logger.Infow("notification queue full, dropping event", "event", evt.Kind)
	}
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
// Failures are logged only; the enrollment outcome is already committed.
func (w *Webhook) send(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Errorw("failed to marshal notification", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Errorw("failed to build notification request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Infow("notification delivery failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Infow("notification target error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Infow("notification rejected by target", "status", resp.StatusCode)
		return
	}
}
