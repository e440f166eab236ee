package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	Principal  string            `json:"principal,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook dispatches audit events to an external HTTP endpoint.
// Events are enqueued non-blockingly into a bounded channel and sent
// by a background goroutine. If the channel is full, events are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	events     chan webhookEvent
	retryDelay time.Duration
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// newAuditWebhook creates a webhook dispatcher and starts its background loop.
func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Go(w.loop)
	return w
}

// enqueue adds an event to the dispatch queue without blocking.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("audit webhook: queue full, dropping event", slog.String("event", evt.Event))
	}
}

// close shuts down the dispatcher after draining queued events.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() { close(w.events) })
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("audit webhook: marshal failed", slog.String("error", err.Error()))
		return
	}

	for attempt := range 2 {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("audit webhook: request creation failed", slog.String("error", err.Error()))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "idregca-audit-webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("audit webhook: request failed", slog.String("error", err.Error()), slog.Int("attempt", attempt+1))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("audit webhook: server error", slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1))
		default:
			w.logger.Warn("audit webhook: client error", slog.Int("status", resp.StatusCode))
			return
		}
	}
}

// webhookEventFrom flattens string-valued audit attributes into a payload.
func webhookEventFrom(attrs []slog.Attr) webhookEvent {
	evt := webhookEvent{Attrs: map[string]string{}}
	for _, a := range attrs {
		v := a.Value.String()
		switch a.Key {
		case "event":
			evt.Event = v
		case "principal":
			evt.Principal = v
		case "remote_addr":
			evt.RemoteAddr = v
		case "timestamp":
			evt.Timestamp = v
		default:
			evt.Attrs[a.Key] = v
		}
	}
	if len(evt.Attrs) == 0 {
		evt.Attrs = nil
	}
	return evt
}
