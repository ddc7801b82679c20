// Package notify delivers best-effort event notifications to an external
// webhook. Delivery never blocks business logic; overflow drops the oldest
// messages.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	bufferSize       = 256
	sendTimeout      = 5 * time.Second
	errorLogInterval = time.Minute
	closeDrainLimit  = 10 * time.Second
)

// Event is one notification message.
type Event struct {
	Kind      string         `json:"kind"`
	Symbol    string         `json:"symbol,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink posts events to a webhook from a single background goroutine. A zero
// URL disables delivery but keeps Publish callable.
type Sink struct {
	url        string
	logger     *log.Logger
	httpClient *http.Client

	mu     sync.Mutex
	events chan Event
	done   chan struct{}
	closed bool

	lastErrorLog time.Time
	dropped      int64
}

// NewSink creates the sink and starts its sender goroutine.
func NewSink(url string, logger *log.Logger) *Sink {
	s := &Sink{
		url:        url,
		logger:     logger,
		httpClient: &http.Client{Timeout: sendTimeout},
		events:     make(chan Event, bufferSize),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues an event. When the buffer is full the oldest queued event
// is dropped to make room; Publish itself never blocks.
func (s *Sink) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.events <- event:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped++
		default:
		}
	}
}

// Close stops accepting events and drains the buffer, giving up after a
// bounded wait.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(closeDrainLimit):
		s.logger.Printf("notification sink close timed out with events unsent")
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.events {
		if s.url == "" {
			continue
		}
		if err := s.send(event); err != nil {
			s.logSendError(err)
		}
	}
}

func (s *Sink) send(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

// logSendError rate-limits webhook failure logging to once per minute so a
// dead endpoint cannot flood the log.
func (s *Sink) logSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastErrorLog) < errorLogInterval {
		return
	}
	s.lastErrorLog = time.Now()
	s.logger.Printf("notification delivery failing: %v (dropped so far: %d)", err, s.dropped)
}
