package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPOutput posts JSON batches of entries to a collector endpoint
type HTTPOutput struct {
	url           string
	authToken     string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client
	buffer        []*LogEntry
	mu            sync.Mutex
	stopChan      chan struct{}
	stopOnce      sync.Once
	closed        bool
	wg            sync.WaitGroup
}

// NewHTTPOutput starts an output that flushes every batchSize entries or
// every flushInterval, whichever comes first
func NewHTTPOutput(url, authToken string, batchSize int, flushInterval time.Duration) *HTTPOutput {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	output := &HTTPOutput{
		url:           url,
		authToken:     authToken,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		client:        &http.Client{Timeout: 10 * time.Second},
		buffer:        make([]*LogEntry, 0, batchSize),
		stopChan:      make(chan struct{}),
	}

	output.wg.Add(1)
	go output.flusher()

	return output
}

// Write buffers entry and ships the batch once it is full
func (h *HTTPOutput) Write(entry *LogEntry) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("http log output is closed")
	}
	h.buffer = append(h.buffer, entry)
	var batch []*LogEntry
	if len(h.buffer) >= h.batchSize {
		batch = h.takeLocked()
		h.wg.Add(1)
	}
	h.mu.Unlock()

	if batch != nil {
		go func() {
			defer h.wg.Done()
			h.sendBatch(context.Background(), batch)
		}()
	}
	return nil
}

func (h *HTTPOutput) flusher() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.flush(context.Background())
		case <-h.stopChan:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			h.flush(ctx)
			cancel()
			return
		}
	}
}

func (h *HTTPOutput) flush(ctx context.Context) {
	h.mu.Lock()
	batch := h.takeLocked()
	h.mu.Unlock()

	if batch != nil {
		h.sendBatch(ctx, batch)
	}
}

// takeLocked empties the buffer. Caller holds mu.
func (h *HTTPOutput) takeLocked() []*LogEntry {
	if len(h.buffer) == 0 {
		return nil
	}
	batch := make([]*LogEntry, len(h.buffer))
	copy(batch, h.buffer)
	h.buffer = h.buffer[:0]
	return batch
}

func (h *HTTPOutput) sendBatch(ctx context.Context, entries []*LogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log entries: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes what is buffered and waits for in-flight batches
func (h *HTTPOutput) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.stopChan) })
	h.wg.Wait()
	return nil
}
