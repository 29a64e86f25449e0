package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/metrics"
)

// Client posts items to an HTTP endpoint as multipart form data
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	semaphore  chan struct{} // bounds concurrent uploads
	logger     *slog.Logger
	metrics    *metrics.Metrics

	stats        ClientStats
	responseTime time.Duration // sum over successful uploads
	mu           sync.RWMutex
}

// ClientConfig contains upload client configuration
type ClientConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	BackoffMax    time.Duration
	UserAgent     string
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// StatusError is a non-2xx response from the endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// response is the optional JSON body returned by the endpoint
type response struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	URL      string `json:"url"`
}

// NewClient creates a new upload HTTP client
func NewClient(config ClientConfig, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}

	if config.BackoffMax <= 0 {
		config.BackoffMax = 30 * time.Second
	}

	if config.UserAgent == "" {
		config.UserAgent = "voice-capture-service/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Upload sends item, retrying transient failures with exponential backoff
func (c *Client) Upload(ctx context.Context, item Item) (*Receipt, error) {
	if len(item.Data) == 0 {
		return nil, ErrEmptyItem
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.count(func(s *ClientStats) { s.TotalRequests++ })

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.count(func(s *ClientStats) { s.TotalRetries++ })

			backoffTime := c.backoff(attempt)
			c.logger.Debug("Retrying upload",
				slog.String("id", item.ID),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoffTime),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.count(func(s *ClientStats) { s.FailedRequests++ })
				return nil, ctx.Err()
			}
		}

		attempts++
		receipt, err := c.doRequest(ctx, item)
		if err == nil {
			c.metrics.UploadAttempted("success")
			c.metrics.UploadObserved(time.Since(startTime))
			elapsed := time.Since(startTime)
			c.count(func(s *ClientStats) {
				s.SuccessRequests++
				c.responseTime += elapsed
			})

			receipt.Attempts = attempts
			return receipt, nil
		}

		c.metrics.UploadAttempted("error")
		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.count(func(s *ClientStats) { s.FailedRequests++ })
	return nil, fmt.Errorf("upload failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.BackoffBase
	if backoffTime > c.config.BackoffMax {
		backoffTime = c.config.BackoffMax
	}
	return backoffTime
}

// doRequest performs a single HTTP request to the endpoint
func (c *Client) doRequest(ctx context.Context, item Item) (*Receipt, error) {
	body, contentType, err := c.createMultipartRequest(item)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	receipt := &Receipt{
		ID:         item.ID,
		Location:   c.config.Endpoint,
		Bytes:      len(item.Data),
		MimeType:   ContentType(item),
		UploadedAt: time.Now(),
	}

	// A JSON body may name the stored object; anything else is ignored
	var parsed response
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil {
		if parsed.ID != "" {
			receipt.ID = parsed.ID
		}
		switch {
		case parsed.Location != "":
			receipt.Location = parsed.Location
		case parsed.URL != "":
			receipt.Location = parsed.URL
		}
	}

	return receipt, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(item Item) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s%s"`, item.ID, Extension(item)))
	header.Set("Content-Type", ContentType(item))

	fileWriter, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(item.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"id":         item.ID,
		"session_id": item.SessionID,
		"job_id":     item.JobID,
		"mime_type":  ContentType(item),
		"fallback":   strconv.FormatBool(item.Fallback),
		"duration":   fmt.Sprintf("%.3f", item.Duration.Seconds()),
		"bytes":      strconv.Itoa(len(item.Data)),
		"created_at": item.CreatedAt.Format(time.RFC3339),
	}
	if item.Source != "" {
		fields["source"] = item.Source
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether err is a timeout, a network failure,
// a 5xx response or a 429
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

func (c *Client) count(f func(*ClientStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// GetStats returns a snapshot of the upload counters. AvgResponseTime is the
// mean over successful uploads, retries included.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	stats := c.stats
	responseTime := c.responseTime
	c.mu.RUnlock()

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessRequests) / float64(stats.TotalRequests) * 100
	}
	if stats.SuccessRequests > 0 {
		stats.AvgResponseTime = responseTime / time.Duration(stats.SuccessRequests)
	}
	stats.ActiveRequests = len(c.semaphore)

	return stats
}

// Close waits for active uploads to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	return nil
}
