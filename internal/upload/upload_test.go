package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wavBytes is the start of a RIFF/WAVE file, enough for content sniffing
var wavBytes = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00\x44\xac\x00\x00\x88\x58\x01\x00\x02\x00\x10\x00data\x00\x00\x00\x00")

func TestExtension(t *testing.T) {
	tests := []struct {
		name     string
		item     Item
		expected string
	}{
		{"declared mp3", Item{MimeType: "audio/mp3", Data: []byte{0xFF, 0xFB}}, ".mp3"},
		{"declared mpeg", Item{MimeType: "audio/mpeg", Data: []byte{0xFF, 0xFB}}, ".mp3"},
		{"sniffed wav", Item{Data: wavBytes}, ".wav"},
		{"unknown declared falls back to sniffing", Item{MimeType: "audio/x-unknown", Data: wavBytes}, ".wav"},
		{"unrecognized content", Item{Data: []byte{0x00, 0x01, 0x02}}, ".bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Extension(tt.item); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType(Item{MimeType: "audio/mp3"}); got != "audio/mp3" {
		t.Errorf("Expected declared type, got %s", got)
	}

	if got := ContentType(Item{Data: wavBytes}); got != "audio/wav" {
		t.Errorf("Expected sniffed audio/wav, got %s", got)
	}
}

func TestDiscard(t *testing.T) {
	if _, err := (Discard{}).Upload(context.Background(), Item{}); !errors.Is(err, ErrEmptyItem) {
		t.Errorf("Expected ErrEmptyItem, got %v", err)
	}

	receipt, err := (Discard{}).Upload(context.Background(), NewItem([]byte{1}, "audio/mp3"))
	if err != nil || receipt.Bytes != 1 {
		t.Errorf("Unexpected discard result %+v, %v", receipt, err)
	}
}

func TestDirUpload(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	dir, err := NewDir(root, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}

	item := NewItem([]byte{0xFF, 0xFB, 0x90, 0x00}, "audio/mp3")
	item.SessionID = "session-1"
	item.Fallback = false

	receipt, err := dir.Upload(context.Background(), item)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if receipt.Location != filepath.Join(root, item.ID+".mp3") {
		t.Errorf("Unexpected location %s", receipt.Location)
	}

	data, err := os.ReadFile(receipt.Location)
	if err != nil {
		t.Fatalf("Artifact not written: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("Expected 4 bytes, got %d", len(data))
	}

	metaBytes, err := os.ReadFile(filepath.Join(root, item.ID+".json"))
	if err != nil {
		t.Fatalf("Sidecar not written: %v", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		t.Fatalf("Sidecar is not JSON: %v", err)
	}
	if meta["session_id"] != "session-1" || meta["file"] != item.ID+".mp3" {
		t.Errorf("Unexpected sidecar %v", meta)
	}

	// Only the artifact and the sidecar remain
	entries, _ := os.ReadDir(root)
	if len(entries) != 2 {
		t.Errorf("Expected 2 files, got %d", len(entries))
	}

	if _, err := dir.Upload(context.Background(), Item{ID: "empty"}); !errors.Is(err, ErrEmptyItem) {
		t.Errorf("Expected ErrEmptyItem, got %v", err)
	}
}

func TestClientUpload(t *testing.T) {
	var seen atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Add(1)

		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, _ := io.ReadAll(file)
		if len(data) != 3 || header.Header.Get("Content-Type") != "audio/mp3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if r.FormValue("session_id") != "session-1" || r.FormValue("fallback") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"remote-1","url":"https://store.example.com/remote-1.mp3"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL, APIKey: "secret"}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	item := NewItem([]byte{1, 2, 3}, "audio/mp3")
	item.SessionID = "session-1"
	item.Fallback = true

	receipt, err := client.Upload(context.Background(), item)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if receipt.ID != "remote-1" || receipt.Location != "https://store.example.com/remote-1.mp3" {
		t.Errorf("Unexpected receipt %+v", receipt)
	}

	if receipt.Attempts != 1 || seen.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", receipt.Attempts)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 || stats.SuccessRate != 100 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestClientRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Endpoint:    server.URL,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	receipt, err := client.Upload(context.Background(), NewItem([]byte{1}, "audio/mp3"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if receipt.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", receipt.Attempts)
	}

	if receipt.Location != server.URL {
		t.Errorf("Expected endpoint as location, got %s", receipt.Location)
	}

	if stats := client.GetStats(); stats.TotalRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", stats.TotalRetries)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad upload", http.StatusBadRequest)
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{
		Endpoint:    server.URL,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, testLogger(), nil)

	_, err := client.Upload(context.Background(), NewItem([]byte{1}, "audio/mp3"))

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected a 400 StatusError, got %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}

	if stats := client.GetStats(); stats.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", stats.FailedRequests)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"server error", &StatusError{StatusCode: 502}, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"not found", &StatusError{StatusCode: 404}, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(ClientConfig{}, testLogger(), nil); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}
