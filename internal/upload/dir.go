package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/metrics"
)

// Dir stores items in a directory as <id><ext> next to a <id>.json sidecar
type Dir struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// sidecar is the JSON metadata written next to each artifact
type sidecar struct {
	Item
	File  string `json:"file"`
	Bytes int    `json:"bytes"`
}

// NewDir creates the directory if needed and returns an uploader writing into it
func NewDir(root string, logger *slog.Logger, m *metrics.Metrics) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", root, err)
	}

	return &Dir{root: root, logger: logger, metrics: m}, nil
}

// Root returns the target directory
func (d *Dir) Root() string {
	return d.root
}

// Upload writes item and its sidecar. Files appear atomically via rename.
func (d *Dir) Upload(ctx context.Context, item Item) (*Receipt, error) {
	if len(item.Data) == 0 {
		return nil, ErrEmptyItem
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startTime := time.Now()
	name := item.ID + Extension(item)
	path := filepath.Join(d.root, name)

	if err := writeFileAtomic(path, item.Data); err != nil {
		d.metrics.UploadAttempted("error")
		return nil, err
	}

	meta, err := json.MarshalIndent(sidecar{Item: item, File: name, Bytes: len(item.Data)}, "", "  ")
	if err != nil {
		d.metrics.UploadAttempted("error")
		return nil, fmt.Errorf("failed to encode sidecar: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(d.root, item.ID+".json"), meta); err != nil {
		d.metrics.UploadAttempted("error")
		return nil, err
	}

	d.metrics.UploadAttempted("success")
	d.metrics.UploadObserved(time.Since(startTime))

	d.logger.Debug("Stored artifact",
		slog.String("id", item.ID),
		slog.String("path", path),
		slog.Int("bytes", len(item.Data)),
		slog.Bool("fallback", item.Fallback),
	)

	return &Receipt{
		ID:         item.ID,
		Location:   path,
		Bytes:      len(item.Data),
		MimeType:   ContentType(item),
		Attempts:   1,
		UploadedAt: time.Now(),
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	return nil
}
