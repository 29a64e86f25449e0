package upload

import (
	"context"
	"errors"
	"mime"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrEmptyItem is returned when an item carries no data
var ErrEmptyItem = errors.New("upload: empty item")

// Item is one artifact handed to an Uploader
type Item struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	Data      []byte        `json:"-"`
	MimeType  string        `json:"mime_type"`
	Fallback  bool          `json:"fallback"` // the unconverted capture blob
	Duration  time.Duration `json:"duration,omitempty"`
	Source    string        `json:"source,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewItem creates an item with a fresh ID
func NewItem(data []byte, mimeType string) Item {
	return Item{
		ID:        uuid.New().String(),
		Data:      data,
		MimeType:  mimeType,
		CreatedAt: time.Now(),
	}
}

// Receipt describes a completed upload
type Receipt struct {
	ID         string    `json:"id"`
	Location   string    `json:"location"`
	Bytes      int       `json:"bytes"`
	MimeType   string    `json:"mime_type"`
	Attempts   int       `json:"attempts"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Uploader delivers items
type Uploader interface {
	Upload(ctx context.Context, item Item) (*Receipt, error)
}

// Discard accepts every item without storing it
type Discard struct{}

// Upload returns a receipt without a location
func (Discard) Upload(ctx context.Context, item Item) (*Receipt, error) {
	if len(item.Data) == 0 {
		return nil, ErrEmptyItem
	}
	return &Receipt{
		ID:         item.ID,
		Bytes:      len(item.Data),
		MimeType:   ContentType(item),
		Attempts:   1,
		UploadedAt: time.Now(),
	}, nil
}

// ContentType returns the declared mime type of item, or the sniffed one
// when nothing was declared
func ContentType(item Item) string {
	if item.MimeType != "" {
		return item.MimeType
	}
	return mimetype.Detect(item.Data).String()
}

// Extension returns the file extension for item, preferring the declared
// mime type over the sniffed content
func Extension(item Item) string {
	if item.MimeType != "" {
		if base, _, err := mime.ParseMediaType(item.MimeType); err == nil {
			if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
				return m.Extension()
			}
		}
	}

	if ext := mimetype.Detect(item.Data).Extension(); ext != "" {
		return ext
	}
	return ".bin"
}
