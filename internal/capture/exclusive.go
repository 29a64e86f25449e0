package capture

import (
	"context"
	"sync"
)

// Exclusive allows at most one open stream on the wrapped microphone. A second
// Acquire fails with ErrDeviceUnavailable until the first stream is closed.
type Exclusive struct {
	mic  Microphone
	mu   sync.Mutex
	held bool
}

// NewExclusive wraps mic
func NewExclusive(mic Microphone) *Exclusive {
	return &Exclusive{mic: mic}
}

// Acquire opens a stream unless one is already held
func (e *Exclusive) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.held {
		return nil, ErrDeviceUnavailable
	}

	s, err := e.mic.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	e.held = true

	return &exclusiveStream{Stream: s, owner: e}, nil
}

// Held reports whether a stream is currently open
func (e *Exclusive) Held() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

type exclusiveStream struct {
	Stream
	owner *Exclusive
	once  sync.Once
}

func (s *exclusiveStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() {
		s.owner.mu.Lock()
		s.owner.held = false
		s.owner.mu.Unlock()
	})
	return err
}
