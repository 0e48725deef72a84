package telegram

import (
	"context"
	"sync"

	"github.com/gotd/td/session"
)

// memorySessionStorage implements session.Storage over a byte slice. The
// decrypted session only ever lives in process memory; persistence stays the
// vault's job.
type memorySessionStorage struct {
	mu   sync.Mutex
	data []byte
}

func newMemorySessionStorage(data []byte) *memorySessionStorage {
	// Copy so the caller can zero its buffer independently
	clone := make([]byte, len(data))
	copy(clone, data)
	return &memorySessionStorage{data: clone}
}

func (s *memorySessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	clone := make([]byte, len(s.data))
	copy(clone, s.data)
	return clone, nil
}

func (s *memorySessionStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	return nil
}

// Bytes returns the current session payload. The MTProto library rotates
// session data over time; callers re-encrypt this after a connection to keep
// the stored blob current.
func (s *memorySessionStorage) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]byte, len(s.data))
	copy(clone, s.data)
	return clone
}

var _ session.Storage = (*memorySessionStorage)(nil)
