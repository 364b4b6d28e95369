package fairness

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// SeedSize is the length of a round seed in bytes.
const SeedSize = 32

// SeedSource produces round seeds.
type SeedSource interface {
	Seed() ([]byte, error)
}

// ReaderSeedSource reads seeds from r. Safe for concurrent use.
type ReaderSeedSource struct {
	mu sync.Mutex
	r  io.Reader
}

// NewReaderSeedSource wraps any byte stream; tests pass a seeded ChaCha8.
func NewReaderSeedSource(r io.Reader) *ReaderSeedSource {
	return &ReaderSeedSource{r: r}
}

// CryptoSeedSource draws from crypto/rand.
func CryptoSeedSource() *ReaderSeedSource {
	return NewReaderSeedSource(rand.Reader)
}

func (s *ReaderSeedSource) Seed() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, SeedSize)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return b, nil
}
