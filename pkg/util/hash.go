package util

import (
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ContentHash is the xxHash64 of data as 16 hex digits
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// ContentHashReader streams r through xxHash64
func ContentHashReader(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// ContentName is a content-addressed file name, <stem>.<hash><ext>
func ContentName(stem string, data []byte, ext string) string {
	return stem + "." + ContentHash(data)[:12] + ext
}

// Dedupe remembers which name first produced each content hash. It is safe
// for concurrent use.
type Dedupe struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewDedupe returns an empty set
func NewDedupe() *Dedupe {
	return &Dedupe{seen: make(map[string]string)}
}

// Add records name under hash. It returns the first name stored for the
// hash and whether name is a duplicate of it.
func (d *Dedupe) Add(hash, name string) (first string, dup bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.seen[hash]; ok {
		return prev, true
	}
	d.seen[hash] = name
	return name, false
}

// Len is the number of distinct hashes
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
