package job

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ExtraNonce1Allocator hands out unique 4-byte ExtraNonce1 values to
// sessions at subscribe time and reclaims them at disconnect via an explicit
// free-list, rather than a monotonic counter that would eventually exhaust
// the 32-bit space under long-running churn.
type ExtraNonce1Allocator struct {
	mu      sync.Mutex
	next    uint32
	free    []uint32
	leased  map[uint32]struct{}
}

func NewExtraNonce1Allocator() *ExtraNonce1Allocator {
	return &ExtraNonce1Allocator{leased: make(map[uint32]struct{})}
}

// Allocate returns a 4-byte big-endian ExtraNonce1 unique across all
// currently-leased sessions.
func (a *ExtraNonce1Allocator) Allocate() ([4]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var v uint32
	if n := len(a.free); n > 0 {
		v = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if _, exhausted := a.leased[a.next]; exhausted && len(a.leased) >= 1<<32-1 {
			return [4]byte{}, fmt.Errorf("extranonce1 space exhausted")
		}
		v = a.next
		a.next++
	}

	a.leased[v] = struct{}{}

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b, nil
}

// Release returns a previously allocated ExtraNonce1 to the free-list.
func (a *ExtraNonce1Allocator) Release(en1 [4]byte) {
	v := binary.BigEndian.Uint32(en1[:])

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.leased[v]; !ok {
		return
	}
	delete(a.leased, v)
	a.free = append(a.free, v)
}

// Leased returns the number of currently leased ExtraNonce1 values.
func (a *ExtraNonce1Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}
