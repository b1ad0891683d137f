package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/splax/buildboard/internal/domain"
)

const defaultStripes = 256

// stripedLocks serialises work per run key. Keys that hash to different stripes proceed in parallel.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = defaultStripes
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lock(key domain.RunKey) func() {
	mu := &l.stripes[l.index(key)]
	mu.Lock()
	return mu.Unlock
}

func (l *stripedLocks) index(key domain.RunKey) int {
	return int(xxhash.Sum64String(key.String()) % uint64(len(l.stripes)))
}
