package signaling

import (
	"sync"

	"github.com/mikeyg42/streamtune/internal/quality"
)

// HintStore keeps the latest network hint pushed by the peer
type HintStore struct {
	mu   sync.RWMutex
	hint quality.NetworkHint
}

func (h *HintStore) NetworkHint() quality.NetworkHint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hint
}

// Update replaces the stored hint
func (h *HintStore) Update(hint quality.NetworkHint) {
	h.mu.Lock()
	h.hint = hint
	h.mu.Unlock()
}
