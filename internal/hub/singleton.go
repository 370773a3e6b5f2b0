package hub

import (
	"sync"

	"agentworks/internal/metrics"
	"agentworks/pkg/logging"
)

// The process runs one hub shared by the socket handlers, the ingest
// pipeline and the operational endpoints.
var (
	defaultHub *Hub
	defaultMu  sync.RWMutex
)

// Init creates the process-wide hub. Calling it twice replaces the
// instance; callers do that only in tests.
func Init(logger logging.Logger, m *metrics.Metrics, config Config) *Hub {
	h := NewHub(logger, m, config)
	defaultMu.Lock()
	defaultHub = h
	defaultMu.Unlock()
	return h
}

// Get returns the process-wide hub, or nil before Init.
func Get() *Hub {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultHub
}

// SetForTesting swaps the process-wide hub and returns the previous one.
func SetForTesting(h *Hub) *Hub {
	defaultMu.Lock()
	prev := defaultHub
	defaultHub = h
	defaultMu.Unlock()
	return prev
}
