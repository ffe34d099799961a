package observability

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// HandlerErrors counts dispatch handler failures per signal. Its Observe method
// is a dispatch.ErrorObserver.
type HandlerErrors struct {
	mu     sync.Mutex
	counts map[command.Signal]int
	last   map[command.Signal]string
	logger *zap.Logger
}

// NewHandlerErrors creates an empty counter.
//
// Precondition: logger must be non-nil.
func NewHandlerErrors(logger *zap.Logger) *HandlerErrors {
	return &HandlerErrors{
		counts: make(map[command.Signal]int),
		last:   make(map[command.Signal]string),
		logger: logger,
	}
}

// Observe records err against sig.
func (h *HandlerErrors) Observe(sig command.Signal, err error) {
	h.mu.Lock()
	h.counts[sig]++
	n := h.counts[sig]
	h.last[sig] = err.Error()
	h.mu.Unlock()

	h.logger.Debug("handler error recorded",
		zap.String("signal", string(sig)),
		zap.Int("total", n),
	)
}

// SignalErrors is the per-signal summary returned by Snapshot.
type SignalErrors struct {
	Count int    `json:"count"`
	Last  string `json:"last"`
}

// Snapshot returns a copy of the counters keyed by signal.
func (h *HandlerErrors) Snapshot() map[string]SignalErrors {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]SignalErrors, len(h.counts))
	for sig, n := range h.counts {
		out[string(sig)] = SignalErrors{Count: n, Last: h.last[sig]}
	}
	return out
}
