package engine

import (
	"sync"
	"time"

	"rulesmith/internal/logging"
)

// ApprovalTracker credits rules for generations the user accepted silently.
// Each shown generation schedules a delayed approval keyed by generation id;
// if no correction arrives before the window closes, the injected rules get
// a success credit. A correction cancels the pending credit. Every task is
// explicit and cancellable, never ambient state.
type ApprovalTracker struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*time.Timer
	credit  func(ruleIDs []string)
	closed  bool
}

// NewApprovalTracker returns a tracker that calls credit after window
// elapses without a cancellation.
func NewApprovalTracker(window time.Duration, credit func(ruleIDs []string)) *ApprovalTracker {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &ApprovalTracker{
		window:  window,
		pending: make(map[string]*time.Timer),
		credit:  credit,
	}
}

// Track schedules an approval credit for the rules injected into a
// generation. Tracking the same generation id again resets its window.
func (t *ApprovalTracker) Track(generationID string, ruleIDs []string) {
	if generationID == "" || len(ruleIDs) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev, ok := t.pending[generationID]; ok {
		prev.Stop()
	}

	ids := make([]string, len(ruleIDs))
	copy(ids, ruleIDs)
	t.pending[generationID] = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		_, live := t.pending[generationID]
		delete(t.pending, generationID)
		closed := t.closed
		t.mu.Unlock()
		if !live || closed {
			return
		}
		logging.Engine("Generation %s accepted by silence, crediting %d rules", generationID, len(ids))
		t.credit(ids)
	})
}

// Cancel drops the pending credit for a generation. Returns whether a credit
// was actually pending.
func (t *ApprovalTracker) Cancel(generationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[generationID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, generationID)
	return true
}

// Pending returns the number of generations awaiting their window.
func (t *ApprovalTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels every pending credit and rejects new ones.
func (t *ApprovalTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
