package offline

import (
	"fmt"
	"sync"
)

// Phase names a download stage. Phases run strictly in this order.
type Phase string

const (
	PhaseMetadata   Phase = "metadata"
	PhasePages      Phase = "pages"
	PhaseScreenshot Phase = "screenshot"
	PhaseImages     Phase = "images"
)

// Progress is reported as a download moves through its phases
type Progress struct {
	Phase     Phase  `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Percent of the current phase, 0-100
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// ItemFailure is one resource that could not be cached or evicted
type ItemFailure struct {
	Key string
	Err error
}

// PhaseReport aggregates the per-item outcomes of a best-effort phase
type PhaseReport struct {
	Total    int
	Cached   int
	Failures []ItemFailure
}

func (r PhaseReport) String() string {
	return fmt.Sprintf("%d of %d cached", r.Cached, r.Total)
}

// Complete reports whether every item succeeded
func (r PhaseReport) Complete() bool {
	return len(r.Failures) == 0 && r.Cached == r.Total
}

// reporter serializes progress callbacks coming from pool workers
type reporter struct {
	mu   sync.Mutex
	fn   ProgressFunc
	done map[Phase]int
}

func (r *reporter) emit(p Progress) {
	if r == nil || r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn(p)
}

// step counts one finished item of phase and reports it. Counting and the
// callback share the lock, so Completed never goes backwards.
func (r *reporter) step(phase Phase, total int, key string) {
	if r == nil || r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = make(map[Phase]int)
	}
	r.done[phase]++
	r.fn(Progress{Phase: phase, Completed: r.done[phase], Total: total, Message: key})
}
