package gossip

import (
	"sync"
	"time"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

// FailureDetector turns the times we last heard from each member into a
// health verdict.
type FailureDetector interface {
	Observe(id string, t time.Time)
	// Health reports the detector's verdict, or false if id was never observed.
	Health(id string, now time.Time) (rumor.Health, bool)
	Remove(id string)
}

// TimeoutDetector suspects a member after SuspectAfter of silence and
// confirms it dead after ConfirmAfter.
type TimeoutDetector struct {
	SuspectAfter time.Duration
	ConfirmAfter time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewTimeoutDetector(suspectAfter, confirmAfter time.Duration) *TimeoutDetector {
	return &TimeoutDetector{
		SuspectAfter: suspectAfter,
		ConfirmAfter: confirmAfter,
		last:         make(map[string]time.Time),
	}
}

func (d *TimeoutDetector) Observe(id string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.After(d.last[id]) {
		d.last[id] = t
	}
}

func (d *TimeoutDetector) Health(id string, now time.Time) (rumor.Health, bool) {
	d.mu.Lock()
	last, ok := d.last[id]
	d.mu.Unlock()
	if !ok {
		return rumor.Alive, false
	}
	switch silent := now.Sub(last); {
	case silent >= d.ConfirmAfter:
		return rumor.Confirmed, true
	case silent >= d.SuspectAfter:
		return rumor.Suspect, true
	default:
		return rumor.Alive, true
	}
}

func (d *TimeoutDetector) Remove(id string) {
	d.mu.Lock()
	delete(d.last, id)
	d.mu.Unlock()
}
