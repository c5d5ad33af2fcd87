package relay

import (
	"sync"
)

// AlertConfig represents the config of the temperature alarm
type AlertConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// ClearMargin is the hysteresis gap below the trigger threshold. An active
// alarm clears only once the temperature drops to threshold minus this
// margin, so readings hovering just under the threshold cannot flap the
// state.
const ClearMargin = 2.0

// Alarm is a two-state threshold alarm with hysteresis
type Alarm struct {
	mu        sync.Mutex
	threshold float64
	active    bool
	last      Reading
}

// NewAlarm creates an inactive alarm with the given trigger threshold
func NewAlarm(threshold float64) *Alarm {
	return &Alarm{
		threshold: threshold,
	}
}

// Observe feeds one accepted reading through the state machine. It returns an
// alert event exactly when the alarm trips. The clear transition is silent;
// clients treat the absence of further alerts as recovery. Readings inside
// the dead zone leave the state untouched.
func (a *Alarm) Observe(r Reading) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case !a.active && r.Temperature > a.threshold:
		a.active = true
		a.last = r
		return AlertEvent(r, a.threshold), true
	case a.active && r.Temperature <= a.threshold-ClearMargin:
		a.active = false
		a.last = r
	}

	return Event{}, false
}

// Status reports whether the alarm is active and the reading that caused the
// most recent transition
func (a *Alarm) Status() (bool, Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.active, a.last
}

// Threshold returns the configured trigger threshold
func (a *Alarm) Threshold() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.threshold
}
