// Package filter implements the two-stage fix gate: hard validity checks
// followed by a distance/time throttle.
package filter

import (
	"errors"
	"math"
	"time"

	"backend-trackmates/internal/location"
	"backend-trackmates/internal/shared/geo"
)

const (
	DefaultMaxAge          = 5 * time.Second
	DefaultMaxAccuracyM    = 100.0
	DefaultDistanceFilterM = 10.0
	DefaultUpdateInterval  = 15 * time.Second
)

var (
	ErrStale      = errors.New("fix too old")
	ErrInaccurate = errors.New("fix accuracy out of range")
)

type Settings struct {
	MaxAge          time.Duration
	MaxAccuracyM    float64
	DistanceFilterM float64
	UpdateInterval  time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MaxAge:          DefaultMaxAge,
		MaxAccuracyM:    DefaultMaxAccuracyM,
		DistanceFilterM: DefaultDistanceFilterM,
		UpdateInterval:  DefaultUpdateInterval,
	}
}

type Verdict int

const (
	Rejected Verdict = iota
	Throttled
	Forward
)

func (v Verdict) String() string {
	switch v {
	case Rejected:
		return "rejected"
	case Throttled:
		return "throttled"
	case Forward:
		return "forward"
	}
	return "unknown"
}

type Decision struct {
	Verdict Verdict
	Reason  string
	Err     error
}

// Accepted reports whether the fix passed the validity stage.
func (d Decision) Accepted() bool {
	return d.Verdict != Rejected
}

// Validate applies the hard validity stage.
func Validate(fix location.Fix, now time.Time, s Settings) error {
	if fix.Age(now) > s.MaxAge {
		return ErrStale
	}
	if math.IsNaN(fix.Accuracy) || fix.Accuracy < 0 || fix.Accuracy > s.MaxAccuracyM {
		return ErrInaccurate
	}
	return nil
}

// Filter keeps the last forwarded fix. Not safe for concurrent use.
type Filter struct {
	settings  Settings
	forwarded *location.Fix
}

func New(s Settings) *Filter {
	return &Filter{settings: s}
}

func (f *Filter) Settings() Settings { return f.settings }

// Evaluate runs both stages. Only a Forward verdict moves the throttle
// reference point.
func (f *Filter) Evaluate(fix location.Fix, now time.Time) Decision {
	if err := Validate(fix, now, f.settings); err != nil {
		return Decision{Verdict: Rejected, Reason: err.Error(), Err: err}
	}

	if f.forwarded == nil {
		f.forward(fix)
		return Decision{Verdict: Forward, Reason: "first"}
	}

	last := *f.forwarded
	if geo.DistanceM(last.Position(), fix.Position()) > f.settings.DistanceFilterM {
		f.forward(fix)
		return Decision{Verdict: Forward, Reason: "distance"}
	}
	if fix.Timestamp.Sub(last.Timestamp) > f.settings.UpdateInterval {
		f.forward(fix)
		return Decision{Verdict: Forward, Reason: "interval"}
	}
	return Decision{Verdict: Throttled, Reason: "throttled"}
}

func (f *Filter) forward(fix location.Fix) {
	f.forwarded = &fix
}

// Reset forgets the throttle reference so the next valid fix is forwarded.
func (f *Filter) Reset() {
	f.forwarded = nil
}
