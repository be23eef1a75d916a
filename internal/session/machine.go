// Package session owns the tracking session lifecycle. A Machine is not safe
// for concurrent use; the engine serializes every call.
package session

import (
	"errors"
	"fmt"
	"time"

	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/localstate"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"
	"backend-trackmates/internal/validation"

	"github.com/rs/zerolog"
)

type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Active   State = "active"
	Degraded State = "degraded"
)

var AllStates = []string{string(Stopped), string(Starting), string(Active), string(Degraded)}

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrAlreadyStarted    = errors.New("session already started")
)

var transitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Active},
	Active:   {Degraded},
	Degraded: {Active},
}

func canTransition(from, to State) bool {
	if to == Stopped {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Config struct {
	UpdateInterval  time.Duration         `json:"update_interval" validate:"gt=0"`
	DistanceFilterM float64               `json:"distance_filter_m" validate:"gte=0"`
	AccuracyTier    location.AccuracyTier `json:"accuracy_tier" validate:"oneof=high balanced low"`
}

type Session struct {
	UserID              string    `json:"user_id"`
	State               State     `json:"state"`
	StartedAt           time.Time `json:"started_at"`
	Config              Config    `json:"config"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RestartAttempts     int       `json:"restart_attempts"`
}

// RestartPolicy spaces adapter restarts linearly up to a cap.
type RestartPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (p RestartPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(attempt) * p.Base
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

type Persister interface {
	SaveSession(localstate.Session) error
}

type Machine struct {
	sess    Session
	persist Persister
	policy  RestartPolicy
	now     func() time.Time
	log     zerolog.Logger
}

// NewMachine returns a stopped machine. persist may be nil.
func NewMachine(persist Persister, policy RestartPolicy, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	m := &Machine{
		sess:    Session{State: Stopped},
		persist: persist,
		policy:  policy,
		now:     now,
		log:     logging.Component("session"),
	}
	metrics.SetSessionState(string(Stopped), AllStates)
	return m
}

func (m *Machine) Snapshot() Session { return m.sess }

func (m *Machine) State() State { return m.sess.State }

// Start moves a stopped machine to Starting. The config is validated first and
// an invalid config leaves the machine untouched.
func (m *Machine) Start(userID string, cfg Config) error {
	if userID == "" {
		return fault.Config("session.start", errors.New("user id is required"))
	}
	if err := validation.Struct("session.start", cfg); err != nil {
		return err
	}
	if m.sess.State != Stopped {
		return ErrAlreadyStarted
	}
	m.sess = Session{
		UserID:    userID,
		StartedAt: m.now(),
		Config:    cfg,
		State:     Stopped,
	}
	return m.transition(Starting)
}

// Activate completes a start once the source reports a background-capable
// authorization.
func (m *Machine) Activate() error {
	return m.transition(Active)
}

func (m *Machine) RecordFailure() int {
	m.sess.ConsecutiveFailures++
	return m.sess.ConsecutiveFailures
}

func (m *Machine) ResetFailures() {
	m.sess.ConsecutiveFailures = 0
}

// Degrade marks sustained failure. Calling it while already degraded is a
// no-op.
func (m *Machine) Degrade() error {
	if m.sess.State == Degraded {
		return nil
	}
	return m.transition(Degraded)
}

// NextRestart consumes one restart attempt and returns its delay. It reports
// false once the attempts are exhausted.
func (m *Machine) NextRestart() (time.Duration, bool) {
	if m.policy.MaxAttempts > 0 && m.sess.RestartAttempts >= m.policy.MaxAttempts {
		return 0, false
	}
	m.sess.RestartAttempts++
	return m.policy.Delay(m.sess.RestartAttempts), true
}

// Recover records an accepted fix. A degraded session returns to Active.
func (m *Machine) Recover() bool {
	m.sess.ConsecutiveFailures = 0
	m.sess.RestartAttempts = 0
	if m.sess.State != Degraded {
		return false
	}
	return m.transition(Active) == nil
}

// Stop is accepted from any state and reports whether the state changed.
func (m *Machine) Stop() bool {
	if m.sess.State == Stopped {
		return false
	}
	m.sess.ConsecutiveFailures = 0
	m.sess.RestartAttempts = 0
	_ = m.transition(Stopped)
	return true
}

func (m *Machine) transition(to State) error {
	from := m.sess.State
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.sess.State = to
	metrics.SetSessionState(string(to), AllStates)
	m.log.Info().Str("user", m.sess.UserID).Str("from", string(from)).Str("to", string(to)).Msg("session transition")
	m.save()
	return nil
}

func (m *Machine) save() {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveSession(toPersisted(m.sess)); err != nil {
		m.log.Warn().Err(err).Str("user", m.sess.UserID).Msg("persist session failed")
	}
}

func toPersisted(s Session) localstate.Session {
	return localstate.Session{
		UserID:          s.UserID,
		Enabled:         s.State != Stopped,
		State:           string(s.State),
		StartTime:       s.StartedAt,
		UpdateInterval:  s.Config.UpdateInterval,
		DistanceFilterM: s.Config.DistanceFilterM,
		AccuracyTier:    string(s.Config.AccuracyTier),
	}
}

// Resumable reports whether a persisted session should be started again after
// a process restart, and with which user and config.
func Resumable(p localstate.Session) (string, Config, bool) {
	if !p.Enabled || p.UserID == "" || State(p.State) == Stopped {
		return "", Config{}, false
	}
	return p.UserID, Config{
		UpdateInterval:  p.UpdateInterval,
		DistanceFilterM: p.DistanceFilterM,
		AccuracyTier:    location.AccuracyTier(p.AccuracyTier),
	}, true
}
