package stream

import (
	"math/rand"
	"sync"
	"time"

	"pipewatch/internal/logging"
)

// ReconnectConfig tunes the backoff state machine.
type ReconnectConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Exponential  bool
	JitterFactor float64 // fraction of the delay used as +/- jitter bound
}

// DefaultReconnectConfig mirrors the production defaults: five attempts,
// one second doubling to a thirty second ceiling, with +/-15% jitter to
// desynchronize concurrent sessions reconnecting after the same outage.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Exponential:  true,
		JitterFactor: 0.15,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	return out
}

// ReconnectState is a snapshot of the policy's counters.
type ReconnectState struct {
	IsReconnecting   bool
	Attempts         int
	LastAttempt      time.Time
	NextAttemptDelay time.Duration
}

// Reconnector schedules reconnection attempts with capped exponential
// backoff. It owns the single pending timer; attempts are strictly
// sequential because the caller only schedules the next attempt after the
// previous one resolved.
type Reconnector struct {
	cfg           ReconnectConfig
	attemptFn     func()
	onMaxAttempts func()
	logger        logging.Logger

	mu        sync.Mutex
	attempts  int
	timer     *time.Timer
	nextDelay time.Duration
	lastTry   time.Time
	exhausted bool
}

// NewReconnector builds the policy. attemptFn runs when a scheduled delay
// elapses; onMaxAttempts fires exactly once when the budget runs out.
func NewReconnector(cfg ReconnectConfig, attemptFn, onMaxAttempts func(), logger logging.Logger) *Reconnector {
	return &Reconnector{
		cfg:           cfg.withDefaults(),
		attemptFn:     attemptFn,
		onMaxAttempts: onMaxAttempts,
		logger:        logging.OrNop(logger),
	}
}

// DelayFor computes the raw backoff delay for a 1-indexed attempt number,
// before jitter: min(maxDelay, base * 2^(attempt-1)) when exponential,
// otherwise the constant base delay.
func (r *Reconnector) DelayFor(attempt int) time.Duration {
	if !r.cfg.Exponential {
		return r.cfg.BaseDelay
	}
	delay := r.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	if delay > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return delay
}

func (r *Reconnector) jitter(delay time.Duration) time.Duration {
	if r.cfg.JitterFactor <= 0 {
		return delay
	}
	spread := float64(delay) * r.cfg.JitterFactor
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(delay) + offset)
	if jittered < 0 {
		return 0
	}
	return jittered
}

// CanReconnect reports whether the attempt budget still has room.
func (r *Reconnector) CanReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts < r.cfg.MaxAttempts
}

// ScheduleReconnect arms the timer for the next attempt and reports whether
// it did. When attempts are exhausted it instead fires the max-attempts
// callback (once) and returns false. A previously pending timer is replaced.
func (r *Reconnector) ScheduleReconnect() bool {
	r.mu.Lock()
	if r.attempts >= r.cfg.MaxAttempts {
		fire := !r.exhausted
		r.exhausted = true
		r.mu.Unlock()
		if fire {
			r.logger.Error("reconnect attempts exhausted after %d tries", r.cfg.MaxAttempts)
			if r.onMaxAttempts != nil {
				r.onMaxAttempts()
			}
		}
		return false
	}

	r.attempts++
	delay := r.jitter(r.DelayFor(r.attempts))
	r.nextDelay = delay
	r.lastTry = time.Now()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, r.fire)
	attempt := r.attempts
	r.mu.Unlock()

	r.logger.Info("reconnect attempt %d/%d scheduled in %v", attempt, r.cfg.MaxAttempts, delay)
	return true
}

func (r *Reconnector) fire() {
	r.mu.Lock()
	r.timer = nil
	r.mu.Unlock()
	if r.attemptFn != nil {
		r.attemptFn()
	}
}

// CancelReconnect stops any pending timer without touching the counters, so
// a disconnect cannot leave a stale timer that reopens the connection later.
func (r *Reconnector) CancelReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Reset clears the counters after a successful connection open.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts = 0
	r.nextDelay = 0
	r.exhausted = false
}

// State snapshots the counters for observers.
func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReconnectState{
		IsReconnecting:   r.timer != nil,
		Attempts:         r.attempts,
		LastAttempt:      r.lastTry,
		NextAttemptDelay: r.nextDelay,
	}
}
