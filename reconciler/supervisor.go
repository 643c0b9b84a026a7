// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	cerrors "github.com/chronotail/chronotail/errors"
	"github.com/chronotail/chronotail/internal/safego"
)

// State is the lifecycle state of the reconnect supervisor.
type State int

const (
	// StateIdle means no stream has been started yet.
	StateIdle State = iota
	// StateConnecting means a session is being (re)opened.
	StateConnecting
	// StateStreaming means lines are arriving.
	StateStreaming
	// StateDisconnected means the session ended and a reconnect is
	// scheduled.
	StateDisconnected
	// StateStopped is terminal: the stream was cancelled explicitly,
	// or an auth error blocks further attempts.
	StateStopped
	// StateGivenUp is terminal: the attempt ceiling was reached.
	// Only an explicit restart clears it.
	StateGivenUp
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateStreaming:    "streaming",
	StateDisconnected: "disconnected",
	StateStopped:      "stopped",
	StateGivenUp:      "given_up",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

const (
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 10
)

// SessionFunc runs one stream session to completion. Implementations
// call connected when the first line arrives and return when the
// session ends: nil on a clean remote close, the terminal error
// otherwise.
type SessionFunc func(ctx context.Context, connected func()) error

// Supervisor drives the reconnect loop around a stream session. It
// reopens the session with exponential backoff until it is stopped,
// hits an auth error, or exhausts its attempt budget.
type Supervisor struct {
	mu       sync.Mutex
	state    State
	attempts int   // consecutive failed attempts since the last success
	lastErr  error // latest user-facing error, nil when suppressed
	exp      *backoff.ExponentialBackOff

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	cancel context.CancelFunc // cancels the running loop, nil when idle
	done   chan struct{}      // closed when the loop exits

	log *logrus.Entry
}

// NewSupervisor returns a stopped supervisor. Zero values select the
// 2s base delay, 30s ceiling and 10 attempt budget.
func NewSupervisor(baseDelay, maxDelay time.Duration, maxAttempts int, log *logrus.Entry) *Supervisor {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		state:       StateIdle,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Start launches the supervised session loop. It returns an error if
// the supervisor is already running.
func (s *Supervisor) Start(ctx context.Context, fn SessionFunc) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateConnecting
	s.attempts = 0
	s.lastErr = nil
	s.exp = s.newBackOff()
	done := s.done
	s.mu.Unlock()

	safego.SafeGo("stream_supervisor", func() {
		defer close(done)
		s.run(runCtx, fn)
	})
	return nil
}

// Stop cancels the running loop and any pending reconnect timer,
// then waits for the loop to exit. It is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive failed attempt count.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Err returns the latest user-facing stream error. Benign transport
// artifacts and cancellation never appear here.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) run(ctx context.Context, fn SessionFunc) {
	for {
		s.setState(StateConnecting)
		err := fn(ctx, s.onConnected)

		if ctx.Err() != nil || cerrors.IsCanceled(err) {
			s.transition(StateStopped, nil)
			return
		}
		if cerrors.IsAuth(err) {
			// blocking: credentials must change before another
			// attempt makes sense.
			s.log.WithError(err).Warnln("stream: missing credentials, not reconnecting")
			s.transition(StateStopped, err)
			return
		}

		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		switch {
		case err == nil:
			// clean remote close is recoverable, not an error.
		case cerrors.IsBenign(err):
			s.log.WithError(err).Debugln("stream: benign transport error suppressed")
		default:
			s.lastErr = err
		}
		if attempts >= s.maxAttempts {
			s.state = StateGivenUp
			s.mu.Unlock()
			s.log.WithField("attempts", attempts).
				Errorln("stream: giving up after repeated reconnect failures")
			return
		}
		s.state = StateDisconnected
		delay := s.exp.NextBackOff()
		s.mu.Unlock()

		s.log.WithField("attempt", attempts).WithField("delay", delay).
			Infoln("stream: disconnected, reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(StateStopped, nil)
			return
		case <-timer.C:
		}
	}
}

// onConnected marks the session healthy on the first received line.
func (s *Supervisor) onConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStreaming
	s.attempts = 0
	s.lastErr = nil
	s.exp.Reset()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Supervisor) transition(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
}

// newBackOff builds the reconnect schedule: delays double from the
// base and cap at the max, with no jitter so the schedule is
// predictable.
func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.baseDelay
	exp.MaxInterval = s.maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0 // the attempt budget is the only ceiling
	exp.Reset()
	return exp
}
