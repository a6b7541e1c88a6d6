// Package scan drives one camera screen's QR stamp submissions.
//
// A Session moves idle -> submitting -> cooldown -> idle. While a submission is in
// flight or cooling down, further decoded frames of the same code are dropped
// locally instead of hitting the server.
package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

type State int

const (
	Idle State = iota
	Submitting
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case Cooldown:
		return "cooldown"
	}
	return "unknown"
}

var (
	ErrBusy        = errors.New("a scan is already being processed")
	ErrUnknownCode = errors.New("this QR code is not the boarding code")
	// ErrTimeout means the screen stopped waiting. The stamp may still be added.
	ErrTimeout = errors.New("stamp request is taking too long, check your stamps shortly")
)

// SubmitFunc sends one scan to the server. key identifies the submission.
type SubmitFunc func(ctx context.Context, payload, key string) (*models.AccrualResult, error)

type Session struct {
	mu       sync.Mutex
	state    State
	key      string
	until    time.Time
	expected string
	timeout  time.Duration
	cooldown time.Duration
	now      func() time.Time
}

type Option func(*Session)

func WithTimeout(d time.Duration) Option  { return func(s *Session) { s.timeout = d } }
func WithCooldown(d time.Duration) Option { return func(s *Session) { s.cooldown = d } }
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession accepts only payloads equal to expected; an empty expected accepts any.
func NewSession(expected string, opts ...Option) *Session {
	s := &Session{
		expected: expected,
		timeout:  5 * time.Second,
		cooldown: 3 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	if s.state == Cooldown && !s.now().Before(s.until) {
		s.state = Idle
	}
	return s.state
}

// Submit sends payload unless the session is busy. The write is never cancelled by
// the timeout; only the wait is.
func (s *Session) Submit(ctx context.Context, payload string, submit SubmitFunc) (*models.AccrualResult, error) {
	payload = strings.TrimSpace(payload)

	s.mu.Lock()
	if s.stateLocked() != Idle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if s.expected != "" && payload != s.expected {
		s.mu.Unlock()
		return nil, ErrUnknownCode
	}
	key := uuid.NewString()
	s.state = Submitting
	s.key = key
	s.mu.Unlock()

	type outcome struct {
		res *models.AccrualResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := submit(context.WithoutCancel(ctx), payload, key)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		s.finish(key)
		return o.res, o.err
	case <-timer.C:
		s.finish(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.finish(key)
		return nil, ctx.Err()
	}
}

func (s *Session) finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != key {
		return
	}
	s.state = Cooldown
	s.until = s.now().Add(s.cooldown)
}

// Reset returns to idle, e.g. when the camera screen is reopened.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.key = ""
}
