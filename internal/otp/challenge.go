// Package otp drives the six-digit one-time passcode challenge shown
// after registration and for step-up verification. It collects digits,
// runs the countdown and hands the code to a Verifier; it never decides
// whether a code is correct.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qcom/marketclient/internal/models"
	"github.com/sirupsen/logrus"
)

const DefaultCountdown = 120 * time.Second

var (
	ErrInvalidDigit      = errors.New("only a single digit is accepted")
	ErrInvalidPaste      = errors.New("paste must contain exactly six digits")
	ErrSlotOutOfRange    = errors.New("slot out of range")
	ErrNotReady          = errors.New("challenge is not ready to submit")
	ErrResendUnavailable = errors.New("resend is available once the countdown ends")
	ErrClosed            = errors.New("challenge closed")
	ErrResolved          = errors.New("challenge already verified")
)

// VerifyResult is the verification collaborator's answer. Tokens is set
// when the provider signs the user in on success.
type VerifyResult struct {
	Verified bool
	Reason   string
	Tokens   *models.TokenPair
}

type Verifier interface {
	VerifyOTP(ctx context.Context, email, code string) (*VerifyResult, error)
	ResendOTP(ctx context.Context, email string) error
}

// Outcome is what Submit reports to the caller.
type Outcome struct {
	Verified bool
	Reason   string
	Tokens   *models.TokenPair
}

type Option func(*Challenge)

func WithCountdown(d time.Duration) Option {
	return func(c *Challenge) {
		if s := int(d / time.Second); s > 0 {
			c.countdown = s
		}
	}
}

// WithTickInterval sets the real duration of one countdown step.
func WithTickInterval(d time.Duration) Option {
	return func(c *Challenge) {
		if d > 0 {
			c.interval = d
		}
	}
}

// OnChange registers fn to receive a snapshot after every mutation.
func OnChange(fn func(models.ChallengeState)) Option {
	return func(c *Challenge) { c.onChange = fn }
}

type Challenge struct {
	email     string
	verifier  Verifier
	logger    *logrus.Logger
	countdown int
	interval  time.Duration
	onChange  func(models.ChallengeState)

	mu         sync.Mutex
	slots      [models.OTPLength]string
	focus      int
	remaining  int
	attempted  bool
	submitting bool
	resolved   bool
	closed     bool
	// generation changes on resend and close; results of submissions
	// started under an older generation are dropped.
	generation uint64
	tickerID   uint64
	stopTicker context.CancelFunc
}

func New(email string, verifier Verifier, logger *logrus.Logger, opts ...Option) *Challenge {
	c := &Challenge{
		email:     email,
		verifier:  verifier,
		logger:    logger,
		countdown: int(DefaultCountdown / time.Second),
		interval:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.remaining = c.countdown
	return c
}

// Start begins the countdown. Calling it again restarts the ticker
// without resetting the remaining time.
func (c *Challenge) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.resolved || c.remaining == 0 {
		return
	}
	c.startTickerLocked()
}

func (c *Challenge) startTickerLocked() {
	c.stopTickerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	c.tickerID++
	id := c.tickerID
	c.stopTicker = cancel

	go func() {
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !c.tickFrom(id) {
					return
				}
			}
		}
	}()
}

func (c *Challenge) stopTickerLocked() {
	if c.stopTicker != nil {
		c.stopTicker()
		c.stopTicker = nil
	}
}

// tickFrom applies a tick from ticker id and reports whether that ticker
// should keep running.
func (c *Challenge) tickFrom(id uint64) bool {
	c.mu.Lock()
	if id != c.tickerID || c.closed || c.resolved {
		c.mu.Unlock()
		return false
	}
	running := c.tickLocked()
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(st)
	return running
}

// Tick advances the countdown by one step. The ticker started by Start
// calls it once per interval; callers driving the challenge manually may
// call it directly.
func (c *Challenge) Tick() {
	c.mu.Lock()
	if c.closed || c.resolved {
		c.mu.Unlock()
		return
	}
	c.tickLocked()
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(st)
}

func (c *Challenge) tickLocked() bool {
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining == 0 {
		c.stopTickerLocked()
		return false
	}
	return true
}

// Input puts a single digit into slot and moves focus forward.
func (c *Challenge) Input(slot int, s string) error {
	if len(s) != 1 || !isDigit(s[0]) {
		return ErrInvalidDigit
	}

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if slot < 0 || slot >= models.OTPLength {
		c.mu.Unlock()
		return ErrSlotOutOfRange
	}

	c.slots[slot] = s
	if slot < models.OTPLength-1 {
		c.focus = slot + 1
	} else {
		c.focus = slot
	}
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Backspace clears slot, or moves focus back when slot is already empty.
func (c *Challenge) Backspace(slot int) error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if slot < 0 || slot >= models.OTPLength {
		c.mu.Unlock()
		return ErrSlotOutOfRange
	}

	if c.slots[slot] != "" {
		c.slots[slot] = ""
		c.focus = slot
	} else if slot > 0 {
		c.focus = slot - 1
	}
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Paste fills every slot from a six-digit string and focuses the last
// slot. Anything else leaves the challenge untouched.
func (c *Challenge) Paste(s string) error {
	s = strings.TrimSpace(s)
	if len(s) != models.OTPLength {
		return ErrInvalidPaste
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return ErrInvalidPaste
		}
	}

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	for i := 0; i < models.OTPLength; i++ {
		c.slots[i] = s[i : i+1]
	}
	c.focus = models.OTPLength - 1
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(st)
	return nil
}

func (c *Challenge) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSubmitLocked()
}

func (c *Challenge) canSubmitLocked() bool {
	if c.closed || c.resolved || c.submitting || c.remaining == 0 {
		return false
	}
	for _, s := range c.slots {
		if s == "" {
			return false
		}
	}
	return true
}

// Submit sends the entered code to the verifier. If the challenge is
// closed or resent while the request is in flight, the answer is dropped
// and ErrClosed is returned.
func (c *Challenge) Submit(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if !c.canSubmitLocked() {
		c.mu.Unlock()
		return Outcome{}, ErrNotReady
	}
	c.submitting = true
	c.attempted = true
	gen := c.generation
	code := strings.Join(c.slots[:], "")
	st := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(st)

	res, err := c.verifier.VerifyOTP(ctx, c.email, code)

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		c.logger.WithField("email", c.email).Debug("Dropping verification result for stale challenge")
		return Outcome{}, ErrClosed
	}
	c.submitting = false

	var out Outcome
	switch {
	case err != nil:
		out.Reason = "We could not verify the code right now. Please try again."
		err = fmt.Errorf("failed to verify OTP: %w", err)
	case res == nil || !res.Verified:
		out.Reason = "The code is incorrect."
		if res != nil && res.Reason != "" {
			out.Reason = res.Reason
		}
	default:
		out.Verified = true
		out.Tokens = res.Tokens
		c.resolved = true
		c.stopTickerLocked()
	}
	st = c.snapshotLocked()
	c.mu.Unlock()

	c.notify(st)
	if err != nil {
		c.logger.WithError(err).WithField("email", c.email).Warn("OTP verification failed")
	}
	return out, err
}

// Resend replaces the challenge with a fresh one once the countdown has
// run out. If the resend request fails the countdown goes back to zero
// so the user can try again.
func (c *Challenge) Resend(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.resolved:
		c.mu.Unlock()
		return ErrResolved
	case c.remaining > 0:
		c.mu.Unlock()
		return ErrResendUnavailable
	}

	c.slots = [models.OTPLength]string{}
	c.focus = 0
	c.remaining = c.countdown
	c.attempted = false
	c.submitting = false
	c.generation++
	gen := c.generation
	c.startTickerLocked()
	st := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(st)

	if err := c.verifier.ResendOTP(ctx, c.email); err != nil {
		c.mu.Lock()
		if !c.closed && gen == c.generation {
			c.remaining = 0
			c.stopTickerLocked()
		}
		st = c.snapshotLocked()
		c.mu.Unlock()
		c.notify(st)

		c.logger.WithError(err).WithField("email", c.email).Warn("OTP resend failed")
		return fmt.Errorf("failed to resend OTP: %w", err)
	}

	c.logger.WithField("email", c.email).Info("OTP resent")
	return nil
}

// Close dismisses the challenge and stops its ticker. It is safe to call
// more than once.
func (c *Challenge) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.generation++
	c.stopTickerLocked()
}

func (c *Challenge) Snapshot() models.ChallengeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Challenge) snapshotLocked() models.ChallengeState {
	return models.ChallengeState{
		Code:             c.slots,
		Focus:            c.focus,
		RemainingSeconds: c.remaining,
		Attempted:        c.attempted,
		ResendAvailable:  c.remaining == 0 && !c.resolved && !c.closed,
		Submitting:       c.submitting,
	}
}

func (c *Challenge) editableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.resolved:
		return ErrResolved
	}
	return nil
}

func (c *Challenge) notify(st models.ChallengeState) {
	if c.onChange != nil {
		c.onChange(st)
	}
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
