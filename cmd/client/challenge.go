package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/otp"
	"github.com/sirupsen/logrus"
)

// runChallenge reads codes from in until one verifies. Typing "r" asks for
// a new code once the countdown has ended and "q" gives up. It returns the
// tokens the provider issued with the verification, if any.
func runChallenge(
	ctx context.Context,
	email string,
	verifier otp.Verifier,
	countdown time.Duration,
	in io.Reader,
	out io.Writer,
	logger *logrus.Logger,
) (*models.TokenPair, error) {
	expired := make(chan struct{}, 1)
	var announced atomic.Bool
	ch := otp.New(email, verifier, logger,
		otp.WithCountdown(countdown),
		otp.OnChange(func(st models.ChallengeState) {
			if !st.ResendAvailable {
				announced.Store(false)
				return
			}
			if announced.CompareAndSwap(false, true) {
				select {
				case expired <- struct{}{}:
				default:
				}
			}
		}),
	)
	ch.Start()
	defer ch.Close()

	done := make(chan struct{})
	defer close(done)
	lines := scanLines(in, done)

	prompt := func() {
		st := ch.Snapshot()
		if st.ResendAvailable {
			fmt.Fprint(out, "Code expired. Type r to resend or q to quit: ")
			return
		}
		fmt.Fprintf(out, "Enter the %d-digit code (%ds left): ", models.OTPLength, st.RemainingSeconds)
	}
	prompt()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			fmt.Fprintln(out)
			prompt()
		case line, ok := <-lines:
			if !ok {
				return nil, errors.New("verification cancelled")
			}
			switch line {
			case "q":
				return nil, errors.New("verification cancelled")
			case "r":
				if err := ch.Resend(ctx); err != nil {
					fmt.Fprintln(out, err)
				} else {
					fmt.Fprintln(out, "A new code was sent.")
				}
				prompt()
				continue
			}

			if err := ch.Paste(line); err != nil {
				fmt.Fprintln(out, err)
				prompt()
				continue
			}
			outcome, err := ch.Submit(ctx)
			switch {
			case errors.Is(err, otp.ErrNotReady):
				fmt.Fprintln(out, "The code has expired.")
			case outcome.Verified:
				return outcome.Tokens, nil
			default:
				fmt.Fprintln(out, outcome.Reason)
			}
			prompt()
		}
	}
}

// scanLines feeds trimmed lines from in until in is exhausted or done is
// closed. A Read already blocked in in is not interrupted.
func scanLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-done:
				return
			}
		}
	}()
	return lines
}
