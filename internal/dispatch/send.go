package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"

	"github.com/omx-dev/omx/internal/errs"
	"github.com/omx-dev/omx/internal/tracing"
)

// MaxUnconfirmedAttempts is the number of send rounds attempted before
// giving up and reporting unconfirmed_after_max_retries.
const MaxUnconfirmedAttempts = 3

// capturesPerRound and narrowWidth size the verification loop: 3 rounds of
// 2 captures each of the pane's narrow input-area tail.
const (
	capturesPerRound = 2
	narrowWidth      = 200
)

// Tmux is the subset of internal/tmux.Tmux the sender drives. Accepting an
// interface lets send_test.go substitute a fake pane.
type Tmux interface {
	SendKeysLiteral(pane, text string) error
	SendSubmit(pane string) error
	CaptureNarrow(pane string, width int) (string, error)
	PaneInMode(pane string) (bool, error)
}

// Sender performs one guarded, verified injection attempt against a pane.
type Sender struct {
	Tmux    Tmux
	Sleep   func(time.Duration) // overridable in tests
	Tracer  *tracing.Provider   // nil disables tracing
	breaker *gobreaker.CircuitBreaker
}

func NewSender(t Tmux) *Sender {
	return &Sender{
		Tmux:  t,
		Sleep: time.Sleep,
		// Repeated transport failures (the pane vanished, tmux itself is
		// wedged) open the breaker so a storm of pending requests doesn't
		// each individually burn through MaxUnconfirmedAttempts against a
		// target that's already known to be unreachable. This is separate
		// from, and composes with, the guard chain's own cooldown logic.
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dispatch-notify",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (s *Sender) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// SendResult is the outcome of one Send call.
type SendResult struct {
	Confirmed bool
	Attempts  int
	Reason    string
}

// notify runs fn through the circuit breaker: once ReadyToTrip fires the
// breaker short-circuits further attempts with gobreaker.ErrOpenState
// instead of hammering a target already known to be unreachable.
func (s *Sender) notify(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (s *Sender) typeAndSubmit(pane, message string) error {
	return s.notify(func() error {
		if err := s.Tmux.SendKeysLiteral(pane, message); err != nil {
			return err
		}
		if err := s.Tmux.SendSubmit(pane); err != nil {
			return err
		}
		return s.Tmux.SendSubmit(pane)
	})
}

func (s *Sender) submitOnly(pane string) error {
	return s.notify(func() error {
		if err := s.Tmux.SendSubmit(pane); err != nil {
			return err
		}
		return s.Tmux.SendSubmit(pane)
	})
}

// narrowShows reports whether trigger still appears in pane's narrow
// input-area tail.
func (s *Sender) narrowShows(pane, trigger string) (bool, error) {
	captured, err := s.Tmux.CaptureNarrow(pane, narrowWidth)
	if err != nil {
		return false, err
	}
	return strings.Contains(captured, trigger), nil
}

// Send types message into pane as a single literal send-keys call followed
// by two submit (Enter) calls — tmux's bracketed-paste handling can
// swallow a single Enter right after a large literal paste, so a second
// Enter is sent unconditionally. The two calls must stay separate:
// combining literal text and C-m in one send-keys invocation would have
// newlines inside text interpreted as extra submissions.
//
// After each send it captures the pane's narrow input-area tail up to
// capturesPerRound times per round, across MaxUnconfirmedAttempts rounds.
// If the trigger text shows up in that tail, the send is confirmed. A
// round that fails re-checks the tail once before retrying: if the text
// is still sitting there the retry is submit-only (the literal type
// landed, only the submit failed); otherwise it retypes and resubmits.
func (s *Sender) Send(ctx context.Context, pane, message string, cfg Config) (SendResult, error) {
	if s.Tracer != nil {
		var span trace.Span
		ctx, span = s.Tracer.StartSpan(ctx, "dispatch.send")
		defer span.End()
	}

	if cfg.DryRun {
		return SendResult{Confirmed: true, Attempts: 0, Reason: "dry_run"}, nil
	}

	if cfg.SkipIfScrolling {
		inMode, err := s.Tmux.PaneInMode(pane)
		if err != nil {
			return SendResult{}, err
		}
		if inMode {
			return SendResult{}, errs.New(errs.KindScrollActive, "pane %s is in copy/scroll mode", pane)
		}
	}

	if err := s.typeAndSubmit(pane, message); err != nil {
		return SendResult{Attempts: 1}, err
	}

	for attempt := 1; attempt <= MaxUnconfirmedAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return SendResult{Attempts: attempt}, ctx.Err()
		default:
		}

		confirmed, err := s.verifyRound(pane, message)
		if err != nil {
			return SendResult{Attempts: attempt}, err
		}
		if confirmed {
			return SendResult{Confirmed: true, Attempts: attempt}, nil
		}

		if attempt == MaxUnconfirmedAttempts {
			break
		}

		stillPresent, err := s.narrowShows(pane, message)
		if err != nil {
			return SendResult{Attempts: attempt}, err
		}
		if stillPresent {
			if err := s.submitOnly(pane); err != nil {
				return SendResult{Attempts: attempt}, err
			}
		} else {
			if err := s.typeAndSubmit(pane, message); err != nil {
				return SendResult{Attempts: attempt}, err
			}
		}
	}

	lastCapture, _ := s.Tmux.CaptureNarrow(pane, narrowWidth)
	return SendResult{Attempts: MaxUnconfirmedAttempts, Reason: diffAgainstExpected(message, lastCapture)},
		errs.New(errs.KindUnconfirmedAfterMaxRetries, "pane %s did not confirm the injected message after %d attempts", pane, MaxUnconfirmedAttempts)
}

// diffAgainstExpected renders a readable diff between the trigger text we
// expected to see and what the pane's narrow area actually held, for the
// structured log entry unconfirmed_after_max_retries writes.
func diffAgainstExpected(expected, actual string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(expected, actual, false)
	return dmp.DiffPrettyText(diffs)
}

// verifyRound captures the narrow input area capturesPerRound times,
// confirming as soon as any capture shows the trigger text.
func (s *Sender) verifyRound(pane, message string) (bool, error) {
	for i := 0; i < capturesPerRound; i++ {
		shown, err := s.narrowShows(pane, message)
		if err != nil {
			return false, err
		}
		if shown {
			return true, nil
		}
		s.sleep(50 * time.Millisecond)
	}
	return false, nil
}
