// Package ai defines the generative-backend boundary: a connectable
// session that streams incremental text and signals turn completion.
package ai

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTimeout is returned when a turn exceeds its bounded wait with no
// text accumulated. Recoverable; callers may retry.
var ErrTimeout = errors.New("ai: turn timed out")

// Event is one increment of a backend turn. Exactly one of the terminal
// conditions holds per turn: TurnComplete or Err.
type Event struct {
	Text         string
	TurnComplete bool
	Err          error
}

// SessionConfig configures a logical backend session.
type SessionConfig struct {
	Model string
	// SystemInstruction is the augmented instruction text. It must be the
	// freshly built text, never a raw template.
	SystemInstruction string
}

// Session is one logical conversation with the backend. Send starts a
// turn; the returned channel delivers incremental events and is closed
// after the terminal event. directive marks system-level steering text
// (greetings, insight prompts) as opposed to user speech.
type Session interface {
	Send(ctx context.Context, text string, directive bool) (<-chan Event, error)
	Close() error
}

// Backend opens sessions. Safe to reconnect: a new Connect yields a
// fresh session with the supplied configuration.
type Backend interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// emit delivers ev to events unless ctx is done first. It reports whether
// the event was sent; false means the consumer stopped reading and the
// producer should abandon the turn.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// CollectTurn accumulates a turn's incremental text under a bounded
// wait. It returns the accumulated text, whether the turn completed, and
// an error. On timeout any partial text is returned as the result;
// with nothing accumulated the error is ErrTimeout.
func CollectTurn(events <-chan Event, wait time.Duration) (string, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var b strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if b.Len() > 0 {
					return b.String(), false, nil
				}
				return "", false, errors.New("ai: stream closed before turn completion")
			}
			if ev.Err != nil {
				if b.Len() > 0 {
					return b.String(), false, nil
				}
				return "", false, ev.Err
			}
			if ev.Text != "" {
				b.WriteString(ev.Text)
			}
			if ev.TurnComplete {
				return b.String(), true, nil
			}
		case <-timer.C:
			if b.Len() > 0 {
				return b.String(), false, nil
			}
			return "", false, ErrTimeout
		}
	}
}
