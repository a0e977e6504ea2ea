package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aethergate/aethergate/internal/upstream"
)

// State is the meter's position in its lifecycle. Caller bytes flow only
// in StateStreaming.
type State string

const (
	StatePending    State = "pending"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Result is the finalized accumulation handed to settlement. Every
// terminal state produces one: partial consumption is real consumption.
type Result struct {
	State       State
	InputUnits  int64
	OutputUnits int64
	Err         error // terminal error when State is StateFailed
}

// ErrIdleTimeout marks a backend that stopped producing chunks.
var ErrIdleTimeout = errors.New("upstream idle timeout")

// Meter relays one backend stream to the caller while counting consumed
// units. Input units are measured from the request payload before the
// backend is contacted; output units accumulate per delta. When the
// backend reports usage on its final chunk, the reported counts win over
// the locally tokenized ones.
type Meter struct {
	tokenizer   Tokenizer
	idleTimeout time.Duration

	state       State
	inputUnits  int64
	outputUnits int64
	reported    *upstream.Usage
}

func NewMeter(tokenizer Tokenizer, idleTimeout time.Duration) *Meter {
	return &Meter{
		tokenizer:   tokenizer,
		idleTimeout: idleTimeout,
		state:       StatePending,
	}
}

// MeasureInput tokenizes the request payload. Called before Connecting;
// the count stands even if the stream later fails.
func (m *Meter) MeasureInput(messages []upstream.Message) int64 {
	m.inputUnits = CountMessages(m.tokenizer, messages)
	return m.inputUnits
}

// Connecting marks the backend call in flight.
func (m *Meter) Connecting() {
	m.state = StateConnecting
}

// State reports the meter's current state.
func (m *Meter) State() State {
	return m.state
}

// Run consumes the backend stream, invoking emit for every delta that
// must reach the caller. It always returns through the single finalize
// step, whatever way the stream ends:
//   - backend completes → StateCompleted with the full accumulation
//   - backend error or idle timeout → StateFailed with partial counters
//   - caller disconnect (ctx done or emit failure) → StateCancelled with
//     partial counters
func (m *Meter) Run(ctx context.Context, ch <-chan *upstream.Chunk, emit func(delta string) error) Result {
	m.state = StateStreaming

	timer := time.NewTimer(m.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.finalize(StateCancelled, ctx.Err())

		case <-timer.C:
			return m.finalize(StateFailed, fmt.Errorf("%w after %s", ErrIdleTimeout, m.idleTimeout))

		case chunk, ok := <-ch:
			if !ok {
				return m.finalize(StateCompleted, nil)
			}
			if chunk.Err != nil {
				return m.finalize(StateFailed, chunk.Err)
			}
			if chunk.Done {
				m.reported = chunk.Usage
				return m.finalize(StateCompleted, nil)
			}

			m.outputUnits += m.tokenizer.Count(chunk.Delta)
			if err := emit(chunk.Delta); err != nil {
				return m.finalize(StateCancelled, err)
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(m.idleTimeout)
		}
	}
}

// finalize is the one place counters become a billing result. Reported
// usage replaces tokenized counts only on clean completion; a partial
// stream bills exactly what was delivered.
func (m *Meter) finalize(state State, err error) Result {
	m.state = state

	result := Result{
		State:       state,
		InputUnits:  m.inputUnits,
		OutputUnits: m.outputUnits,
	}
	if state == StateFailed {
		result.Err = err
	}
	if state == StateCompleted && m.reported != nil {
		result.InputUnits = m.reported.PromptTokens
		result.OutputUnits = m.reported.CompletionTokens
	}
	return result
}
