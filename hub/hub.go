// Package hub defines the transport contracts an interaction drives: capturing performed input, running the
// metronome, playing generated material back and waiting on performer signals.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/sequence"
)

// ErrWoken is returned by WaitForSignal when the waiter was released by WakeSignalWaiters rather than by the signal.
var ErrWoken = errors.New("signal waiters woken")

// Hub is the transport layer consumed by an interaction.
type Hub interface {
	// StartCapture begins recording performed input from start.
	StartCapture(qpm float64, start time.Time) Captor

	// StartMetronome starts a click track whose first beat falls on start.
	StartMetronome(qpm float64, start time.Time)

	// StopMetronome stops the click track at the given instant. When block is true the call returns only once the
	// metronome has stopped.
	StopMetronome(at time.Time, block bool)

	// StartPlayback schedules the sequence for playback from start. Notes before start are skipped.
	StartPlayback(seq *sequence.Sequence, start time.Time) Player

	// WaitForSignal blocks until the signal is observed, the waiter is woken (ErrWoken) or ctx is done. It returns
	// the instant the signal was delivered.
	WaitForSignal(ctx context.Context, signal control.Signal) (time.Time, error)

	// WakeSignalWaiters releases every goroutine blocked on signal.
	WakeSignalWaiters(signal control.Signal)

	// ControlValue returns the latest value of a control change number.
	ControlValue(number uint8) control.Value
}

// Captor is one active capture session.
type Captor interface {
	// StopAt schedules the end of the capture. It does not block.
	StopAt(t time.Time)

	// Captured blocks until the capture has stopped and returns the material performed in [start, stop).
	Captured(ctx context.Context) (*sequence.Sequence, error)

	// RegisterCallback invokes fn with the material captured so far each time signal is observed during the
	// capture. The returned function removes the callback.
	RegisterCallback(signal control.Signal, fn func(*sequence.Sequence)) (cancel func())
}

// Player is one scheduled playback.
type Player interface {
	// Stop silences the playback and releases any sounding notes.
	Stop()

	// Done is closed once playback has finished or been stopped.
	Done() <-chan struct{}
}
