package sequence

import (
	"bytes"
	"io"
	"math"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
	"golang.org/x/exp/slices"
)

// TicksPerQuarter is the resolution of exported Standard MIDI Files.
const TicksPerQuarter = 960

type smfEvent struct {
	tick uint32
	on   bool
	msg  midi.Message
}

// WriteSMF writes the sequence as a single-track Standard MIDI File. Times are relative to the start of the window
// and each note is written on the MIDI channel matching its instrument, with note-offs ordered before note-ons on the
// same tick.
func (s *Sequence) WriteSMF(w io.Writer, name string) error {
	qpm := s.QPM
	if qpm <= 0 {
		qpm = 120
	}

	events := make([]smfEvent, 0, 2*len(s.Notes))
	for _, n := range s.Notes {
		events = append(events,
			smfEvent{tick: s.ticks(n.Start, qpm), on: true, msg: midi.NoteOn(n.channel(), n.Pitch, n.Velocity)},
			smfEvent{tick: s.ticks(n.End, qpm), on: false, msg: midi.NoteOff(n.channel(), n.Pitch)},
		)
	}
	slices.SortStableFunc(events, func(a, b smfEvent) bool {
		if a.tick != b.tick {
			return a.tick < b.tick
		}
		return !a.on && b.on
	})

	var track smf.Track
	track.Add(0, smf.MetaTrackSequenceName(name))
	track.Add(0, smf.MetaTempo(qpm))

	var last uint32
	for _, ev := range events {
		track.Add(ev.tick-last, ev.msg)
		last = ev.tick
	}
	track.Close(s.ticks(s.End, qpm) - min(last, s.ticks(s.End, qpm)))

	file := smf.New()
	file.TimeFormat = smf.MetricTicks(TicksPerQuarter)
	if err := file.Add(track); err != nil {
		return err
	}
	_, err := file.WriteTo(w)
	return err
}

// EncodeSMF returns the sequence as Standard MIDI File bytes.
func (s *Sequence) EncodeSMF(name string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.WriteSMF(&buf, name); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// channel maps the instrument onto the 16 MIDI channels.
func (n Note) channel() uint8 {
	return uint8(((n.Instrument % 16) + 16) % 16)
}

func (s *Sequence) ticks(t time.Time, qpm float64) uint32 {
	offset := t.Sub(s.Start).Seconds()
	if offset < 0 {
		return 0
	}
	return uint32(math.Round(offset * qpm / 60 * TicksPerQuarter))
}
