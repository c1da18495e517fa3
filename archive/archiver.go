package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/antiphon/interaction"
	"github.com/robmorgan/antiphon/sequence"
)

// ResponseInstrument is the instrument, and so the MIDI channel, responses are written on in the combined cycle file.
// Calls keep the channels they were played on.
const ResponseInstrument = 15

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// Archiver writes completed cycles to a Store on a background worker.
type Archiver struct {
	store   Store
	session string
	queue   chan interaction.Cycle
	log     *logrus.Entry
}

// NewArchiver creates an Archiver queueing up to buffer cycles.
func NewArchiver(store Store, session string, buffer int, log *logrus.Entry) *Archiver {
	return &Archiver{
		store:   store,
		session: session,
		queue:   make(chan interaction.Cycle, buffer),
		log:     log.WithField("session", session),
	}
}

// Session returns the session the archive is written under.
func (a *Archiver) Session() string {
	return a.session
}

// RecordCycle implements interaction.CycleRecorder. Cycles are dropped when the queue is full.
func (a *Archiver) RecordCycle(c interaction.Cycle) {
	select {
	case a.queue <- c:
	default:
		a.log.WithField("cycle", c.Number).Warn("Archive queue full, dropping cycle")
	}
}

// Run writes queued cycles until ctx is done, then flushes what is still queued.
func (a *Archiver) Run(ctx context.Context, wg *sync.WaitGroup) error {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			a.log.Info("Archiver shutdown")
			return nil
		case c := <-a.queue:
			a.write(ctx, c)
		}
	}
}

func (a *Archiver) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case c := <-a.queue:
			a.write(ctx, c)
		default:
			return
		}
	}
}

func (a *Archiver) write(ctx context.Context, c interaction.Cycle) {
	files := []struct {
		name string
		seq  *sequence.Sequence
	}{
		{fmt.Sprintf("cycle-%03d-call.mid", c.Number), c.Call},
		{fmt.Sprintf("cycle-%03d-response.mid", c.Number), c.Response},
		{fmt.Sprintf("cycle-%03d.mid", c.Number), exchange(c)},
	}
	for _, f := range files {
		if f.seq == nil {
			continue
		}
		name := f.name
		log := a.log.WithFields(logrus.Fields{"cycle": c.Number, "file": name})

		content, err := f.seq.EncodeSMF(name)
		if err != nil {
			log.WithError(err).Error("Failed to encode cycle")
			continue
		}
		if err := a.store.Put(ctx, a.session, name, content); err != nil {
			log.WithError(err).Error("Failed to archive cycle")
			continue
		}
		log.WithField("notes", f.seq.Len()).Debug("Archived")
	}
}

// exchange returns the call followed by the response in one sequence, with the response on ResponseInstrument.
func exchange(c interaction.Cycle) *sequence.Sequence {
	if c.Call == nil || c.Response == nil {
		return nil
	}
	response := c.Response.Clone()
	for i := range response.Notes {
		response.Notes[i].Instrument = ResponseInstrument
	}
	return c.Call.Merge(response)
}
