// clicktest plays the metronome on an output port for a few bars so the click sound and latency can be checked.
package main

import (
	"flag"
	"os"
	"time"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/robmorgan/antiphon/logger"
	"github.com/robmorgan/antiphon/midihub"
	"github.com/robmorgan/antiphon/rhythm"
)

func main() {
	in := flag.String("input-port", "", "input port")
	out := flag.String("output-port", "", "output port to click on")
	qpm := flag.Float64("qpm", 120, "tempo of the click")
	bars := flag.Int("bars", 4, "bars to click for")
	flag.Parse()

	log := logger.GetProjectLogger()

	h, err := midihub.Open(midihub.Options{InPort: *in, OutPort: *out})
	if err != nil {
		log.WithError(err).Error("Could not open MIDI ports")
		os.Exit(1)
	}
	defer h.Close()

	// start on the next quarter so the first click is a full beat
	tb := rhythm.NewTimebase(*qpm, 1)
	start := tb.StepTime(tb.StepCeil(time.Now()) + 1)
	end := start.Add(tb.StepsToDuration(float64(*bars * midihub.DefaultClick().BeatsPerBar)))

	log.WithField("start", start.Format(time.StampMilli)).Infof("Clicking %d bars at %v qpm", *bars, *qpm)
	h.StartMetronome(*qpm, start)
	h.StopMetronome(end, true)
}
