// mididump prints every message arriving on a MIDI input port along with its position on the step grid.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/robmorgan/antiphon/rhythm"
)

func main() {
	port := flag.String("port", "", "input port to dump, the first one when empty")
	qpm := flag.Float64("qpm", 120, "tempo of the step grid")
	stepsPerQuarter := flag.Int("steps-per-quarter", 4, "step resolution")
	stepsPerBar := flag.Int("steps-per-bar", 16, "steps in a bar")
	flag.Parse()
	defer midi.CloseDriver()

	in, err := midi.FindInPort(*port)
	if *port == "" {
		ins := midi.GetInPorts()
		if len(ins) == 0 {
			fmt.Fprintln(os.Stderr, "no MIDI input ports available")
			os.Exit(1)
		}
		in, err = ins[0], nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "input port %q: %v\n", *port, err)
		os.Exit(1)
	}

	tb := rhythm.NewTimebase(*qpm, *stepsPerQuarter)
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		snapshot := tb.TakeSnapshot(time.Now(), *stepsPerBar)
		fmt.Printf("%-10s %8dms  %s\n", snapshot.GetMarker(), timestampms, msg.String())
	}, midi.HandleError(func(err error) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen on %q: %v\n", in.String(), err)
		os.Exit(1)
	}
	defer stop()

	fmt.Printf("dumping %s, press CTRL-C to stop\n", in.String())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
}
