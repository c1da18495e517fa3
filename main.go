package main

import (
	"context"
	goerrors "errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/archive"
	"github.com/robmorgan/antiphon/config"
	"github.com/robmorgan/antiphon/generator"
	"github.com/robmorgan/antiphon/interaction"
	"github.com/robmorgan/antiphon/logger"
	"github.com/robmorgan/antiphon/midihub"
	"github.com/robmorgan/antiphon/monitor"
	"github.com/robmorgan/antiphon/oscctl"
)

const (
	monitorBuffer = 64
	archiveBuffer = 8
	notifyBuffer  = 64
)

func main() {
	if err := Run(context.Background(), os.Args[1:]); err != nil {
		logger.GetProjectLogger().WithError(err).Error("antiphon exited with an error")
		os.Exit(1)
	}
}

// Run starts a call and response session and blocks until it ends or is interrupted.
func Run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// initialize the logger
	log := logger.GetProjectLogger()

	wg := sync.WaitGroup{}

	// initialize the global config
	cfg, err := config.Load(args)
	if err != nil {
		if goerrors.Is(errors.Unwrap(err), flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.SentryDSN != "" {
		flush, err := logger.AddSentryHook(cfg.SentryDSN, cfg.Environment)
		if err != nil {
			log.WithError(err).Warn("Could not initialize Sentry")
		} else {
			defer flush()
		}
	}

	if cfg.ListPorts {
		listPorts()
		return nil
	}

	log.Info("Opening MIDI ports...")
	midiHub, err := midihub.Open(midihub.Options{
		InPort:             cfg.InPort,
		OutPort:            cfg.OutPort,
		Passthrough:        cfg.Passthrough,
		IgnoreClickChannel: cfg.IgnoreClickChannel,
		Channel:            cfg.Channel,
	})
	if err != nil {
		return err
	}
	defer midiHub.Close()

	gen, err := generator.New(cfg.Generator, generator.Options{Seed: cfg.Seed, Latency: cfg.Latency})
	if err != nil {
		return err
	}

	var opts []interaction.Option
	if cfg.OSCNotify != "" {
		host, port, err := splitHostPort(cfg.OSCNotify)
		if err != nil {
			return err
		}
		notifier := oscctl.NewNotifier(host, port, notifyBuffer, log)
		opts = append(opts, interaction.WithObserver(notifier))
		wg.Add(1)
		go func() {
			if err := notifier.Run(ctx, &wg); err != nil {
				log.WithError(err).Error("OSC notifier failed")
			}
		}()
	}

	var events interaction.ChannelObserver
	if cfg.Monitor {
		events = make(interaction.ChannelObserver, monitorBuffer)
		opts = append(opts, interaction.WithObserver(events))
	} else {
		opts = append(opts, interaction.WithObserver(interaction.ObserverFunc(logEvent(log))))
	}

	if cfg.ArchiveEnabled() {
		store, err := newStore(cfg)
		if err != nil {
			return err
		}
		archiver := archive.NewArchiver(store, archive.NewSessionID(), archiveBuffer, log)
		log.WithField("session", archiver.Session()).Info("Archiving cycles")
		opts = append(opts, interaction.WithRecorder(archiver))
		wg.Add(1)
		go func() {
			if err := archiver.Run(ctx, &wg); err != nil {
				log.WithError(err).Error("Archiver failed")
			}
		}()
	}

	session, err := interaction.New(midiHub, gen, cfg.Interaction, opts...)
	if err != nil {
		return err
	}
	stop := func() {
		if err := session.Stop(); err != nil {
			log.WithError(err).Warn("Could not stop the interaction")
		}
	}

	if cfg.OSCListen != "" {
		server, err := oscctl.NewServer(cfg.OSCListen, midiHub, stop, log)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			if err := server.Run(ctx, &wg); err != nil {
				log.WithError(err).Error("OSC server failed")
			}
		}()
	}

	if !cfg.Monitor {
		printInstructions(cfg.Interaction)
	}
	if err := session.Start(ctx); err != nil {
		return err
	}

	if cfg.Monitor {
		model := monitor.New(events, session.Done(), clock.RealClock{}, session.Config(), stop)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tea.NewProgram(model).Run(); err != nil {
				log.WithError(err).Error("Monitor failed")
				stop()
			}
		}()
	}

	// handle CTRL+C interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	defer signal.Stop(quit)

	select {
	case <-quit:
		log.Info("Interaction interrupted")
		stop()
	case <-session.Done():
	}

	err = session.Wait()
	log.Println("shutting down antiphon")
	cancel()
	wg.Wait()
	return err
}

func listPorts() {
	ins, outs := midihub.Ports()
	fmt.Println("Input ports:")
	for _, name := range ins {
		fmt.Printf("  %s\n", name)
	}
	fmt.Println("Output ports:")
	for _, name := range outs {
		fmt.Printf("  %s\n", name)
	}
}

func printInstructions(cfg interaction.Config) {
	fmt.Println()
	fmt.Println("Instructions:")
	if cfg.StartCallSignal != nil {
		fmt.Printf("Signal %s to start each call phase.\n", cfg.StartCallSignal)
	}
	fmt.Println("Play when you hear the metronome ticking.")
	if cfg.PhraseBars > 0 {
		fmt.Printf("After %d bars, antiphon will play its response.\n", cfg.PhraseBars)
		fmt.Println("Once the response completes, the metronome will tick and you can play again.")
	} else {
		fmt.Printf("When you want to end the call phase, signal %s.\n", cfg.EndCallSignal)
		fmt.Println("At the end of the current bar, antiphon will play its response.")
		fmt.Println("Once the response completes, the metronome will tick and you can play again.")
	}
	if cfg.TemperatureControl != nil {
		fmt.Printf("Turn control %d to change the temperature of the responses.\n", *cfg.TemperatureControl)
	}
	fmt.Println()
	fmt.Println("To end the interaction, press CTRL-C.")
}

func logEvent(log *logrus.Entry) func(interaction.Event) {
	return func(ev interaction.Event) {
		entry := log.WithFields(logrus.Fields{"cycle": ev.Cycle, "event": ev.Kind.String()})
		switch ev.Kind {
		case interaction.DriftWarning:
			entry.WithField("lookahead", ev.Lookahead).Warn(ev.Message)
		case interaction.LookaheadChanged:
			entry.WithFields(logrus.Fields{"from": ev.PreviousLookahead, "to": ev.Lookahead}).Debug("Lookahead changed")
		case interaction.TemperatureChanged:
			entry.WithField("temperature", ev.Temperature).Info("Temperature changed")
		case interaction.CycleCompleted:
			entry.WithField("slack", ev.Slack).Info("Cycle completed")
		}
	}
}

func newStore(cfg *config.AntiphonConfig) (archive.Store, error) {
	if cfg.S3.Endpoint != "" {
		store, err := archive.NewS3Store(cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return archive.DirStore{Root: cfg.ArchiveDir}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.WithStackTrace(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.WithStackTrace(fmt.Errorf("invalid port in %q: %w", addr, err))
	}
	return host, port, nil
}
