// Package config builds the program configuration from .env files, ANTIPHON_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	goerrors "errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/joho/godotenv"

	"github.com/robmorgan/antiphon/archive"
	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/interaction"
)

const (
	envPrefix = "ANTIPHON_"
	noControl = -1
)

// AntiphonConfig represents options that configure the global behavior of the program.
type AntiphonConfig struct {
	Interaction interaction.Config

	// ListPorts only prints the available MIDI ports.
	ListPorts bool

	InPort      string
	OutPort     string
	Passthrough bool

	// IgnoreClickChannel keeps metronome clicks that loop back into the input out of the captured call.
	IgnoreClickChannel bool

	// Channel is the 0-based MIDI channel responses are played on.
	Channel uint8

	Generator string
	Seed      int64
	Latency   time.Duration

	// OSCListen is the address the OSC control server listens on. Empty disables it.
	OSCListen string

	// OSCNotify is the "host:port" interaction events are sent to. Empty disables it.
	OSCNotify string

	// ArchiveDir stores each cycle as MIDI files below a local directory. Ignored when S3 is configured.
	ArchiveDir string
	S3         archive.S3Config

	Monitor bool

	SentryDSN   string
	Environment string
	LogLevel    string
}

// ArchiveEnabled reports whether cycles should be archived.
func (c *AntiphonConfig) ArchiveEnabled() bool {
	return c.ArchiveDir != "" || c.S3.Endpoint != ""
}

// NewAntiphonConfig creates a config with reasonable defaults for real usage.
func NewAntiphonConfig() *AntiphonConfig {
	cfg := interaction.DefaultConfig()
	cfg.QPM = 90
	cfg.PhraseBars = 0

	return &AntiphonConfig{
		Interaction: cfg,
		Generator:   "markov",
		Environment: "development",
		LogLevel:    "info",
	}
}

// Load reads the .env file in the working directory, if any, then the environment, then args (without the program
// name).
func Load(args []string) (*AntiphonConfig, error) {
	if err := godotenv.Load(); err != nil && !goerrors.Is(err, fs.ErrNotExist) {
		return nil, errors.WithStackTrace(fmt.Errorf("load .env: %w", err))
	}
	return Parse(args, os.Getenv, io.Discard)
}

// Parse builds the config from args, taking defaults from getenv. Usage errors are written to output.
func Parse(args []string, getenv func(string) string, output io.Writer) (*AntiphonConfig, error) {
	c := NewAntiphonConfig()
	env := environment{getenv: getenv}

	set := flag.NewFlagSet("antiphon", flag.ContinueOnError)
	set.SetOutput(output)

	set.BoolVar(&c.ListPorts, "list", false, "only list the available MIDI ports")
	set.StringVar(&c.InPort, "input-port", env.string("INPUT_PORT", ""), "name of the input MIDI port")
	set.StringVar(&c.OutPort, "output-port", env.string("OUTPUT_PORT", ""), "name of the output MIDI port")
	set.BoolVar(&c.Passthrough, "passthrough", env.bool("PASSTHROUGH", true), "echo input to the output port")
	set.BoolVar(&c.IgnoreClickChannel, "ignore-click-channel", env.bool("IGNORE_CLICK_CHANNEL", false),
		"leave notes on the metronome channel out of captured calls")
	channel := set.Int("channel", env.int("CHANNEL", 1), "MIDI channel responses are played on (1-16)")

	set.Float64Var(&c.Interaction.QPM, "qpm", env.float("QPM", c.Interaction.QPM), "quarters per minute of the metronome and responses")
	set.IntVar(&c.Interaction.StepsPerQuarter, "steps-per-quarter", env.int("STEPS_PER_QUARTER", c.Interaction.StepsPerQuarter), "step resolution")
	set.IntVar(&c.Interaction.StepsPerBar, "steps-per-bar", env.int("STEPS_PER_BAR", c.Interaction.StepsPerBar), "steps in a bar")
	set.IntVar(&c.Interaction.PhraseBars, "phase-bars", env.int("PHASE_BARS", 0), "bars in each call and response")
	endCall := set.Int("phase-control-number", env.int("PHASE_CONTROL_NUMBER", noControl), "control number that ends the call phase")
	startCall := set.Int("start-control-number", env.int("START_CONTROL_NUMBER", noControl), "control number that starts each call phase")
	signalValue := set.Int("signal-value", env.int("SIGNAL_VALUE", 0), "control value that fires the start and end signals, or -1 for any")
	temperature := set.Int("temperature-control-number", env.int("TEMPERATURE_CONTROL_NUMBER", noControl), "control number that sets the temperature")
	set.Float64Var(&c.Interaction.Temperatures.Min, "min-temperature", env.float("MIN_TEMPERATURE", c.Interaction.Temperatures.Min), "temperature at control value 0")
	set.Float64Var(&c.Interaction.Temperatures.Mid, "mid-temperature", env.float("MID_TEMPERATURE", c.Interaction.Temperatures.Mid), "temperature at control values 63 and 64")
	set.Float64Var(&c.Interaction.Temperatures.Max, "max-temperature", env.float("MAX_TEMPERATURE", c.Interaction.Temperatures.Max), "temperature at control value 127")
	set.IntVar(&c.Interaction.InitialLookahead, "lookahead", env.int("LOOKAHEAD", c.Interaction.InitialLookahead), "initial steps before the end of a call to start generating")
	set.IntVar(&c.Interaction.MinLookahead, "min-lookahead", env.int("MIN_LOOKAHEAD", c.Interaction.MinLookahead), "minimum lookahead in steps")

	set.StringVar(&c.Generator, "generator", env.string("GENERATOR", c.Generator), "response generator (echo, markov)")
	set.Int64Var(&c.Seed, "seed", env.int64("SEED", 0), "random seed of the generator, 0 for a random one")
	set.DurationVar(&c.Latency, "latency", env.duration("LATENCY", 0), "artificial delay added to every response")

	set.StringVar(&c.OSCListen, "osc-listen", env.string("OSC_LISTEN", ""), "address to accept OSC control messages on")
	set.StringVar(&c.OSCNotify, "osc-notify", env.string("OSC_NOTIFY", ""), "host:port to send OSC interaction events to")

	set.StringVar(&c.ArchiveDir, "archive-dir", env.string("ARCHIVE_DIR", ""), "directory to archive each cycle to")
	set.StringVar(&c.S3.Endpoint, "s3-endpoint", env.string("S3_ENDPOINT", ""), "S3-compatible endpoint to archive each cycle to")
	set.StringVar(&c.S3.Bucket, "s3-bucket", env.string("S3_BUCKET", "antiphon"), "archive bucket")
	set.StringVar(&c.S3.Region, "s3-region", env.string("S3_REGION", ""), "archive bucket region")
	set.BoolVar(&c.S3.UseSSL, "s3-ssl", env.bool("S3_USE_SSL", true), "use TLS for the archive endpoint")
	c.S3.AccessKey = env.string("S3_ACCESS_KEY", "")
	c.S3.SecretKey = env.string("S3_SECRET_KEY", "")

	set.BoolVar(&c.Monitor, "monitor", env.bool("MONITOR", false), "show the terminal monitor")
	set.StringVar(&c.LogLevel, "log-level", env.string("LOG_LEVEL", c.LogLevel), "log level")
	c.SentryDSN = env.string("SENTRY_DSN", "")
	c.Environment = env.string("ENVIRONMENT", c.Environment)

	if err := set.Parse(args); err != nil {
		return nil, errors.WithStackTrace(err)
	}
	if env.err != nil {
		return nil, errors.WithStackTrace(env.err)
	}

	if *channel < 1 || *channel > 16 {
		return nil, errors.WithStackTrace(fmt.Errorf("channel %d out of range 1-16", *channel))
	}
	c.Channel = uint8(*channel - 1)

	if *signalValue < control.AnyValue || *signalValue > control.MaxValue {
		return nil, errors.WithStackTrace(fmt.Errorf("signal value %d out of range", *signalValue))
	}
	var err error
	if c.Interaction.EndCallSignal, err = controlSignal("phase control number", *endCall, *signalValue); err != nil {
		return nil, err
	}
	if c.Interaction.StartCallSignal, err = controlSignal("start control number", *startCall, *signalValue); err != nil {
		return nil, err
	}
	if *temperature != noControl {
		if *temperature < 0 || *temperature > control.MaxValue {
			return nil, errors.WithStackTrace(fmt.Errorf("temperature control number %d out of range", *temperature))
		}
		number := uint8(*temperature)
		c.Interaction.TemperatureControl = &number
	}

	if !c.ListPorts {
		if err := c.Interaction.Validate(); err != nil {
			return nil, errors.WithStackTrace(err)
		}
	}
	return c, nil
}

func controlSignal(name string, number, value int) (*control.Signal, error) {
	if number == noControl {
		return nil, nil
	}
	if number < 0 || number > control.MaxValue {
		return nil, errors.WithStackTrace(fmt.Errorf("%s %d out of range", name, number))
	}
	signal := control.ControlSignal(uint8(number), value)
	return &signal, nil
}

// environment reads prefixed variables, keeping the first parse error.
type environment struct {
	getenv func(string) string
	err    error
}

func (e *environment) lookup(key string) (string, bool) {
	v := e.getenv(envPrefix + key)
	return v, v != ""
}

func (e *environment) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
}

func (e *environment) string(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *environment) bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *environment) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *environment) int64(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *environment) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return f
}

func (e *environment) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}
