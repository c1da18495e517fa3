package oscctl

import (
	"context"
	"sync"

	"github.com/hypebeast/go-osc/osc"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/antiphon/interaction"
)

// Sender sends OSC packets. *osc.Client is a Sender.
type Sender interface {
	Send(packet osc.Packet) error
}

// Notifier announces interaction events over OSC. Events are queued by Observe and sent by Run, so a slow or
// unreachable listener never holds up the interaction.
type Notifier struct {
	sender Sender
	queue  chan *osc.Message
	log    *logrus.Entry
}

// NewNotifier sends events to the OSC listener at host:port, queueing up to buffer messages.
func NewNotifier(host string, port int, buffer int, log *logrus.Entry) *Notifier {
	return NewNotifierWithSender(osc.NewClient(host, port), buffer, log)
}

func NewNotifierWithSender(sender Sender, buffer int, log *logrus.Entry) *Notifier {
	return &Notifier{sender: sender, queue: make(chan *osc.Message, buffer), log: log}
}

// Observe implements interaction.Observer. Messages are dropped when the queue is full.
func (n *Notifier) Observe(ev interaction.Event) {
	msg := message(ev)
	if msg == nil {
		return
	}

	select {
	case n.queue <- msg:
	default:
		n.log.WithField("address", msg.Address).Debug("OSC queue full, dropping notification")
	}
}

// Run sends queued messages until ctx is done, then sends what is still queued.
func (n *Notifier) Run(ctx context.Context, wg *sync.WaitGroup) error {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			n.flush()
			n.log.Debug("OSC notifier shutdown")
			return nil
		case msg := <-n.queue:
			n.send(msg)
		}
	}
}

func (n *Notifier) flush() {
	for {
		select {
		case msg := <-n.queue:
			n.send(msg)
		default:
			return
		}
	}
}

func (n *Notifier) send(msg *osc.Message) {
	if err := n.sender.Send(msg); err != nil {
		n.log.WithError(err).WithField("address", msg.Address).Debug("Failed to send OSC notification")
	}
}

func message(ev interaction.Event) *osc.Message {
	switch ev.Kind {
	case interaction.PhaseChanged:
		return osc.NewMessage("/antiphon/phase", ev.Phase.String(), int32(ev.Cycle))
	case interaction.LookaheadChanged:
		return osc.NewMessage("/antiphon/lookahead", int32(ev.Lookahead), int32(ev.PreviousLookahead))
	case interaction.TemperatureChanged:
		return osc.NewMessage("/antiphon/temperature", float32(ev.Temperature))
	case interaction.DriftWarning:
		return osc.NewMessage("/antiphon/drift", ev.Message, int32(ev.Lookahead))
	case interaction.CycleCompleted:
		return osc.NewMessage("/antiphon/cycle", int32(ev.Cycle), float32(ev.Slack.Seconds()))
	}
	return nil
}
