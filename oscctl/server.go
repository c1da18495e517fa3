// Package oscctl exposes the interaction over OSC: incoming messages act as a virtual MIDI controller and
// interaction events are announced to an OSC listener.
package oscctl

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/hypebeast/go-osc/osc"
	"github.com/sirupsen/logrus"

	"github.com/robmorgan/antiphon/control"
)

const (
	ControlChangeAddress = "/antiphon/cc"
	StopAddress          = "/antiphon/stop"
)

// Controller receives control changes from OSC.
type Controller interface {
	InjectControlChange(number, value uint8)
}

// Server listens for OSC control messages.
type Server struct {
	addr       string
	controller Controller
	onStop     func()
	log        *logrus.Entry
	dispatcher *osc.StandardDispatcher
}

// NewServer creates a Server listening on addr ("host:port"). onStop is called for /antiphon/stop and may be nil.
func NewServer(addr string, controller Controller, onStop func(), log *logrus.Entry) (*Server, error) {
	s := &Server{
		addr:       addr,
		controller: controller,
		onStop:     onStop,
		log:        log.WithField("osc", addr),
		dispatcher: osc.NewStandardDispatcher(),
	}
	if err := s.dispatcher.AddMsgHandler(ControlChangeAddress, s.handleControlChange); err != nil {
		return nil, errors.WithStackTrace(err)
	}
	if err := s.dispatcher.AddMsgHandler(StopAddress, s.handleStop); err != nil {
		return nil, errors.WithStackTrace(err)
	}
	return s, nil
}

// Dispatch handles one packet as if it was received.
func (s *Server) Dispatch(packet osc.Packet) {
	s.dispatcher.Dispatch(packet)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context, wg *sync.WaitGroup) error {
	defer wg.Done()

	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return errors.WithStackTrace(err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.log.Info("Listening for OSC control messages")
	server := &osc.Server{Dispatcher: s.dispatcher}
	if err := server.Serve(conn); err != nil && ctx.Err() == nil {
		return errors.WithStackTrace(err)
	}
	s.log.Info("OSC server shutdown")
	return nil
}

func (s *Server) handleControlChange(msg *osc.Message) {
	if len(msg.Arguments) != 2 {
		s.log.WithField("msg", msg.String()).Warn("Expected a control number and a value")
		return
	}
	number, err := controlArgument(msg.Arguments[0])
	if err != nil {
		s.log.WithError(err).Warn("Invalid control number")
		return
	}
	value, err := controlArgument(msg.Arguments[1])
	if err != nil {
		s.log.WithError(err).Warn("Invalid control value")
		return
	}

	s.log.WithFields(logrus.Fields{"control": number, "value": value}).Debug("OSC control change")
	s.controller.InjectControlChange(number, value)
}

func (s *Server) handleStop(msg *osc.Message) {
	if s.onStop != nil {
		s.log.Info("Stop requested over OSC")
		s.onStop()
	}
}

// controlArgument converts an OSC argument to a 7-bit control number or value.
func controlArgument(arg interface{}) (uint8, error) {
	var v float64
	switch a := arg.(type) {
	case int32:
		v = float64(a)
	case int64:
		v = float64(a)
	case float32:
		v = float64(a)
	case float64:
		v = a
	default:
		return 0, fmt.Errorf("unsupported argument %v (%T)", arg, arg)
	}
	if v < 0 || v > control.MaxValue {
		return 0, fmt.Errorf("argument %v out of range 0-%d", v, control.MaxValue)
	}
	return uint8(v), nil
}
