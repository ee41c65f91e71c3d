package device

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ardnew/vcom/device/hal"
	"github.com/ardnew/vcom/pkg"
)

// BufferMemorySize is the size of the controller buffer memory the
// default layout is planned against.
const BufferMemorySize = 512

// ClassDriver is the function driver plugged into the stack.
// Every method runs in the event context and must not block.
type ClassDriver interface {
	// Prepare runs once during Init, after every endpoint is configured
	// and before the controller starts.
	Prepare()

	// HandleClassRequest processes a class or vendor SETUP and arms the
	// matching stages on ctl. A returned error stalls the control endpoints.
	HandleClassRequest(ctl *Control, setup *SetupPacket) error

	// HandleEndpoint is called for a bulk completion (EventBulkIn or
	// EventBulkOut).
	HandleEndpoint(ev Event)

	// HandleLink is called after the stack has handled a cable or bus
	// condition (EventCable or EventBus).
	HandleLink(ev Event)
}

// Event aliases the controller event set for class drivers.
type Event = hal.Event

// Stats counts handled conditions. Counters only grow.
type Stats struct {
	Attach     uint64
	Detach     uint64
	BusReset   uint64
	Suspend    uint64
	Resume     uint64
	Setup      uint64
	ControlIn  uint64
	ControlOut uint64
	BulkIn     uint64
	BulkOut    uint64
	Stalls     uint64
	Overruns   uint64
}

type stats struct {
	events   [16]atomic.Uint64
	stalls   atomic.Uint64
	overruns atomic.Uint64
}

// Stack dispatches controller events to the bus state machine, the
// control transfer engine and the class driver.
type Stack struct {
	ctrl    hal.Controller
	layout  EndpointLayout
	desc    *Descriptors
	class   ClassDriver
	device  *Device
	control *Control
	handler *StandardRequestHandler

	running atomic.Bool
	stats   stats

	setupBuf [SetupPacketSize]byte
	setup    SetupPacket
}

// NewStack creates a stack serving desc over ctrl with the given buffer layout.
func NewStack(ctrl hal.Controller, layout EndpointLayout, desc *Descriptors, class ClassDriver) *Stack {
	s := &Stack{
		ctrl:   ctrl,
		layout: layout,
		desc:   desc,
		class:  class,
		device: NewDevice(),
	}
	s.control = newControl(ctrl, &s.layout)
	s.control.onAddress = s.device.SetAddress
	s.handler = NewStandardRequestHandler(s.device, desc, &s.layout, ctrl)
	return s
}

// Init validates the layout and descriptors, programs the SETUP buffer
// and every endpoint, then starts the controller.
func (s *Stack) Init() error {
	if s.running.Load() {
		return pkg.ErrAlreadyRunning
	}
	if err := s.layout.Validate(BufferMemorySize); err != nil {
		return fmt.Errorf("endpoint layout: %w", err)
	}
	if err := s.desc.Validate(); err != nil {
		return fmt.Errorf("descriptors: %w", err)
	}

	s.ctrl.SetSetupBuffer(s.layout.Setup.Base)
	for i := range s.layout.Endpoints {
		if err := s.ctrl.ConfigureEndpoint(s.layout.Endpoints[i]); err != nil {
			return fmt.Errorf("configure %v: %w", s.layout.Endpoints[i].Index, err)
		}
	}
	s.class.Prepare()
	if err := s.ctrl.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	if !s.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	s.device.Attach()

	pkg.LogInfo(pkg.ComponentStack, "stack initialized",
		"memory", s.layout.Size())
	return nil
}

// Running reports whether Init succeeded.
func (s *Stack) Running() bool {
	return s.running.Load()
}

// Service handles the highest-priority pending condition and returns it,
// or EventNone if nothing is pending. The condition is acknowledged before
// it is handled so that a completion raised while handling stays pending.
// Other pending conditions are left for the next call.
func (s *Stack) Service() hal.Event {
	ev := s.ctrl.Pending().Highest()
	if ev == hal.EventNone {
		return ev
	}
	s.ctrl.Ack(ev)
	s.dispatch(ev)
	return ev
}

// ServiceAll calls Service until nothing is pending and returns the set
// of conditions handled.
func (s *Stack) ServiceAll() hal.Event {
	var handled hal.Event
	for {
		ev := s.Service()
		if ev == hal.EventNone {
			return handled
		}
		handled |= ev
	}
}

// HandleEvent handles the highest-priority condition in pending without
// touching the controller's pending set. Returns the condition consumed.
func (s *Stack) HandleEvent(pending hal.Event) hal.Event {
	ev := pending.Highest()
	if ev != hal.EventNone {
		s.dispatch(ev)
	}
	return ev
}

func (s *Stack) dispatch(ev hal.Event) {
	s.count(ev)
	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentStack, "event", "event", ev, "state", s.device.State())
	}

	switch ev {
	case hal.EventAttach:
		s.ctrl.EnableUSB()
		s.device.Attach()
		s.class.HandleLink(ev)
	case hal.EventDetach:
		s.ctrl.DisableUSB()
		s.control.reset()
		s.device.Detach()
		s.class.HandleLink(ev)
	case hal.EventBusReset:
		s.ctrl.EnableUSB()
		s.softReset()
		s.class.HandleLink(ev)
	case hal.EventSuspend:
		s.ctrl.DisablePHY()
		s.device.Suspend()
		s.class.HandleLink(ev)
	case hal.EventResume:
		s.ctrl.EnableUSB()
		s.device.Resume()
		s.class.HandleLink(ev)
	case hal.EventSetup:
		s.handleSetup()
	case hal.EventControlIn:
		s.control.onIn()
	case hal.EventControlOut:
		if err := s.control.onOut(); err != nil {
			s.stats.overruns.Add(1)
			pkg.LogDebug(pkg.ComponentControl, "control OUT", "error", err)
		}
	case hal.EventBulkIn, hal.EventBulkOut:
		s.class.HandleEndpoint(ev)
	default:
		pkg.LogDebug(pkg.ComponentStack, "unknown event", "event", ev)
	}
}

// softReset returns the stack to its post-reset state.
func (s *Stack) softReset() {
	s.control.reset()
	s.ctrl.ClearStall(hal.EP0)
	s.ctrl.ClearStall(hal.EP1)
	for i := range s.layout.Endpoints {
		if s.device.Halted(hal.EndpointIndex(i)) {
			s.ctrl.ClearStall(hal.EndpointIndex(i))
		}
	}
	s.ctrl.SetAddress(0)
	s.device.Reset()
}

func (s *Stack) handleSetup() {
	// Any transaction still armed belongs to the previous transfer.
	s.ctrl.StopTransaction(hal.EP0)
	s.ctrl.StopTransaction(hal.EP1)

	s.ctrl.ReadBuffer(s.layout.Setup.Base, s.setupBuf[:])
	if err := ParseSetupPacket(s.setupBuf[:], &s.setup); err != nil {
		s.stall(err)
		return
	}
	s.control.begin(&s.setup)
	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentControl, "setup", "packet", s.setup.String())
	}

	var err error
	if s.setup.IsStandard() {
		err = s.handler.HandleSetup(s.control, &s.setup)
	} else {
		err = s.class.HandleClassRequest(s.control, &s.setup)
	}
	if err != nil {
		s.stall(err)
	}
}

func (s *Stack) stall(err error) {
	s.control.Stall()
	s.stats.stalls.Add(1)
	pkg.LogDebug(pkg.ComponentControl, "request stalled", "error", err)
}

func (s *Stack) count(ev hal.Event) {
	for i := range s.stats.events {
		if ev&(1<<i) != 0 {
			s.stats.events[i].Add(1)
		}
	}
}

// CountOverrun records a data overrun reported by the class driver.
func (s *Stack) CountOverrun() {
	s.stats.overruns.Add(1)
}

// Stats returns a snapshot of the counters.
func (s *Stack) Stats() Stats {
	e := &s.stats.events
	return Stats{
		Attach:     e[0].Load(),
		Detach:     e[1].Load(),
		BusReset:   e[2].Load(),
		Suspend:    e[3].Load(),
		Resume:     e[4].Load(),
		Setup:      e[5].Load(),
		ControlIn:  e[6].Load(),
		ControlOut: e[7].Load(),
		BulkIn:     e[8].Load(),
		BulkOut:    e[9].Load(),
		Stalls:     s.stats.stalls.Load(),
		Overruns:   s.stats.overruns.Load(),
	}
}

// Device returns the bus state tracker.
func (s *Stack) Device() *Device {
	return s.device
}

// Control returns the control transfer engine.
func (s *Stack) Control() *Control {
	return s.control
}

// Layout returns the endpoint buffer layout.
func (s *Stack) Layout() *EndpointLayout {
	return &s.layout
}

// Controller returns the controller the stack drives.
func (s *Stack) Controller() hal.Controller {
	return s.ctrl
}

// State returns the device state.
func (s *Stack) State() State {
	return s.device.State()
}
