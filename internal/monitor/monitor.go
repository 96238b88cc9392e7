// Package monitor runs the trial lifecycle: it asks the protocol for trial
// parameters, starts trials on the device, keeps stream frames flowing
// through the serializer, collects the end-of-trial event, times the
// inter-trial interval and recovers from stalled trials.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/banshee-data/trialrig/internal/device"
	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/serialmux"
	"github.com/banshee-data/trialrig/internal/timeutil"
)

var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
	ErrNotPaused      = errors.New("monitor not paused")
	ErrSessionClosed  = errors.New("session already closed")
	ErrStopped        = errors.New("monitor controller stopped")
)

const (
	DefaultMaxTrialDuration = 100 * time.Second
	DefaultResyncDelay      = time.Second

	inboxSize = 16

	acquireBackoffBase = 10 * time.Millisecond
	acquireBackoffMax  = time.Second
)

// Config tunes a Monitor. Zero values take the defaults.
type Config struct {
	// Retries bounds acknowledged device commands.
	Retries int
	// SendTrialNumber packs the trialNumber parameter into start-trial.
	SendTrialNumber bool
	// MaxTrialDuration is how long a trial may go without an event before
	// it is considered stalled.
	MaxTrialDuration time.Duration
	// ResyncDelay is the pause between a stall and the automatic restart.
	ResyncDelay time.Duration
	Clock       timeutil.Clock
}

// TrialRecord is the monitor's view of one trial.
type TrialRecord struct {
	Number           int
	ProtocolParams   map[string]any
	ControllerParams protocol.ParameterSet
	Events           []map[string]any
	StreamFrames     int
	StartedAt        time.Time
	Handle           TrialHandle
}

// Monitor is the trial controller. Run must be running for Start, Stop,
// Pause and Unpause to take effect.
type Monitor struct {
	ser    *serialmux.Serializer
	driver *device.Driver
	proto  ProtocolCallback
	sink   PersistenceSink
	defs   Definitions
	clock  timeutil.Clock
	logf   monitoring.LogFunc

	maxTrialDuration time.Duration
	resyncDelay      time.Duration

	inbox   chan any
	runDone chan struct{}
	started atomic.Bool

	// Owned by the controller goroutine.
	runCtx        context.Context
	state         State
	recording     bool
	nextTrial     int
	current       *TrialRecord
	schemaCreated bool
	sinkClosed    bool
	lastEventAt   time.Time
	readFailures  int
	itiTimer      timeutil.Timer
	resyncTimer   timeutil.Timer
	acqCancel     context.CancelFunc

	// Published for Status.
	stateV     atomic.Int32
	recordingV atomic.Bool
	trialV     atomic.Int64
	nextTrialV atomic.Int64
	counters   counters
}

// New builds a monitor over ser. proto supplies trial parameters and
// receives frames; sink persists them.
func New(ser *serialmux.Serializer, proto ProtocolCallback, sink PersistenceSink, cfg Config) (*Monitor, error) {
	defs := proto.Definitions()
	if err := defs.ControllerParams.Validate(); err != nil {
		return nil, fmt.Errorf("controller parameters: %w", err)
	}
	if cfg.MaxTrialDuration <= 0 {
		cfg.MaxTrialDuration = DefaultMaxTrialDuration
	}
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = DefaultResyncDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	m := &Monitor{
		ser:              ser,
		driver:           &device.Driver{Retries: cfg.Retries, SendTrialNumber: cfg.SendTrialNumber},
		proto:            proto,
		sink:             sink,
		defs:             defs,
		clock:            cfg.Clock,
		logf:             monitoring.Prefixed("[monitor] "),
		maxTrialDuration: cfg.MaxTrialDuration,
		resyncDelay:      cfg.ResyncDelay,
		inbox:            make(chan any, inboxSize),
		runDone:          make(chan struct{}),
		nextTrial:        1,
	}
	m.publish()
	return m, nil
}

// Definitions returns the protocol's layout.
func (m *Monitor) Definitions() Definitions { return m.defs }

// Run is the controller loop. It is the only goroutine that touches trial
// state, and it returns when ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.started.Swap(true) {
		return ErrAlreadyRunning
	}
	m.runCtx = ctx
	defer close(m.runDone)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbox:
			m.handle(msg)
		case <-timerC(m.itiTimer):
			m.itiTimer = nil
			if m.state == InterTrialInterval {
				m.beginTrial()
			}
		case <-timerC(m.resyncTimer):
			m.resyncTimer = nil
			if m.state == Paused {
				m.logf("resuming after resync delay")
				m.unpause()
			}
		}
	}
}

// Start begins the session with trial 1.
func (m *Monitor) Start(ctx context.Context) error { return m.control(ctx, ctrlStart) }

// Stop ends the session: timers are cancelled, acquisition stops, the
// device is told to end the trial and the sink is closed. It returns once
// the end-trial command has run on the link, or when ctx is done.
func (m *Monitor) Stop(ctx context.Context) error {
	ended := make(chan error, 1)
	if err := m.send(ctx, controlRequest{kind: ctrlStop, reply: make(chan error, 1), ended: ended}); err != nil {
		return err
	}
	select {
	case <-ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.runDone:
		return nil
	}
}

// Pause stops recording and cancels any pending inter-trial timer. Stream
// polling continues.
func (m *Monitor) Pause(ctx context.Context) error { return m.control(ctx, ctrlPause) }

// PauseGraceful pauses and also tells the device to end the current trial.
func (m *Monitor) PauseGraceful(ctx context.Context) error {
	return m.control(ctx, ctrlPauseGraceful)
}

// Unpause resumes recording with a new trial.
func (m *Monitor) Unpause(ctx context.Context) error { return m.control(ctx, ctrlUnpause) }

// SendCommand sends a user command to the device through the serializer.
func (m *Monitor) SendCommand(ctx context.Context, command string) error {
	return m.ser.Enqueue(ctx, func(l *serialmux.Link) error {
		return m.driver.UserCommand(l, command)
	})
}

// ProtocolName asks the device which protocol its firmware runs.
func (m *Monitor) ProtocolName(ctx context.Context) (string, error) {
	var name string
	err := m.ser.Enqueue(ctx, func(l *serialmux.Link) error {
		var err error
		name, err = m.driver.ProtocolName(l)
		return err
	})
	return name, err
}

type controlKind int

const (
	ctrlStart controlKind = iota
	ctrlStop
	ctrlPause
	ctrlPauseGraceful
	ctrlUnpause
)

type controlRequest struct {
	kind  controlKind
	reply chan error
	// ended receives the end-trial result of a stop.
	ended chan error
}

type streamCompleted struct {
	frame protocol.Frame
	err   error
}

type startCompleted struct {
	trial int
	err   error
}

type eventCompleted struct {
	trial int
	frame protocol.Frame
	err   error
}

type endCompleted struct {
	err  error
	done chan error
}

func (m *Monitor) control(ctx context.Context, kind controlKind) error {
	return m.send(ctx, controlRequest{kind: kind, reply: make(chan error, 1)})
}

func (m *Monitor) send(ctx context.Context, req controlRequest) error {
	select {
	case m.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.runDone:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.runDone:
		return ErrStopped
	}
}

func (m *Monitor) handle(msg any) {
	switch msg := msg.(type) {
	case controlRequest:
		msg.reply <- m.onControl(msg)
	case streamCompleted:
		m.onStream(msg)
	case startCompleted:
		m.onStartCompleted(msg)
	case eventCompleted:
		m.onEvent(msg)
	case endCompleted:
		if msg.err != nil {
			m.logf("end trial: %v", msg.err)
		}
		if msg.done != nil {
			msg.done <- msg.err
		}
	}
	m.publish()
}

func (m *Monitor) onControl(req controlRequest) error {
	switch kind := req.kind; kind {
	case ctrlStart:
		return m.start()
	case ctrlStop:
		return m.stop(req.ended)
	case ctrlPause, ctrlPauseGraceful:
		if m.state == Idle {
			return ErrNotRunning
		}
		if m.state != Paused {
			m.enterPaused()
		}
		stopTimer(&m.resyncTimer)
		if kind == ctrlPauseGraceful {
			m.endTrial(nil)
		}
		return nil
	case ctrlUnpause:
		if m.state != Paused {
			return ErrNotPaused
		}
		m.unpause()
		return nil
	}
	return fmt.Errorf("unknown control %d", req.kind)
}

func (m *Monitor) start() error {
	if m.state != Idle {
		return ErrAlreadyRunning
	}
	if m.sinkClosed {
		return ErrSessionClosed
	}
	if !m.schemaCreated {
		err := m.sink.CreateSchema(m.defs.ProtocolParams, m.defs.ControllerParams.Fields(), m.defs.Events)
		if err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		m.schemaCreated = true
	}
	m.recording = true
	m.startAcquisition()
	m.beginTrial()
	return nil
}

// stop ends the session. ended, if set, receives the end-trial result, or
// nil at once when no trial was running.
func (m *Monitor) stop(ended chan error) error {
	wasRunning := m.state != Idle
	stopTimer(&m.itiTimer)
	stopTimer(&m.resyncTimer)
	m.state = Idle
	m.recording = false
	m.stopAcquisition()
	if wasRunning {
		m.endTrial(ended)
	} else if ended != nil {
		ended <- nil
	}
	snap := m.ser.Link().Stats().Snapshot()
	m.logf("stopped: %d trials, %d desynchronized, max gap %v, %d overflows",
		m.counters.trialsStarted.Load(), m.counters.desyncs.Load(), snap.MaxGap, snap.Overflows)
	return m.closeSink()
}

func (m *Monitor) shutdown() {
	stopTimer(&m.itiTimer)
	stopTimer(&m.resyncTimer)
	m.state = Idle
	m.recording = false
	m.stopAcquisition()
	if err := m.closeSink(); err != nil {
		m.logf("close sink: %v", err)
	}
	m.publish()
}

func (m *Monitor) closeSink() error {
	if m.sinkClosed {
		return nil
	}
	m.sinkClosed = true
	if err := m.sink.Close(); err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}

// beginTrial arms the next trial and sends its parameters to the device.
func (m *Monitor) beginTrial() {
	n := m.nextTrial
	params, err := m.proto.NextTrialParameters(n)
	if err != nil {
		m.counters.startFailures.Inc()
		m.logf("trial %d: no parameters: %v", n, err)
		m.enterPaused()
		return
	}
	ctrl := withTrialNumber(params.Controller, n)
	m.nextTrial++

	rec := &TrialRecord{
		Number:           n,
		ProtocolParams:   params.Protocol,
		ControllerParams: ctrl,
		StartedAt:        m.clock.Now(),
	}
	if m.recording {
		h, err := m.sink.AppendTrial(n, params.Protocol, ctrl)
		if err != nil {
			m.logf("trial %d: persist trial: %v", n, err)
		} else {
			rec.Handle = h
		}
	}
	m.current = rec
	m.state = Armed
	m.lastEventAt = rec.StartedAt
	m.counters.trialsStarted.Inc()

	m.dispatch(func(l *serialmux.Link) any {
		return startCompleted{trial: n, err: m.driver.StartTrial(l, ctrl)}
	}, func(err error) any {
		return startCompleted{trial: n, err: err}
	})
}

func (m *Monitor) onStartCompleted(msg startCompleted) {
	if m.current == nil || m.current.Number != msg.trial || m.state == Idle {
		return
	}
	if msg.err != nil {
		m.counters.startFailures.Inc()
		m.logf("trial %d: start failed: %v", msg.trial, msg.err)
		if m.state == Armed {
			m.enterPaused()
			m.armResync()
		}
		return
	}
	m.proto.OnTrialStart(msg.trial)
}

func (m *Monitor) onStream(msg streamCompleted) {
	m.counters.streamsAcquired.Inc()
	if msg.err != nil {
		m.counters.droppedFrames.Inc()
		m.readFailures++
		// log the 1st, 2nd, 4th, 8th... failure in a row
		if m.readFailures&(m.readFailures-1) == 0 {
			m.logf("stream read (%d failures in a row): %v", m.readFailures, msg.err)
		}
		m.checkStall()
		return
	}
	if m.readFailures > 0 {
		m.logf("stream reads recovered after %d failures", m.readFailures)
		m.readFailures = 0
	}
	frame := msg.frame
	m.counters.decodeFaults.Add(int64(len(frame.Faults)))

	switch frame.Kind {
	case protocol.KindEmpty:
		m.counters.emptyReads.Inc()
	case protocol.KindEndOfTrial:
		m.onEndOfTrial(frame)
	case protocol.KindStream, protocol.KindParameterEcho:
		switch {
		case frame.PayloadLost:
			m.counters.droppedFrames.Inc()
		case !hasData(frame.Values):
			m.counters.emptyReads.Inc()
		default:
			m.deliverStream(frame.Values)
		}
	default:
		m.logf("unexpected %s reply to stream request", frame.Kind)
	}
	m.checkStall()
}

func (m *Monitor) deliverStream(values map[string]any) {
	if m.state == Idle {
		return
	}
	if m.current != nil {
		m.current.StreamFrames++
		if m.recording && m.current.Handle != nil {
			if err := m.sink.AppendStream(m.current.Handle, values); err != nil {
				m.logf("trial %d: persist stream: %v", m.current.Number, err)
			}
		}
	}
	m.proto.OnStream(values)
	m.counters.streamsProcessed.Inc()
}

func (m *Monitor) onEndOfTrial(frame protocol.Frame) {
	if m.state != Armed {
		return
	}
	if hasData(frame.Values) {
		m.deliverStream(frame.Values)
	}
	m.proto.OnTrialEnd()
	m.state = EndingTrial
	m.requestEvent()
}

func (m *Monitor) requestEvent() {
	n := m.current.Number
	def := m.defs.EventDefinition()
	m.dispatch(func(l *serialmux.Link) any {
		frame, err := m.driver.RequestEvent(l, def)
		return eventCompleted{trial: n, frame: frame, err: err}
	}, func(err error) any {
		return eventCompleted{trial: n, err: err}
	})
}

func (m *Monitor) onEvent(msg eventCompleted) {
	if m.state != EndingTrial || m.current == nil || m.current.Number != msg.trial {
		return
	}
	if msg.err != nil || msg.frame.Kind != protocol.KindEvent {
		if msg.err != nil {
			m.logf("trial %d: event read: %v", msg.trial, msg.err)
			if errors.Is(msg.err, serialmux.ErrSerializerClosed) {
				return
			}
		}
		m.requestEvent()
		return
	}

	frame := msg.frame
	m.counters.decodeFaults.Add(int64(len(frame.Faults)))
	m.lastEventAt = m.clock.Now()
	m.current.Events = append(m.current.Events, frame.Values)
	if m.recording && m.current.Handle != nil {
		if err := m.sink.AppendEvent(m.current.Handle, frame.Values); err != nil {
			m.logf("trial %d: persist event: %v", msg.trial, err)
		}
	}
	iti := m.proto.OnEvent(frame.Values)
	m.counters.eventsProcessed.Inc()
	if iti < 0 {
		iti = 0
	}
	m.state = InterTrialInterval
	m.itiTimer = m.clock.NewTimer(iti)
}

// checkStall pauses and schedules a resync when a trial has gone too long
// without an event.
func (m *Monitor) checkStall() {
	if m.state != Armed && m.state != EndingTrial {
		return
	}
	if m.clock.Since(m.lastEventAt) <= m.maxTrialDuration {
		return
	}
	m.counters.desyncs.Inc()
	trial := 0
	if m.current != nil {
		trial = m.current.Number
	}
	m.logf("trial %d: no event for %v, resynchronizing", trial, m.clock.Since(m.lastEventAt))
	m.enterPaused()
	m.armResync()
}

func (m *Monitor) enterPaused() {
	stopTimer(&m.itiTimer)
	m.state = Paused
	m.recording = false
}

func (m *Monitor) armResync() {
	stopTimer(&m.resyncTimer)
	m.resyncTimer = m.clock.NewTimer(m.resyncDelay)
}

// unpause resumes with a fresh trial and new parameters.
func (m *Monitor) unpause() {
	stopTimer(&m.resyncTimer)
	m.recording = true
	m.beginTrial()
}

func (m *Monitor) endTrial(done chan error) {
	m.dispatch(func(l *serialmux.Link) any {
		return endCompleted{err: m.driver.EndTrial(l), done: done}
	}, func(err error) any {
		return endCompleted{err: err, done: done}
	})
}

func (m *Monitor) startAcquisition() {
	if m.acqCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	m.acqCancel = cancel
	go m.acquire(ctx)
}

func (m *Monitor) stopAcquisition() {
	if m.acqCancel == nil {
		return
	}
	m.acqCancel()
	m.acqCancel = nil
}

// acquire keeps one stream request in flight until ctx is cancelled. While
// the link cannot be written it backs off, doubling the wait up to
// acquireBackoffMax.
func (m *Monitor) acquire(ctx context.Context) {
	def := m.defs.StreamDefinition()
	failures := 0
	for ctx.Err() == nil {
		err := m.ser.Enqueue(ctx, func(l *serialmux.Link) error {
			frame, err := m.driver.RequestStream(l, def)
			m.post(ctx, streamCompleted{frame: frame, err: err})
			return err
		})
		if errors.Is(err, serialmux.ErrSerializerClosed) {
			return
		}
		if !errors.Is(err, serialmux.ErrWriteFailed) {
			failures = 0
			continue
		}
		if !m.wait(ctx, acquireBackoff(failures)) {
			return
		}
		failures++
	}
}

func acquireBackoff(failures int) time.Duration {
	if failures >= 7 {
		return acquireBackoffMax
	}
	return min(acquireBackoffBase<<failures, acquireBackoffMax)
}

// wait sleeps on the monitor's clock. It reports false if ctx ended first.
func (m *Monitor) wait(ctx context.Context, d time.Duration) bool {
	t := m.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch runs op on the link from its own goroutine so the controller
// never waits on the serializer. The op's result is posted to the inbox
// before the link is released; skipped builds the message posted when the
// op never ran.
func (m *Monitor) dispatch(op func(*serialmux.Link) any, skipped func(error) any) {
	ctx := m.runCtx
	go func() {
		ran := false
		err := m.ser.Enqueue(ctx, func(l *serialmux.Link) error {
			ran = true
			m.post(ctx, op(l))
			return nil
		})
		if !ran {
			m.post(ctx, skipped(err))
		}
	}()
}

func (m *Monitor) post(ctx context.Context, msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-m.runDone:
		return false
	}
}

func (m *Monitor) publish() {
	m.stateV.Store(int32(m.state))
	m.recordingV.Store(m.recording)
	m.nextTrialV.Store(int64(m.nextTrial))
	if m.current != nil {
		m.trialV.Store(int64(m.current.Number))
	}
}

func withTrialNumber(ps protocol.ParameterSet, n int) protocol.ParameterSet {
	out := make(protocol.ParameterSet, len(ps))
	copy(out, ps)
	for i := range out {
		if out[i].Name == protocol.TrialNumberParam {
			out[i].Value = n
		}
	}
	return out
}

func hasData(values map[string]any) bool {
	for _, v := range values {
		if v != nil {
			return true
		}
	}
	return false
}

func timerC(t timeutil.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func stopTimer(t *timeutil.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
