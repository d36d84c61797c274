package orchestrator

import (
	"log"
	"sync"
	"time"

	"github.com/substrate-id/d2p/internal/d2p/session"
	"github.com/substrate-id/d2p/internal/d2p/status"
)

// DefaultNotifyDelay is how long the machine waits after reaching a terminal
// state before invoking the done callback, so success UI can render before
// control returns to the host.
const DefaultNotifyDelay = 1500 * time.Millisecond

// TestNotifyDelay is the shortened delay used by test builds.
const TestNotifyDelay = 100 * time.Millisecond

// Effector executes the side effects the state machine requests. The
// machine owns when effects run; the effector owns how.
type Effector interface {
	// StartStatusChannel begins polling for the initiator.
	StartStatusChannel()
	// StopStatusChannel halts polling; safe to call in any state.
	StopStatusChannel()
	// BeginChallenge starts the responder's challenge ceremony.
	BeginChallenge()
	// ReportCanceled publishes the local cancel so the peer observes it
	// within one poll interval.
	ReportCanceled()
	// ReportCompleted publishes local completion and the validated token.
	ReportCompleted(validationToken string)
}

// Result is the terminal outcome delivered to the host application.
type Result struct {
	State State
	// ValidationToken carries the negotiated auth token when State is
	// StateCompleted; empty otherwise.
	ValidationToken string
}

// Config tunes machine timing.
type Config struct {
	// NotifyDelay defers the done callback after a terminal transition.
	NotifyDelay time.Duration
}

// Machine is the handoff state machine. It consumes events from the status
// channel and from user actions, serializes them through a single loop, and
// emits side effects on transitions.
//
// Terminal states are final. Re-entering the flow requires a brand-new
// session and machine; a machine is never reset in place.
type Machine struct {
	role     session.Role
	effector Effector
	cfg      Config
	onDone   func(Result)

	events chan Event
	quit   chan struct{}

	mu          sync.Mutex
	state       State
	token       string
	subscribers []func(State)
	disposed    bool
	notifyTimer *time.Timer

	doneOnce sync.Once
	loopDone chan struct{}
}

// New builds a machine for the session role and starts its event loop in
// StateInit.
func New(role session.Role, effector Effector, cfg Config, onDone func(Result)) *Machine {
	if cfg.NotifyDelay <= 0 {
		cfg.NotifyDelay = DefaultNotifyDelay
	}
	m := &Machine{
		role:     role,
		effector: effector,
		cfg:      cfg,
		onDone:   onDone,
		events:   make(chan Event, 32),
		quit:     make(chan struct{}),
		state:    StateInit,
		loopDone: make(chan struct{}),
	}
	go m.loop()
	return m
}

// State returns the current orchestration state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a callback invoked on every state change. Callbacks
// run on the machine loop, so they observe transitions in order.
func (m *Machine) Subscribe(fn func(State)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Send delivers an event to the machine. Events sent after Dispose are
// dropped; events that do not apply in the current state are ignored.
func (m *Machine) Send(ev Event) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

// Dispose tears the machine down: the loop exits, polling stops, and any
// pending done notification is canceled. Safe to call multiple times.
func (m *Machine) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	close(m.quit)
	<-m.loopDone

	// The loop has drained, so any terminal notify timer is set by now and
	// can be stopped without racing its scheduling.
	m.mu.Lock()
	timer := m.notifyTimer
	m.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if m.effector != nil {
		m.effector.StopStatusChannel()
	}
}

func (m *Machine) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.quit:
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

func (m *Machine) apply(ev Event) {
	m.mu.Lock()
	current := m.state
	next, effects := transition(current, m.role, ev)
	changed := next != current
	m.state = next

	// Capture the negotiated token on the way into completed.
	if ev.Kind == EventChallengeVerified && ev.AuthToken != "" {
		m.token = ev.AuthToken
	}
	if ev.Kind == EventStatus && ev.Poll.Status == status.StatusCompleted && ev.Poll.ValidationToken != "" {
		m.token = ev.Poll.ValidationToken
	}
	token := m.token
	subscribers := make([]func(State), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	if changed {
		log.Printf("handoff transition role=%s from=%s to=%s event=%s", m.role, current, next, ev.Kind)
		for _, fn := range subscribers {
			fn(next)
		}
	}

	for _, eff := range effects {
		m.execute(eff, next, token, ev)
	}
}

func (m *Machine) execute(eff effect, state State, token string, ev Event) {
	switch eff {
	case effectStartChannel:
		if m.effector != nil {
			m.effector.StartStatusChannel()
		}
	case effectStopChannel:
		if m.effector != nil {
			m.effector.StopStatusChannel()
		}
	case effectBeginChallenge:
		if m.effector != nil {
			m.effector.BeginChallenge()
		}
	case effectReportCanceled:
		if m.effector != nil {
			m.effector.ReportCanceled()
		}
	case effectReportCompleted:
		if m.effector != nil {
			m.effector.ReportCompleted(token)
		}
	case effectNotifyTerminal:
		m.scheduleDone(state, token, ev)
	}
}

func (m *Machine) scheduleDone(state State, token string, ev Event) {
	if state == StateError && ev.Err != nil {
		log.Printf("handoff error role=%s err=%v", m.role, ev.Err)
	}
	result := Result{State: state}
	if state == StateCompleted {
		result.ValidationToken = token
	}

	timer := time.AfterFunc(m.cfg.NotifyDelay, func() {
		m.doneOnce.Do(func() {
			if m.onDone != nil {
				m.onDone(result)
			}
		})
	})

	m.mu.Lock()
	m.notifyTimer = timer
	m.mu.Unlock()
}
