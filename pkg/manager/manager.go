// Package manager serializes all card access onto one worker goroutine.
//
// Callers on any goroutine submit work with Enqueue or ExecuteSync; the
// worker executes commands strictly in FIFO order with at most one command
// in flight. Card arrival runs the session initialization sequence atomically
// with respect to the queue, so no command can interleave with the
// select/pair/open-secure-channel handshake.
//
// State machine:
//
//	Idle -> Initializing -> Ready <-> Processing
//	              \-> Idle (card lost or Stop)
package manager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/cardforge/keycard/pkg/keycard"
)

// State is the scheduler's lifecycle state.
type State int

const (
	// Idle means no card is present.
	Idle State = iota

	// Initializing means a card arrived and the session handshake is running
	// or has failed; only AllowDuringInit commands may execute.
	Initializing

	// Ready means the session is established and the queue is draining.
	Ready

	// Processing means a command is executing right now.
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// DefaultCommandTimeout bounds ExecuteSync waits when neither the call site
// nor the command declares one.
const DefaultCommandTimeout = 30 * time.Second

var (
	// ErrStopped is returned for work submitted after Stop.
	ErrStopped = errors.New("manager: stopped")

	// ErrTimeout is returned by ExecuteSync when the wait expires. The
	// command stays queued and may still execute.
	ErrTimeout = errors.New("manager: command timed out")
)

// Token identifies one enqueued command. The zero token is invalid and is
// returned when submission was refused.
type Token uint64

// CardSession is the part of the keycard command set the scheduler drives.
type CardSession interface {
	InitializeSession() error
	CloseSession()
	ApplicationInfo() *keycard.ApplicationInfo
	ApplicationStatus() *keycard.ApplicationStatus
}

// Command is one unit of card work.
type Command struct {
	// Name appears in logs.
	Name string

	// Execute runs on the worker goroutine with exclusive card access.
	Execute func(session CardSession) (interface{}, error)

	// Callback, when set, is invoked on the worker after execution.
	Callback func(Result)

	// Timeout overrides DefaultCommandTimeout for ExecuteSync waits.
	Timeout time.Duration

	// AllowDuringInit lets harmless probes run before the session handshake
	// finishes.
	AllowDuringInit bool
}

// Result is the outcome of one command.
type Result struct {
	Token Token
	Value interface{}
	Err   error
}

// Callbacks receive scheduler events. All callbacks run on the worker
// goroutine, in subscription order, at most once per event.
type Callbacks struct {
	CardConnected        func(info *keycard.ApplicationInfo, status *keycard.ApplicationStatus)
	CardDisconnected     func()
	InitializationFailed func(err error)
}

type pendingCommand struct {
	token Token
	cmd   *Command
}

type cardEvent struct {
	present bool
}

// Manager owns the worker goroutine and the command queue.
type Manager struct {
	log     logging.LeveledLogger
	session CardSession

	mu        sync.Mutex
	state     State
	queue     []pendingCommand
	waiters   map[Token]chan Result
	listeners map[int]Callbacks

	nextToken    Token
	nextListener int
	batchDepth   int
	stopped      bool

	wake   chan struct{}
	events chan cardEvent
	done   chan struct{}
}

// New binds a manager to a card session and starts the worker. Detection is
// not started; card presence is reported through CardPresent and CardLost.
func New(session CardSession, loggerFactory logging.LoggerFactory) *Manager {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	m := &Manager{
		log:       loggerFactory.NewLogger("manager"),
		session:   session,
		state:     Idle,
		waiters:   map[Token]chan Result{},
		listeners: map[int]Callbacks{},
		wake:      make(chan struct{}, 1),
		events:    make(chan cardEvent, 8),
		done:      make(chan struct{}),
	}

	go m.run()
	return m
}

// State returns the current scheduler state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers event callbacks and returns an id for Unsubscribe.
func (m *Manager) Subscribe(cb Callbacks) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = cb
	return id
}

// Unsubscribe removes a previously registered listener.
func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// Enqueue submits a command from any goroutine, even before a card is
// present. It returns the zero token when the command is nil or the manager
// is stopped.
func (m *Manager) Enqueue(cmd *Command) Token {
	if cmd == nil || cmd.Execute == nil {
		return 0
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0
	}
	m.nextToken++
	token := m.nextToken
	m.queue = append(m.queue, pendingCommand{token: token, cmd: cmd})
	m.mu.Unlock()

	m.signal()
	return token
}

// ExecuteSync enqueues cmd and blocks the calling goroutine until the worker
// completes it or the timeout expires. A non-zero timeout overrides the
// command's own declared one.
func (m *Manager) ExecuteSync(cmd *Command, timeout time.Duration) Result {
	if cmd == nil || cmd.Execute == nil {
		return Result{Err: errors.New("manager: nil command")}
	}

	if timeout <= 0 {
		timeout = cmd.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	waiter := make(chan Result, 1)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Result{Err: ErrStopped}
	}
	m.nextToken++
	token := m.nextToken
	m.waiters[token] = waiter
	m.queue = append(m.queue, pendingCommand{token: token, cmd: cmd})
	m.mu.Unlock()

	m.signal()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		return res
	case <-timer.C:
		m.mu.Lock()
		delete(m.waiters, token)
		m.mu.Unlock()
		return Result{Token: token, Err: ErrTimeout}
	}
}

// CardPresent reports card arrival; the worker runs the initialization
// sequence and then resumes queue draining.
func (m *Manager) CardPresent() {
	select {
	case m.events <- cardEvent{present: true}:
	case <-m.done:
	}
}

// CardLost reports card removal. Queued commands stay queued and run after
// the next successful initialization.
func (m *Manager) CardLost() {
	select {
	case m.events <- cardEvent{present: false}:
	case <-m.done:
	}
}

// StartBatchOperations hints that a burst of commands follows and the
// underlying session should be kept open between them. Nesting is allowed.
func (m *Manager) StartBatchOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchDepth++
}

// EndBatchOperations closes the innermost batch. Unbalanced calls are
// ignored.
func (m *Manager) EndBatchOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchDepth > 0 {
		m.batchDepth--
	}
}

// InBatch reports whether a batch is active.
func (m *Manager) InBatch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchDepth > 0
}

// Stop halts the worker and discards all queued work. Waiters receive
// ErrStopped. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true

	dropped := m.queue
	m.queue = nil
	waiters := make([]chan Result, 0, len(m.waiters))
	tokens := make([]Token, 0, len(m.waiters))
	for token, w := range m.waiters {
		waiters = append(waiters, w)
		tokens = append(tokens, token)
	}
	m.waiters = map[Token]chan Result{}
	m.mu.Unlock()

	for i, w := range waiters {
		w <- Result{Token: tokens[i], Err: ErrStopped}
	}
	if len(dropped) > 0 {
		m.log.Debugf("dropping %d queued commands", len(dropped))
	}

	close(m.done)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			if ev.present {
				m.handleCardPresent()
			} else {
				m.handleCardLost()
			}
		case <-m.wake:
		}
		m.drainQueue()
	}
}

func (m *Manager) handleCardPresent() {
	m.setState(Initializing)

	err := m.session.InitializeSession()
	if err != nil {
		m.log.Warnf("session initialization failed: %v", err)
		m.notify(func(cb Callbacks) {
			if cb.InitializationFailed != nil {
				cb.InitializationFailed(err)
			}
		})
		return
	}

	m.setState(Ready)
	info := m.session.ApplicationInfo()
	status := m.session.ApplicationStatus()
	m.notify(func(cb Callbacks) {
		if cb.CardConnected != nil {
			cb.CardConnected(info, status)
		}
	})
}

func (m *Manager) handleCardLost() {
	m.session.CloseSession()
	m.setState(Idle)
	m.notify(func(cb Callbacks) {
		if cb.CardDisconnected != nil {
			cb.CardDisconnected()
		}
	})
}

// drainQueue executes eligible commands back to back so consecutive commands
// never yield to other work in between. Each command restores the state it
// was dequeued under, so an AllowDuringInit probe never promotes an
// Initializing manager to Ready.
func (m *Manager) drainQueue() {
	for {
		pending, resume, ok := m.dequeue()
		if !ok {
			return
		}

		m.setState(Processing)
		value, err := pending.cmd.Execute(m.session)
		m.restoreState(resume)

		res := Result{Token: pending.token, Value: value, Err: err}
		m.deliver(pending, res)
	}
}

// dequeue pops the next eligible command along with the state to return to
// after execution. In Ready state that is the queue head; in Initializing
// state only commands marked AllowDuringInit run, and they may overtake
// ineligible ones.
func (m *Manager) dequeue() (pendingCommand, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Ready:
		if len(m.queue) == 0 {
			return pendingCommand{}, m.state, false
		}
		head := m.queue[0]
		m.queue = m.queue[1:]
		return head, Ready, true

	case Initializing:
		for i, p := range m.queue {
			if p.cmd.AllowDuringInit {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				return p, Initializing, true
			}
		}
	}
	return pendingCommand{}, m.state, false
}

func (m *Manager) deliver(p pendingCommand, res Result) {
	m.mu.Lock()
	waiter, ok := m.waiters[p.token]
	delete(m.waiters, p.token)
	m.mu.Unlock()

	if ok {
		waiter <- res
	}
	if p.cmd.Callback != nil {
		p.cmd.Callback(res)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// restoreState leaves Processing for the state the command was dequeued
// under. A card event that already moved the manager elsewhere wins.
func (m *Manager) restoreState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Processing {
		return
	}
	m.state = s
}

func (m *Manager) notify(fn func(Callbacks)) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]Callbacks, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, m.listeners[id])
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		fn(cb)
	}
}
