// Package session keeps the BLE link and the backend link synchronized as one logical session.
//
// All link callbacks are funneled into a single event loop goroutine, which is the only code that
// reads or changes the session state. Caller notifications are delivered in order from a second
// goroutine, so handlers may call back into the Orchestrator.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/backend"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

// Handler receives the caller-visible notifications. Nil fields are skipped.
type Handler struct {
	// OnConnected fires when the backend handshake completes and relaying starts.
	OnConnected func(session *Session)
	// OnDisconnected fires when a running session fails. It does not fire after Disconnect.
	OnDisconnected func()
	// OnEvent receives diagnostic events from the backend's event stream. Events of a session that
	// has ended are dropped, as are command lists.
	OnEvent func(event model.DiagnosticEvent)
	// OnAvailableCommands receives the commands the backend offers for the session.
	OnAvailableCommands func(commands model.AvailableCommands)
}

type Orchestrator struct {
	ble     BleLink
	backend BackendLink
	handler Handler
	policy  ReconnectPolicy

	inbox   *mailbox[func()]
	notices *mailbox[func()]
	stop    chan struct{}
	workers sync.WaitGroup
	closed  sync.Once

	// Owned by the event loop.
	state    State
	login    model.Login
	attempts int
	run      uint64

	// backendEpoch advances after every backend disconnect. Backend callbacks carry the epoch they
	// were raised in, which discards events queued by an episode that has since been torn down.
	backendEpoch atomic.Uint64
	current      atomic.Pointer[Session]
	published    atomic.Int32
}

// New builds the links through factory and starts the event loop. Call Close to release it.
func New(factory LinkFactory, handler Handler, policy ReconnectPolicy) (*Orchestrator, error) {
	o := &Orchestrator{
		handler: handler,
		policy:  policy,
		inbox:   newMailbox[func()](),
		notices: newMailbox[func()](),
		stop:    make(chan struct{}),
	}

	var err error
	o.ble, err = factory.NewBleLink(ble.Callbacks{
		OnConnected:    func() { o.post(o.onBleConnected) },
		OnData:         func(p []byte) { o.post(func() { o.onBleData(p) }) },
		OnDisconnected: func() { o.post(o.onBleDisconnected) },
	})
	if err != nil {
		return nil, err
	}
	o.backend, err = factory.NewBackendLink(backend.Callbacks{
		OnOpen: func() {
			epoch := o.backendEpoch.Load()
			o.post(func() { o.onBackendOpen(epoch) })
		},
		OnInitialized: func(reply []byte) {
			epoch := o.backendEpoch.Load()
			o.post(func() { o.onBackendInitialized(epoch, reply) })
		},
		OnData: func(p []byte) {
			epoch := o.backendEpoch.Load()
			o.post(func() { o.onBackendData(epoch, p) })
		},
		OnClosed: func(err error) {
			epoch := o.backendEpoch.Load()
			o.post(func() { o.onBackendClosed(epoch, err) })
		},
	})
	if err != nil {
		return nil, err
	}

	o.workers.Add(2)
	go func() {
		defer o.workers.Done()
		o.inbox.serve(o.stop, func(f func()) { f() })
	}()
	go func() {
		defer o.workers.Done()
		o.notices.serve(o.stop, func(f func()) { f() })
	}()
	return o, nil
}

// State returns the orchestrator's most recently published state.
func (o *Orchestrator) State() State {
	return State(o.published.Load())
}

// Session returns the handle of the running session, or nil.
func (o *Orchestrator) Session() *Session {
	return o.current.Load()
}

// Connect starts a session that logs in to the backend with login. It returns once scanning has
// started; Handler.OnConnected reports success. Returns ErrAlreadyStarted if a session is running.
func (o *Orchestrator) Connect(login model.Login) error {
	var err error
	if callErr := o.call(func() { err = o.connect(login) }); callErr != nil {
		return callErr
	}
	return err
}

// Disconnect ends the session and stops reconnecting. Handler.OnDisconnected is not called.
func (o *Orchestrator) Disconnect() {
	_ = o.call(o.disconnect)
}

// Close disconnects and stops the event loop. The Orchestrator cannot be reused.
func (o *Orchestrator) Close() {
	o.closed.Do(func() {
		o.Disconnect()
		close(o.stop)
		o.workers.Wait()
		o.backend.Close()
	})
}

func (o *Orchestrator) post(f func()) {
	o.inbox.post(f)
}

func (o *Orchestrator) notify(f func()) {
	o.notices.post(f)
}

// call runs f on the event loop and waits for it.
func (o *Orchestrator) call(f func()) error {
	done := make(chan struct{})
	o.post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-o.stop:
		return protocol.ErrStopped
	}
}

func (o *Orchestrator) setState(state State) {
	if o.state != state {
		log.Debug("session: %s -> %s", o.state, state)
	}
	o.state = state
	o.published.Store(int32(state))
}

func (o *Orchestrator) connect(login model.Login) error {
	if o.state != StateDisconnected {
		return protocol.ErrAlreadyStarted
	}
	o.login = login
	o.attempts = 0
	o.run++
	o.setState(StateBleConnecting)
	log.Info("session: connecting as %s", login.ClientID)
	o.ble.Connect()
	return nil
}

func (o *Orchestrator) disconnect() {
	if o.state == StateDisconnected {
		return
	}
	log.Info("session: disconnecting")
	o.run++
	o.current.Store(nil)
	o.disconnectBackend()
	o.ble.Disconnect()
	o.setState(StateDisconnected)
}

func (o *Orchestrator) disconnectBackend() {
	o.backend.Disconnect()
	o.backendEpoch.Add(1)
}

func (o *Orchestrator) onBleConnected() {
	if o.state != StateBleConnecting {
		log.Debug("session: ignoring BLE connect while %s", o.state)
		return
	}
	o.setState(StateBleReady)
	if err := o.backend.Connect(o.login); err != nil {
		log.Error("session: %s", err)
		o.teardown(true)
		return
	}
	o.setState(StateBackendConnecting)
}

func (o *Orchestrator) onBleData(p []byte) {
	if o.state != StateRelaying {
		log.Debug("session: dropping %d bytes from adapter while %s", len(p), o.state)
		return
	}
	if err := o.backend.Write(p); err != nil {
		log.Warning("session: relay to backend failed: %s", err)
	}
}

func (o *Orchestrator) onBleDisconnected() {
	if o.state == StateDisconnected || o.state == StateBleConnecting {
		return
	}
	log.Warning("session: adapter disconnected")
	o.teardown(false)
}

func (o *Orchestrator) onBackendOpen(epoch uint64) {
	if epoch != o.backendEpoch.Load() || o.state != StateBackendConnecting {
		return
	}
	o.setState(StateBackendHandshaking)
}

func (o *Orchestrator) onBackendInitialized(epoch uint64, reply []byte) {
	if epoch != o.backendEpoch.Load() || (o.state != StateBackendConnecting && o.state != StateBackendHandshaking) {
		return
	}
	challenge, err := model.ParseChallenge(reply)
	if err != nil {
		log.Warning("session: %s: %s", protocol.ErrBadHandshake, err)
		o.teardown(true)
		return
	}

	o.attempts = 0
	o.setState(StateRelaying)
	s := &Session{orchestrator: o, challenge: challenge}
	o.current.Store(s)
	log.Info("session: %s established", challenge.ID)

	o.backend.ListenOnEventStream(challenge, func(event model.DiagnosticEvent) {
		o.post(func() { o.onEvent(s, event) })
	})
	o.fetchCommands(s)
	if o.handler.OnConnected != nil {
		o.notify(func() { o.handler.OnConnected(s) })
	}
}

func (o *Orchestrator) onBackendData(epoch uint64, p []byte) {
	if epoch != o.backendEpoch.Load() || o.state != StateRelaying {
		log.Debug("session: dropping %d bytes from backend while %s", len(p), o.state)
		return
	}
	if err := o.ble.Write(p); err != nil {
		log.Warning("session: relay to adapter failed: %s", err)
	}
}

func (o *Orchestrator) onBackendClosed(epoch uint64, err error) {
	if epoch != o.backendEpoch.Load() || !o.state.backendActive() {
		return
	}
	log.Warning("session: backend connection closed: %s", err)
	o.teardown(true)
}

// fetchCommands requests s's commands. The reply is bound to s and dropped if s has ended by the
// time it arrives.
func (o *Orchestrator) fetchCommands(s *Session) {
	o.backend.GetAvailableCommands(s.challenge.ID, func(commands model.AvailableCommands, err error) {
		o.post(func() { o.onAvailableCommands(s, commands, err) })
	})
}

func (o *Orchestrator) onEvent(s *Session, event model.DiagnosticEvent) {
	if o.current.Load() != s {
		log.Debug("session: dropping event %s from ended session %s", event.ID, s.ID())
		return
	}
	if o.handler.OnEvent != nil {
		o.notify(func() { o.handler.OnEvent(event) })
	}
}

func (o *Orchestrator) onAvailableCommands(s *Session, commands model.AvailableCommands, err error) {
	if o.current.Load() != s {
		log.Debug("session: dropping available commands for ended session %s", s.ID())
		return
	}
	if err != nil {
		log.Warning("session: unable to fetch available commands: %s", err)
		return
	}
	if o.handler.OnAvailableCommands != nil {
		o.notify(func() { o.handler.OnAvailableCommands(commands) })
	}
}

// teardown ends the current episode after a link failure and schedules the next BLE scan.
// backendFailed is set when the adapter is still connected and has to be dropped as well.
func (o *Orchestrator) teardown(backendFailed bool) {
	o.setState(StateDisconnected)
	o.current.Store(nil)
	o.disconnectBackend()
	if backendFailed {
		o.ble.Disconnect()
	}
	if o.handler.OnDisconnected != nil {
		o.notify(o.handler.OnDisconnected)
	}

	o.attempts++
	if o.policy.exhausted(o.attempts) {
		log.Error("session: giving up after %d consecutive failures", o.attempts-1)
		return
	}

	o.setState(StateBleConnecting)
	delay := o.policy.backoff(o.attempts)
	if delay == 0 {
		o.ble.Connect()
		return
	}
	log.Info("session: reconnecting in %s", delay)
	run := o.run
	time.AfterFunc(delay, func() {
		o.post(func() {
			if o.run == run && o.state == StateBleConnecting {
				o.ble.Connect()
			}
		})
	})
}
