package session_test

import (
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/autostars/obd-bridge/pkg/backend"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"github.com/autostars/obd-bridge/pkg/connector/inet"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
	"github.com/autostars/obd-bridge/pkg/session"
)

type fakeBle struct {
	mu          sync.Mutex
	callbacks   ble.Callbacks
	connects    int
	disconnects int
	written     [][]byte
}

func (f *fakeBle) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeBle) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte{}, p...))
	return nil
}

func (f *fakeBle) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeBle) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeBle) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeBle) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.written...)
}

type fakeBackend struct {
	mu          sync.Mutex
	callbacks   backend.Callbacks
	logins      []model.Login
	written     [][]byte
	disconnects int
	closed      bool
	challenges  []model.Challenge
	refreshes   []string
	executed    []model.Command
	positions   []model.PositionCommand

	// Handlers passed with the latest event subscription and commands request.
	onEvent    inet.EventHandler
	onCommands backend.CommandsHandler
}

func (f *fakeBackend) Connect(login model.Login) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, login)
	return nil
}

func (f *fakeBackend) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte{}, p...))
	return nil
}

func (f *fakeBackend) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeBackend) ListenOnEventStream(challenge model.Challenge, handler inet.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges = append(f.challenges, challenge)
	f.onEvent = handler
}

func (f *fakeBackend) GetAvailableCommands(sessionID string, done backend.CommandsHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, sessionID)
	f.onCommands = done
}

// handlers returns the event and commands handlers of the latest requests.
func (f *fakeBackend) handlers() (inet.EventHandler, backend.CommandsHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onEvent, f.onCommands
}

func (f *fakeBackend) ExecuteCommand(command model.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
}

func (f *fakeBackend) SendCurrentLocation(position model.PositionCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, position)
}

type backendCalls struct {
	logins      int
	written     [][]byte
	disconnects int
	closed      bool
	challenges  []model.Challenge
	refreshes   []string
	executed    []model.Command
	positions   []model.PositionCommand
}

func (f *fakeBackend) snapshot() backendCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backendCalls{
		logins:      len(f.logins),
		written:     append([][]byte{}, f.written...),
		disconnects: f.disconnects,
		closed:      f.closed,
		challenges:  append([]model.Challenge{}, f.challenges...),
		refreshes:   append([]string{}, f.refreshes...),
		executed:    append([]model.Command{}, f.executed...),
		positions:   append([]model.PositionCommand{}, f.positions...),
	}
}

type fakeFactory struct {
	ble     *fakeBle
	backend *fakeBackend
	err     error
}

func (f *fakeFactory) NewBleLink(callbacks ble.Callbacks) (session.BleLink, error) {
	f.ble.callbacks = callbacks
	return f.ble, nil
}

func (f *fakeFactory) NewBackendLink(callbacks backend.Callbacks) (session.BackendLink, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.backend.callbacks = callbacks
	return f.backend, nil
}

// notifications records Handler callbacks.
type notifications struct {
	mu           sync.Mutex
	sessions     []*session.Session
	disconnected int
	events       []model.DiagnosticEvent
	commands     []model.AvailableCommands
}

func (n *notifications) handler() session.Handler {
	return session.Handler{
		OnConnected: func(s *session.Session) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.sessions = append(n.sessions, s)
		},
		OnDisconnected: func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.disconnected++
		},
		OnEvent: func(e model.DiagnosticEvent) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.events = append(n.events, e)
		},
		OnAvailableCommands: func(c model.AvailableCommands) {
			n.mu.Lock()
			defer n.mu.Unlock()
			n.commands = append(n.commands, c)
		},
	}
}

func (n *notifications) Connected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

func (n *notifications) Latest() *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sessions) == 0 {
		return nil
	}
	return n.sessions[len(n.sessions)-1]
}

func (n *notifications) Disconnected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disconnected
}

func (n *notifications) Events() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func (n *notifications) Commands() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.commands)
}

var _ = Describe("Orchestrator", func() {
	var (
		adapter  *fakeBle
		cloud    *fakeBackend
		notified *notifications
		bridge   *session.Orchestrator
	)

	start := func(policy session.ReconnectPolicy) {
		var err error
		bridge, err = session.New(&fakeFactory{ble: adapter, backend: cloud}, notified.handler(), policy)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { bridge.Close() })
		Expect(bridge.Connect(model.NewLogin("client-1"))).To(Succeed())
	}

	// establish drives a fresh orchestrator through to Relaying with session id sess-123.
	establish := func() *session.Session {
		Eventually(adapter.Connects).Should(Equal(1))
		adapter.callbacks.OnConnected()
		Eventually(func() int { return cloud.snapshot().logins }).Should(Equal(1))
		Eventually(bridge.State).Should(Equal(session.StateBackendConnecting))
		cloud.callbacks.OnOpen()
		Eventually(bridge.State).Should(Equal(session.StateBackendHandshaking))
		cloud.callbacks.OnInitialized([]byte("sess-123\n"))
		Eventually(notified.Connected).Should(Equal(1))
		return notified.Latest()
	}

	BeforeEach(func() {
		adapter = &fakeBle{}
		cloud = &fakeBackend{}
		notified = &notifications{}
	})

	It("propagates factory errors", func() {
		_, err := session.New(&fakeFactory{ble: adapter, backend: cloud, err: errors.New("boom")}, session.Handler{}, session.ReconnectPolicy{})
		Expect(err).To(MatchError("boom"))
	})

	It("connects the backend only after the adapter is ready", func() {
		start(session.ReconnectPolicy{})
		Eventually(adapter.Connects).Should(Equal(1))
		Expect(bridge.State()).To(Equal(session.StateBleConnecting))
		Consistently(func() int { return cloud.snapshot().logins }, 50*time.Millisecond).Should(Equal(0))

		adapter.callbacks.OnConnected()
		Eventually(func() int { return cloud.snapshot().logins }).Should(Equal(1))
	})

	It("establishes a session exactly once", func() {
		start(session.ReconnectPolicy{})
		s := establish()

		Expect(s.ID()).To(Equal("sess-123"))
		Expect(s.Active()).To(BeTrue())
		Expect(bridge.Session()).To(BeIdenticalTo(s))
		Expect(bridge.State()).To(Equal(session.StateRelaying))

		calls := cloud.snapshot()
		Expect(calls.challenges).To(Equal([]model.Challenge{{ID: "sess-123"}}))
		Expect(calls.refreshes).To(Equal([]string{"sess-123"}))

		// A second initialized notification from the same episode is ignored.
		cloud.callbacks.OnInitialized([]byte("sess-456\n"))
		Consistently(notified.Connected, 50*time.Millisecond).Should(Equal(1))
		Expect(cloud.snapshot().challenges).To(HaveLen(1))
	})

	It("relays bytes unmodified in both directions", func() {
		start(session.ReconnectPolicy{})
		establish()

		adapter.callbacks.OnData([]byte("41 0C 1A F8\r\n>"))
		cloud.callbacks.OnData([]byte("010C\r"))

		Eventually(func() [][]byte { return cloud.snapshot().written }).Should(Equal([][]byte{[]byte("41 0C 1A F8\r\n>")}))
		Eventually(adapter.Written).Should(Equal([][]byte{[]byte("010C\r")}))
	})

	It("drops adapter bytes before the handshake completes", func() {
		start(session.ReconnectPolicy{})
		Eventually(adapter.Connects).Should(Equal(1))
		adapter.callbacks.OnConnected()
		adapter.callbacks.OnData([]byte("early"))
		cloud.callbacks.OnOpen()
		adapter.callbacks.OnData([]byte("still early"))
		Eventually(bridge.State).Should(Equal(session.StateBackendHandshaking))
		Consistently(func() [][]byte { return cloud.snapshot().written }, 50*time.Millisecond).Should(BeEmpty())
	})

	It("forwards events and commands from the backend", func() {
		start(session.ReconnectPolicy{})
		establish()

		event, err := model.DecodeEvent([]byte(`{"id":"1","name":"de.autostars.domain.RpmNumberRead","attributes":{"number":"2400"}}`))
		Expect(err).NotTo(HaveOccurred())
		onEvent, onCommands := cloud.handlers()
		onEvent(event)
		onCommands(model.AvailableCommands{Commands: []string{"readRpm"}}, nil)
		onCommands(model.AvailableCommands{}, errors.New("unavailable"))

		Eventually(notified.Events).Should(Equal(1))
		Eventually(notified.Commands).Should(Equal(1))
		Consistently(notified.Commands, 50*time.Millisecond).Should(Equal(1))
	})

	It("routes session operations to the backend", func() {
		start(session.ReconnectPolicy{})
		s := establish()

		Expect(s.Execute("readRpm")).To(Succeed())
		Expect(s.SendLocation(13.405, 52.52)).To(Succeed())
		Expect(s.RefreshCommands()).To(Succeed())
		Expect(s.Execute("")).To(HaveOccurred())
		Expect(s.SendLocation(200, 0)).To(HaveOccurred())

		calls := cloud.snapshot()
		Expect(calls.executed).To(Equal([]model.Command{{SessionID: "sess-123", Name: "readRpm"}}))
		Expect(calls.positions).To(Equal([]model.PositionCommand{{SessionID: "sess-123", Longitude: 13.405, Latitude: 52.52}}))
		Expect(calls.refreshes).To(Equal([]string{"sess-123", "sess-123"}))
	})

	It("rejects a second Connect", func() {
		start(session.ReconnectPolicy{})
		Expect(bridge.Connect(model.NewLogin("client-1"))).To(MatchError(protocol.ErrAlreadyStarted))
	})

	It("tears down and rescans when the adapter disconnects", func() {
		start(session.ReconnectPolicy{})
		s := establish()
		disconnectsBefore := cloud.snapshot().disconnects

		adapter.callbacks.OnDisconnected()

		Eventually(notified.Disconnected).Should(Equal(1))
		Eventually(adapter.Connects).Should(Equal(2))
		Expect(cloud.snapshot().disconnects).To(Equal(disconnectsBefore + 1))
		Expect(bridge.State()).To(Equal(session.StateBleConnecting))
		Expect(bridge.Session()).To(BeNil())

		Expect(s.Active()).To(BeFalse())
		Expect(s.Execute("readRpm")).To(MatchError(protocol.ErrSessionClosed))
		Expect(s.SendLocation(1, 1)).To(MatchError(protocol.ErrSessionClosed))
		Expect(s.RefreshCommands()).To(MatchError(protocol.ErrSessionClosed))
		Expect(cloud.snapshot().executed).To(BeEmpty())
	})

	It("drops the adapter when the backend closes", func() {
		start(session.ReconnectPolicy{})
		establish()

		cloud.callbacks.OnClosed(errors.New("connection reset"))

		Eventually(notified.Disconnected).Should(Equal(1))
		Eventually(adapter.Disconnects).Should(Equal(1))
		Eventually(adapter.Connects).Should(Equal(2))
		Expect(cloud.snapshot().disconnects).To(Equal(1))
	})

	It("ignores callbacks from a torn down backend episode", func() {
		start(session.ReconnectPolicy{})
		establish()
		adapter.callbacks.OnDisconnected()
		Eventually(adapter.Connects).Should(Equal(2))

		// The old socket reports late. None of this may affect the new episode.
		cloud.callbacks.OnData([]byte("stale"))
		cloud.callbacks.OnClosed(errors.New("late close"))
		Consistently(notified.Disconnected, 50*time.Millisecond).Should(Equal(1))
		Expect(adapter.Written()).To(BeEmpty())

		adapter.callbacks.OnConnected()
		Eventually(func() int { return cloud.snapshot().logins }).Should(Equal(2))
		cloud.callbacks.OnOpen()
		cloud.callbacks.OnInitialized([]byte("sess-456"))
		Eventually(notified.Connected).Should(Equal(2))
		Expect(notified.Latest().ID()).To(Equal("sess-456"))
	})

	It("drops events and commands that arrive after their session ended", func() {
		start(session.ReconnectPolicy{})
		establish()
		onEvent, onCommands := cloud.handlers()

		adapter.callbacks.OnDisconnected()
		Eventually(bridge.State).Should(Equal(session.StateBleConnecting))

		event, err := model.DecodeEvent([]byte(`{"id":"1","name":"de.autostars.domain.SpeedRead","attributes":{"kmh":42}}`))
		Expect(err).NotTo(HaveOccurred())
		onCommands(model.AvailableCommands{Commands: []string{"stale"}}, nil)
		onEvent(event)
		Consistently(notified.Commands, 50*time.Millisecond).Should(Equal(0))
		Expect(notified.Events()).To(Equal(0))

		// A reply still in flight from the first session must not leak into the second one.
		adapter.callbacks.OnConnected()
		Eventually(func() int { return cloud.snapshot().logins }).Should(Equal(2))
		cloud.callbacks.OnInitialized([]byte("sess-456"))
		Eventually(notified.Connected).Should(Equal(2))
		onCommands(model.AvailableCommands{Commands: []string{"stale"}}, nil)
		onEvent(event)
		Consistently(notified.Commands, 50*time.Millisecond).Should(Equal(0))
		Expect(notified.Events()).To(Equal(0))

		current, _ := cloud.handlers()
		current(event)
		Eventually(notified.Events).Should(Equal(1))
	})

	It("treats a malformed handshake as a backend failure", func() {
		start(session.ReconnectPolicy{})
		Eventually(adapter.Connects).Should(Equal(1))
		adapter.callbacks.OnConnected()
		Eventually(bridge.State).Should(Equal(session.StateBackendConnecting))
		cloud.callbacks.OnInitialized([]byte("   \n"))

		Eventually(notified.Disconnected).Should(Equal(1))
		Eventually(adapter.Connects).Should(Equal(2))
		Expect(notified.Connected()).To(Equal(0))
	})

	It("waits between attempts and gives up after MaxAttempts", func() {
		start(session.ReconnectPolicy{Delay: 50 * time.Millisecond, MaxAttempts: 2})
		Eventually(adapter.Connects).Should(Equal(1))

		adapter.callbacks.OnConnected()
		Eventually(bridge.State).Should(Equal(session.StateBackendConnecting))
		adapter.callbacks.OnDisconnected()
		Eventually(notified.Disconnected).Should(Equal(1))
		Expect(adapter.Connects()).To(Equal(1))
		Eventually(adapter.Connects).Should(Equal(2))

		adapter.callbacks.OnConnected()
		Eventually(bridge.State).Should(Equal(session.StateBackendConnecting))
		adapter.callbacks.OnDisconnected()
		Eventually(adapter.Connects, time.Second).Should(Equal(3))

		adapter.callbacks.OnConnected()
		Eventually(bridge.State).Should(Equal(session.StateBackendConnecting))
		adapter.callbacks.OnDisconnected()
		Eventually(bridge.State).Should(Equal(session.StateDisconnected))
		Consistently(adapter.Connects, 300*time.Millisecond).Should(Equal(3))
		Expect(notified.Disconnected()).To(Equal(3))

		// Connect may be called again once the orchestrator gave up.
		Expect(bridge.Connect(model.NewLogin("client-1"))).To(Succeed())
		Eventually(adapter.Connects).Should(Equal(4))
	})

	It("resets the attempt counter after a successful handshake", func() {
		start(session.ReconnectPolicy{MaxAttempts: 1})
		establish()
		adapter.callbacks.OnDisconnected()
		Eventually(adapter.Connects).Should(Equal(2))

		adapter.callbacks.OnConnected()
		Eventually(func() int { return cloud.snapshot().logins }).Should(Equal(2))
		cloud.callbacks.OnInitialized([]byte("sess-456"))
		Eventually(notified.Connected).Should(Equal(2))

		adapter.callbacks.OnDisconnected()
		Eventually(adapter.Connects).Should(Equal(3))
	})

	It("does not notify after an explicit Disconnect", func() {
		start(session.ReconnectPolicy{})
		s := establish()

		bridge.Disconnect()

		Expect(bridge.State()).To(Equal(session.StateDisconnected))
		Expect(s.Active()).To(BeFalse())
		Expect(adapter.Disconnects()).To(Equal(1))
		Expect(cloud.snapshot().disconnects).To(Equal(1))

		adapter.callbacks.OnDisconnected()
		Consistently(notified.Disconnected, 50*time.Millisecond).Should(Equal(0))
		Expect(adapter.Connects()).To(Equal(1))
	})

	It("cancels a pending reconnect on Disconnect", func() {
		start(session.ReconnectPolicy{Delay: 50 * time.Millisecond})
		establish()
		adapter.callbacks.OnDisconnected()
		Eventually(notified.Disconnected).Should(Equal(1))

		bridge.Disconnect()
		Consistently(adapter.Connects, 150*time.Millisecond).Should(Equal(1))
	})

	It("closes the backend and refuses Connect after Close", func() {
		start(session.ReconnectPolicy{})
		establish()

		bridge.Close()

		Expect(cloud.snapshot().closed).To(BeTrue())
		Expect(bridge.Connect(model.NewLogin("client-1"))).To(MatchError(protocol.ErrStopped))
	})
})
