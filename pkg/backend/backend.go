// Package backend combines the relay socket and the HTTP API into a single link to the cloud
// backend.
//
// The socket carries the login handshake and the raw adapter traffic. The HTTP API carries
// commands, positions and the diagnostic event stream. REST calls are fire-and-forget: they run in
// the background and their failures are logged, never returned.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector"
	"github.com/autostars/obd-bridge/pkg/connector/inet"
	"github.com/autostars/obd-bridge/pkg/connector/socket"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

const defaultPositionInterval = time.Second

type Config struct {
	Socket socket.Config
	API    inet.Config
	// EventRetry is the initial delay before the event stream is reopened.
	EventRetry time.Duration
	// PositionInterval is the minimum spacing between position reports. Reports arriving faster
	// are dropped.
	PositionInterval time.Duration
}

// Callbacks receive the socket's notifications, in order, from the socket's owner goroutine.
type Callbacks struct {
	OnOpen        func()
	OnInitialized func(reply []byte)
	OnData        connector.DataHandler
	OnClosed      func(err error)
}

// CommandsHandler receives the result of one GetAvailableCommands call.
type CommandsHandler func(commands model.AvailableCommands, err error)

var _ connector.Connector = (*Link)(nil)

type Link struct {
	stream    *socket.Stream
	api       *inet.Client
	retry     time.Duration
	limiter   *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	requests sync.WaitGroup

	lock         sync.Mutex
	subscription *inet.Subscription
}

func New(config Config, callbacks Callbacks) (*Link, error) {
	api, err := inet.NewClient(config.API)
	if err != nil {
		return nil, err
	}
	if config.PositionInterval <= 0 {
		config.PositionInterval = defaultPositionInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		api:       api,
		retry:     config.EventRetry,
		limiter:   rate.NewLimiter(rate.Every(config.PositionInterval), 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.stream = socket.New(config.Socket, socket.Callbacks{
		OnOpen:        callbacks.OnOpen,
		OnInitialized: callbacks.OnInitialized,
		OnData:        callbacks.OnData,
		OnClosed:      callbacks.OnClosed,
	})
	return l, nil
}

// Connect opens the relay socket and logs in. Any previous connection is dropped first.
func (l *Link) Connect(login model.Login) error {
	line, err := login.Line()
	if err != nil {
		return fmt.Errorf("backend: unable to encode login: %w", err)
	}
	log.Info("backend: connecting as %s", login.ClientID)
	l.stream.Connect(line)
	return nil
}

// Write relays adapter traffic to the backend. Writes before the login handshake completes are
// dropped.
func (l *Link) Write(buffer []byte) error {
	return l.stream.Write(buffer)
}

// Disconnect closes the relay socket and the event stream.
func (l *Link) Disconnect() {
	l.stream.Disconnect()
	l.closeSubscription()
}

// Close disconnects and waits for outstanding REST calls, which are canceled.
func (l *Link) Close() {
	l.Disconnect()
	l.cancel()
	l.requests.Wait()
}

// ListenOnEventStream subscribes handler to the diagnostic events of challenge's session, replacing
// any earlier subscription. Events arrive from the subscription's goroutine.
func (l *Link) ListenOnEventStream(challenge model.Challenge, handler inet.EventHandler) {
	if handler == nil {
		handler = func(model.DiagnosticEvent) {}
	}

	l.closeSubscription()
	subscription := l.api.Subscribe(challenge, l.retry, handler)

	l.lock.Lock()
	previous := l.subscription
	l.subscription = subscription
	l.lock.Unlock()
	if previous != nil {
		previous.Close()
	}
}

func (l *Link) closeSubscription() {
	l.lock.Lock()
	subscription := l.subscription
	l.subscription = nil
	l.lock.Unlock()
	if subscription != nil {
		subscription.Close()
	}
}

// GetAvailableCommands fetches the session's commands in the background. done is called exactly
// once with the result.
func (l *Link) GetAvailableCommands(sessionID string, done CommandsHandler) {
	l.background("available commands", func(ctx context.Context) error {
		commands, err := l.api.AvailableCommands(ctx, sessionID)
		if protocol.ShouldRetry(err) {
			log.Debug("backend: retrying available commands: %s", err)
			select {
			case <-time.After(connector.DefaultRetryInterval):
				commands, err = l.api.AvailableCommands(ctx, sessionID)
			case <-ctx.Done():
			}
		}
		if done != nil {
			done(commands, err)
		}
		return err
	})
}

// ExecuteCommand submits command in the background.
func (l *Link) ExecuteCommand(command model.Command) {
	l.background("execute "+command.Name, func(ctx context.Context) error {
		return l.api.Execute(ctx, command)
	})
}

// SendCurrentLocation submits position in the background, unless a position was sent less than
// PositionInterval ago.
func (l *Link) SendCurrentLocation(position model.PositionCommand) {
	if !l.limiter.Allow() {
		log.Debug("backend: position (%f, %f) dropped: %s", position.Longitude, position.Latitude, protocol.ErrRateLimited)
		return
	}
	l.background("position", func(ctx context.Context) error {
		return l.api.SendPosition(ctx, position)
	})
}

func (l *Link) background(what string, request func(ctx context.Context) error) {
	l.requests.Add(1)
	go func() {
		defer l.requests.Done()
		if err := request(l.ctx); err != nil {
			switch {
			case protocol.MayHaveSucceeded(err):
				log.Warning("backend: %s failed but may have been applied: %s", what, err)
			case protocol.KindOf(err) == protocol.KindDecode:
				log.Error("backend: %s returned an invalid response: %s", what, err)
			case protocol.Temporary(err):
				log.Warning("backend: %s failed: %s", what, err)
			default:
				log.Error("backend: %s failed: %s", what, err)
			}
			return
		}
		log.Debug("backend: %s succeeded", what)
	}()
}
