// Package socket implements the backend's newline-framed TCP stream.
//
// Each connection episode is owned by one goroutine. It holds the outbound queue and the handshake
// state; the reader, the writer and callers reach it only through channels. The login line is
// always the first buffer written, and the first read is the backend's handshake reply.
package socket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/connector"
	"github.com/autostars/obd-bridge/pkg/protocol"
)

// DefaultAddress is the backend's relay endpoint.
const DefaultAddress = "autostars.de:8898"

const defaultDialTimeout = 15 * time.Second

// Dialer opens the underlying connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Address     string
	DialTimeout time.Duration
	// Dialer defaults to a *net.Dialer with TCP keep-alive enabled.
	Dialer Dialer
}

// Callbacks receive the Stream's notifications, in order, from the episode's owner goroutine.
type Callbacks struct {
	// OnOpen fires once the connection is established, before the login line is written.
	OnOpen func()
	// OnInitialized fires once per episode with the backend's handshake reply, newline excluded.
	OnInitialized func(reply []byte)
	// OnData fires for every read after the handshake, unmodified.
	OnData connector.DataHandler
	// OnClosed reports the end of an episode that was not ended by Disconnect.
	OnClosed func(err error)
}

var _ connector.Connector = (*Stream)(nil)

// Stream is a reconnectable TCP link to the backend. A Stream runs at most one episode at a time.
type Stream struct {
	config    Config
	callbacks Callbacks

	lock    sync.Mutex
	episode *episode
}

func New(config Config, callbacks Callbacks) *Stream {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return &Stream{config: config, callbacks: callbacks}
}

// Connect starts a new episode that logs in with login. A running episode is ended first, as by
// Disconnect. Connect returns immediately; OnOpen and OnInitialized report progress.
func (s *Stream) Connect(login []byte) {
	s.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	e := &episode{
		stream:   s,
		cancel:   cancel,
		login:    connector.Clone(login),
		writes:   make(chan []byte),
		finished: make(chan struct{}),
	}

	s.lock.Lock()
	s.episode = e
	s.lock.Unlock()

	go e.run(ctx)
}

// Write queues buffer for the backend. Buffers written before the handshake completes are dropped.
func (s *Stream) Write(buffer []byte) error {
	s.lock.Lock()
	e := s.episode
	s.lock.Unlock()
	if e == nil {
		return protocol.ErrNotConnected
	}
	select {
	case e.writes <- connector.Clone(buffer):
		return nil
	case <-e.finished:
		return protocol.ErrNotConnected
	}
}

// Disconnect ends the current episode and waits for its goroutines to stop. OnClosed is not called.
func (s *Stream) Disconnect() {
	s.lock.Lock()
	e := s.episode
	s.episode = nil
	s.lock.Unlock()
	if e == nil {
		return
	}
	e.cancel()
	<-e.finished
}

// Connected reports whether an episode is running.
func (s *Stream) Connected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.episode != nil
}

func (s *Stream) release(e *episode) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.episode == e {
		s.episode = nil
	}
}

type handshakeState int

const (
	stateOpening handshakeState = iota
	stateLoginQueued
	stateLoginSent
	stateAuthenticated
)

func (h handshakeState) String() string {
	switch h {
	case stateOpening:
		return "opening"
	case stateLoginQueued:
		return "login-queued"
	case stateLoginSent:
		return "login-sent"
	case stateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("handshakeState(%d)", int(h))
}

type readResult struct {
	data []byte
	err  error
}

type episode struct {
	stream   *Stream
	cancel   context.CancelFunc
	login    []byte
	writes   chan []byte
	finished chan struct{}
}

// run is the episode's owner goroutine.
func (e *episode) run(ctx context.Context) {
	defer close(e.finished)
	defer e.stream.release(e)

	config := e.stream.config
	callbacks := e.stream.callbacks

	conn, err := e.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warning("socket: failed to connect to %s: %s", config.Address, err)
		e.closed(ctx, protocol.TransportError(err, false))
		return
	}
	defer conn.Close()

	log.Info("socket: connected to %s", config.Address)
	if callbacks.OnOpen != nil {
		callbacks.OnOpen()
	}

	var (
		state    = stateOpening
		queue    [][]byte
		idle     = true
		reads    = make(chan readResult)
		outbound = make(chan []byte)
		written  = make(chan error)
		stopped  = make(chan struct{})
		workers  sync.WaitGroup
	)

	workers.Add(2)
	go func() {
		defer workers.Done()
		readLoop(conn, reads, stopped)
	}()
	go func() {
		defer workers.Done()
		writeLoop(conn, outbound, written, stopped)
	}()
	defer func() {
		close(stopped)
		conn.Close()
		workers.Wait()
	}()

	queue = append([][]byte{e.login}, queue...)
	state = stateLoginQueued

	for {
		if idle && len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			outbound <- next
			idle = false
			if state == stateLoginQueued {
				state = stateLoginSent
				log.Debug("socket: login sent")
			}
		}

		select {
		case <-ctx.Done():
			return

		case buffer := <-e.writes:
			if state != stateAuthenticated {
				log.Debug("socket: dropping %d bytes written while %s", len(buffer), state)
				continue
			}
			queue = append(queue, buffer)

		case err := <-written:
			idle = true
			if err != nil {
				e.closed(ctx, protocol.TransportError(fmt.Errorf("socket: write failed: %w", err), true))
				return
			}

		case r := <-reads:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					log.Info("socket: backend closed the connection")
				} else {
					log.Warning("socket: read failed: %s", r.err)
				}
				e.closed(ctx, protocol.TransportError(r.err, false))
				return
			}
			if state == stateAuthenticated {
				e.deliver(ctx, r.data)
				continue
			}

			reply, rest := splitLine(r.data)
			state = stateAuthenticated
			log.Debug("socket: handshake reply %q", reply)
			if ctx.Err() == nil && callbacks.OnInitialized != nil {
				callbacks.OnInitialized(reply)
			}
			if len(rest) > 0 {
				e.deliver(ctx, rest)
			}
		}
	}
}

type dialResult struct {
	conn net.Conn
	err  error
}

// dial connects while continuing to serve writers, so Write never blocks on a slow dial.
func (e *episode) dial(ctx context.Context) (net.Conn, error) {
	config := e.stream.config
	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	dialed := make(chan dialResult, 1)
	go func() {
		conn, err := config.Dialer.DialContext(dialCtx, "tcp", config.Address)
		dialed <- dialResult{conn, err}
	}()

	for {
		select {
		case buffer := <-e.writes:
			log.Debug("socket: dropping %d bytes written while %s", len(buffer), stateOpening)
		case r := <-dialed:
			if r.err == nil && ctx.Err() != nil {
				r.conn.Close()
				return nil, ctx.Err()
			}
			return r.conn, r.err
		}
	}
}

func (e *episode) deliver(ctx context.Context, data []byte) {
	if ctx.Err() != nil || e.stream.callbacks.OnData == nil {
		return
	}
	e.stream.callbacks.OnData(data)
}

// closed reports an episode ending on its own. Disconnect cancels ctx first, which suppresses it.
func (e *episode) closed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	e.stream.release(e)
	if e.stream.callbacks.OnClosed != nil {
		e.stream.callbacks.OnClosed(err)
	}
}

// splitLine returns data up to its first newline and whatever follows it. Without a newline the
// whole read is the line.
func splitLine(data []byte) (line, rest []byte) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return bytes.TrimRight(data, "\r"), nil
	}
	return bytes.TrimRight(data[:i], "\r"), data[i+1:]
}

func readLoop(conn net.Conn, reads chan<- readResult, stopped <-chan struct{}) {
	for {
		buf := make([]byte, connector.ReadBufferSize)
		n, err := conn.Read(buf)
		var r readResult
		if n > 0 {
			r.data = buf[:n]
		} else if err != nil {
			r.err = err
		} else {
			continue
		}
		select {
		case reads <- r:
		case <-stopped:
			return
		}
		if r.err != nil {
			return
		}
	}
}

// writeLoop writes one buffer per request and reports back, so the owner knows when the
// connection is writable again.
func writeLoop(conn net.Conn, outbound <-chan []byte, written chan<- error, stopped <-chan struct{}) {
	for {
		select {
		case buffer := <-outbound:
			log.Debug("socket: TX %d bytes", len(buffer))
			_, err := conn.Write(buffer)
			select {
			case written <- err:
			case <-stopped:
				return
			}
			if err != nil {
				return
			}
		case <-stopped:
			return
		}
	}
}
