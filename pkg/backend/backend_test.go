package backend_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/autostars/obd-bridge/pkg/backend"
	"github.com/autostars/obd-bridge/pkg/connector/inet"
	"github.com/autostars/obd-bridge/pkg/connector/socket"
	"github.com/autostars/obd-bridge/pkg/model"
)

const rpmEvent = `{"id":"1","name":"de.autostars.domain.RpmNumberRead","timestamp":"2023-01-01T00:00:00.00Z","aggregateId":"a1","aggregateRevision":1,"attributes":{"number":"2400"}}`

// fakeAPI records REST calls and serves one event per stream connection.
type fakeAPI struct {
	mu        sync.Mutex
	outages   int
	commands  int
	executed  []model.Command
	positions []model.PositionCommand
	streams   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/commands":
		f.commands++
		if f.outages > 0 {
			f.outages--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"commands":["readRpm","readSpeed"]}`)
	case "/execute":
		var c model.Command
		json.NewDecoder(r.Body).Decode(&c)
		f.executed = append(f.executed, c)
	case "/position":
		var p model.PositionCommand
		json.NewDecoder(r.Body).Decode(&p)
		f.positions = append(f.positions, p)
	case "/events":
		f.streams++
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: not json\n\ndata: %s\n\n", rpmEvent)
		w.(http.Flusher).Flush()
		f.mu.Unlock()
		<-r.Context().Done()
		f.mu.Lock()
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type calls struct {
	commands  int
	executed  []model.Command
	positions []model.PositionCommand
	streams   int
}

func (f *fakeAPI) snapshot() calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return calls{
		commands:  f.commands,
		executed:  append([]model.Command{}, f.executed...),
		positions: append([]model.PositionCommand{}, f.positions...),
		streams:   f.streams,
	}
}

var _ = Describe("Link", func() {
	var (
		listener    net.Listener
		api         *fakeAPI
		server      *httptest.Server
		link        *backend.Link
		initialized chan string
		relayed     chan []byte
		closed      chan error
		events      chan model.DiagnosticEvent
		commands    chan model.AvailableCommands
	)

	accept := func() (net.Conn, *bufio.Reader) {
		conn, err := listener.Accept()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { conn.Close() })
		return conn, bufio.NewReader(conn)
	}

	BeforeEach(func() {
		var err error
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { listener.Close() })

		api = &fakeAPI{}
		server = httptest.NewServer(api)
		DeferCleanup(server.Close)

		initialized = make(chan string, 10)
		relayed = make(chan []byte, 10)
		closed = make(chan error, 10)
		events = make(chan model.DiagnosticEvent, 10)
		commands = make(chan model.AvailableCommands, 10)

		link, err = backend.New(backend.Config{
			Socket:           socket.Config{Address: listener.Addr().String()},
			API:              inet.Config{BaseURL: server.URL},
			EventRetry:       10 * time.Millisecond,
			PositionInterval: time.Hour,
		}, backend.Callbacks{
			OnInitialized: func(reply []byte) { initialized <- string(reply) },
			OnData:        func(p []byte) { relayed <- p },
			OnClosed:      func(err error) { closed <- err },
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(link.Close)
	})

	It("logs in and reports the session id", func() {
		Expect(link.Connect(model.NewLogin("abc"))).To(Succeed())
		conn, r := accept()

		line, err := r.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal(`{"clientId":"abc","payload":{}}` + "\n"))

		_, err = conn.Write([]byte("sess-123\n"))
		Expect(err).NotTo(HaveOccurred())
		Eventually(initialized).Should(Receive(Equal("sess-123")))

		_, err = conn.Write([]byte("41 0C 1A F8\r"))
		Expect(err).NotTo(HaveOccurred())
		Eventually(relayed).Should(Receive(Equal([]byte("41 0C 1A F8\r"))))

		Expect(link.Write([]byte("010C\r"))).To(Succeed())
		buf := make([]byte, 5)
		_, err = io.ReadFull(r, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("010C\r"))
	})

	It("repeats the login handshake after a reconnect", func() {
		for _, id := range []string{"sess-123", "sess-456"} {
			Expect(link.Connect(model.NewLogin("abc"))).To(Succeed())
			conn, r := accept()

			Expect(link.Write([]byte("early"))).To(Succeed())
			line, err := r.ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal(`{"clientId":"abc","payload":{}}` + "\n"))

			_, err = conn.Write([]byte(id + "\n"))
			Expect(err).NotTo(HaveOccurred())
			Eventually(initialized).Should(Receive(Equal(id)))
			Consistently(relayed, 50*time.Millisecond).ShouldNot(Receive())

			// The write queued before the handshake was dropped.
			Expect(link.Write([]byte("010C\r"))).To(Succeed())
			buf := make([]byte, 5)
			_, err = io.ReadFull(r, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf)).To(Equal("010C\r"))

			link.Disconnect()
		}
		Expect(closed).NotTo(Receive())
	})

	It("reports the backend closing the socket", func() {
		Expect(link.Connect(model.NewLogin("abc"))).To(Succeed())
		conn, _ := accept()
		conn.Close()
		Eventually(closed).Should(Receive(HaveOccurred()))
	})

	It("delivers available commands once per request", func() {
		link.GetAvailableCommands("sess-123", func(c model.AvailableCommands, err error) {
			if err == nil {
				commands <- c
			}
		})
		Eventually(commands).Should(Receive(HaveField("Commands", ConsistOf("readRpm", "readSpeed"))))
		Consistently(commands, 100*time.Millisecond).ShouldNot(Receive())
		Expect(api.snapshot().commands).To(Equal(1))
	})

	It("retries available commands once after a temporary failure", func() {
		api.mu.Lock()
		api.outages = 1
		api.mu.Unlock()

		link.GetAvailableCommands("sess-123", func(c model.AvailableCommands, err error) {
			if err == nil {
				commands <- c
			}
		})
		Eventually(commands, 3*time.Second).Should(Receive(HaveField("Commands", ConsistOf("readRpm", "readSpeed"))))
		Expect(api.snapshot().commands).To(Equal(2))
	})

	It("skips malformed events and keeps the stream open", func() {
		link.ListenOnEventStream(model.Challenge{ID: "sess-123", Token: "tok"}, func(e model.DiagnosticEvent) { events <- e })

		var event model.DiagnosticEvent
		Eventually(events).Should(Receive(&event))
		Expect(event.ShortName()).To(Equal("RpmNumberRead"))
		Expect(event.AttributeString("number")).To(Equal("2400"))
		Consistently(func() int { return api.snapshot().streams }, 100*time.Millisecond).Should(Equal(1))

		link.Disconnect()
		Consistently(events, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("fires commands and positions without surfacing errors", func() {
		link.ExecuteCommand(model.Command{SessionID: "sess-123", Name: "readRpm"})
		link.ExecuteCommand(model.Command{Name: "invalid"})
		link.SendCurrentLocation(model.PositionCommand{SessionID: "sess-123", Longitude: 13.4, Latitude: 52.5})
		link.SendCurrentLocation(model.PositionCommand{SessionID: "sess-123", Longitude: 13.5, Latitude: 52.6})

		Eventually(func() int { return len(api.snapshot().executed) }).Should(Equal(1))
		Eventually(func() int { return len(api.snapshot().positions) }).Should(Equal(1))
		Consistently(func() int { return len(api.snapshot().positions) }, 100*time.Millisecond).Should(Equal(1))
		Expect(api.snapshot().executed[0].Name).To(Equal("readRpm"))
		Expect(api.snapshot().positions[0].Longitude).To(Equal(13.4))
	})
})
