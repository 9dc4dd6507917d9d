package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/cli"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
	"github.com/autostars/obd-bridge/pkg/session"
)

var ErrNoSession = errors.New("no active session, wait for the adapter and backend to connect")

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * The bridge scans for an adapter, logs in to the backend and relays until interrupted.
 * With a COMMAND, the bridge runs it once the session is established and exits.
 * Without a COMMAND, an interactive shell is started. Type 'exit' to quit.
 * 'store-token' reads a login token from standard input and saves it to the configured keyring
   entry or token file. 'forget-token' removes it.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] [COMMAND [ARG...]]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

// bridge adapts an Orchestrator to the shell and prints its notifications.
type bridge struct {
	orchestrator *session.Orchestrator
	out          io.Writer
	connected    chan struct{}
	once         sync.Once

	lock      sync.Mutex
	available model.AvailableCommands
}

func newBridge(out io.Writer) *bridge {
	return &bridge{out: out, connected: make(chan struct{})}
}

func (b *bridge) handler() session.Handler {
	return session.Handler{
		OnConnected: func(s *session.Session) {
			fmt.Fprintf(b.out, "Connected, session %s\n", s.ID())
			b.once.Do(func() { close(b.connected) })
		},
		OnDisconnected: func() {
			fmt.Fprintln(b.out, "Disconnected, reconnecting...")
			b.lock.Lock()
			b.available = model.AvailableCommands{}
			b.lock.Unlock()
		},
		OnEvent: func(event model.DiagnosticEvent) {
			fmt.Fprintf(b.out, "event: %s\n", formatEvent(event))
		},
		OnAvailableCommands: func(commands model.AvailableCommands) {
			b.lock.Lock()
			b.available = commands
			b.lock.Unlock()
			log.Info("Backend offers %d commands", len(commands.Commands))
		},
	}
}

func (b *bridge) waitConnected(timeout time.Duration) error {
	select {
	case <-b.connected:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no session after %s (state %s)", timeout, b.State())
	}
}

func (b *bridge) session() (*session.Session, error) {
	if s := b.orchestrator.Session(); s != nil {
		return s, nil
	}
	return nil, ErrNoSession
}

func (b *bridge) State() session.State {
	return b.orchestrator.State()
}

func (b *bridge) SessionID() string {
	if s := b.orchestrator.Session(); s != nil {
		return s.ID()
	}
	return ""
}

func (b *bridge) AvailableCommands() model.AvailableCommands {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.available
}

func (b *bridge) Execute(name string) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	return s.Execute(name)
}

func (b *bridge) SendLocation(longitude, latitude float64) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	return s.SendLocation(longitude, latitude)
}

func (b *bridge) RefreshCommands() error {
	s, err := b.session()
	if err != nil {
		return err
	}
	return s.RefreshCommands()
}

// runTokenCommand handles the commands that manage the stored login token. They run without a
// session.
func runTokenCommand(config *cli.Config, name string, in io.Reader) error {
	switch name {
	case "store-token":
		token, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("%w: empty token", ErrCommandLineArgs)
		}
		return config.SaveToken(token)
	case "forget-token":
		return config.ForgetToken()
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

func runCommand(out io.Writer, bridge Executor, args []string) int {
	if err := execute(out, bridge, args); err != nil {
		if errors.Is(err, protocol.ErrSessionClosed) || errors.Is(err, ErrNoSession) {
			writeErr("Session not available: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(in io.Reader, out io.Writer, bridge Executor) int {
	scanner := bufio.NewScanner(in)
	for fmt.Fprintf(out, "> "); scanner.Scan(); fmt.Fprintf(out, "> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(out, args[1])
					continue
				}
			}
			for _, name := range sortedCommandNames() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			continue
		}
		runCommand(out, bridge, args)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func sortedCommandNames() []string {
	names := make([]string, 0, len(commands)+1)
	for name := range commands {
		names = append(names, name)
	}
	names = append(names, "exit")
	sort.Strings(names)
	return names
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug       bool
		connTimeout time.Duration
	)
	config, err := cli.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&connTimeout, "connect-timeout", time.Minute, "Set timeout for establishing the first session before running a COMMAND.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("OBD_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	config.ReadFromEnvironment()
	if err := config.LoadFile(); err != nil {
		writeErr("Error loading configuration: %s", err)
		return
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				status = 0
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(os.Stdout, args[1])
			status = 0
			return
		}
		if args[0] == "store-token" || args[0] == "forget-token" {
			if err := runTokenCommand(config, args[0], os.Stdin); err != nil {
				writeErr("Failed to execute command: %s", err)
				return
			}
			status = 0
			return
		}
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	b := newBridge(os.Stdout)
	b.orchestrator, err = config.Connect(b.handler())
	if err != nil {
		writeErr("Error: %s", err)
		// Error isn't wrapped so we have to check for a substring explicitly.
		if strings.Contains(err.Error(), "operation not permitted") {
			// The underlying BLE package calls HCIDEVDOWN on the BLE device, presumably as a
			// heavy-handed way of dealing with devices that are in a bad state.
			writeErr("\nTry again after granting this application CAP_NET_ADMIN:\n\n\tsudo setcap 'cap_net_admin=eip' \"$(which %s)\"\n", os.Args[0])
		}
		config.Close()
		return
	}
	defer config.Close()
	defer b.orchestrator.Close()

	if len(args) > 0 {
		if err := b.waitConnected(connTimeout); err != nil {
			writeErr("Error: %s", err)
			return
		}
		status = runCommand(os.Stdout, b, args)
	} else {
		status = runInteractiveShell(os.Stdin, os.Stdout, b)
	}
}
