package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/session"
)

//go:generate mockgen -source=commands.go -destination=../../mocks/executor.go -package=mocks

// Executor is the running bridge as seen by the command shell.
type Executor interface {
	State() session.State
	// SessionID returns the identifier of the active session, or "" if there is none.
	SessionID() string
	AvailableCommands() model.AvailableCommands
	Execute(name string) error
	SendLocation(longitude, latitude float64) error
	RefreshCommands() error
}

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrUnsupported     = errors.New("command not offered by the backend for this adapter")
)

type Argument struct {
	name string
	help string
}

type Handler func(out io.Writer, bridge Executor, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

// GetDegree parses a coordinate and checks it lies within [-limit, limit].
func GetDegree(degStr string, limit float64) (float64, error) {
	deg, err := strconv.ParseFloat(degStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
	}
	if math.IsNaN(deg) || math.IsInf(deg, 0) || deg < -limit || deg > limit {
		return 0, fmt.Errorf("%w: %s outside [-%g, %g]", ErrCommandLineArgs, degStr, limit, limit)
	}
	return deg, nil
}

func execute(out io.Writer, bridge Executor, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(out, bridge, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(out, args[0])
	}
	return err
}

func (c *Command) Usage(out io.Writer, name string) {
	fmt.Fprintf(out, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(out, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(out, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(out, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(out, " ]")
	}
	fmt.Fprintf(out, "\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Fprintf(out, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Fprintf(out, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

// formatEvent renders an event as its short name followed by sorted key=value attributes.
func formatEvent(event model.DiagnosticEvent) string {
	keys := make([]string, 0, len(event.Attributes))
	for key := range event.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(event.ShortName())
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%s", key, event.Attributes[key])
	}
	return b.String()
}

var commands = map[string]*Command{
	"status": &Command{
		help: "Print the bridge state and the active session",
		handler: func(out io.Writer, bridge Executor, args map[string]string) error {
			fmt.Fprintf(out, "state:   %s\n", bridge.State())
			if id := bridge.SessionID(); id != "" {
				fmt.Fprintf(out, "session: %s\n", id)
			}
			return nil
		},
	},
	"commands": &Command{
		help: "List the commands the backend offers for the connected adapter",
		handler: func(out io.Writer, bridge Executor, args map[string]string) error {
			available := bridge.AvailableCommands()
			if len(available.Commands) == 0 {
				fmt.Fprintln(out, "No commands available (yet). Try 'refresh'.")
				return nil
			}
			names := append([]string{}, available.Commands...)
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	},
	"refresh": &Command{
		help: "Fetch the list of available commands again",
		handler: func(out io.Writer, bridge Executor, args map[string]string) error {
			return bridge.RefreshCommands()
		},
	},
	"execute": &Command{
		help: "Ask the backend to run a diagnostic command against the adapter",
		args: []Argument{
			Argument{name: "NAME", help: "command name, as listed by 'commands'"},
		},
		handler: func(out io.Writer, bridge Executor, args map[string]string) error {
			name := args["NAME"]
			if available := bridge.AvailableCommands(); len(available.Commands) > 0 && !available.Contains(name) {
				return fmt.Errorf("%w: %s", ErrUnsupported, name)
			}
			return bridge.Execute(name)
		},
	},
	"position": &Command{
		help: "Report the current location for the active session",
		args: []Argument{
			Argument{name: "LONGITUDE", help: "degrees east, in [-180, 180]"},
			Argument{name: "LATITUDE", help: "degrees north, in [-90, 90]"},
		},
		handler: func(out io.Writer, bridge Executor, args map[string]string) error {
			longitude, err := GetDegree(args["LONGITUDE"], 180)
			if err != nil {
				return err
			}
			latitude, err := GetDegree(args["LATITUDE"], 90)
			if err != nil {
				return err
			}
			return bridge.SendLocation(longitude, latitude)
		},
	},
}
