// Package interactive provides the interactive shell of the mihome CLI.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mihome-bridge/mihome-bridge/internal/device"
)

const callTimeout = 15 * time.Second

// Shell drives one device from the terminal
type Shell struct {
	dev *device.Device
	rl  *readline.Instance
	out io.Writer
}

// New creates a shell for d
func New(d *device.Device) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          d.ID() + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(d),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{dev: d, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that coordinates with the prompt
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the command loop
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if !s.exec(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// exec runs one command line and reports whether the shell should continue
func (s *Shell) exec(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "props", "p":
		s.cmdProps()
	case "defs", "d":
		s.cmdDefs()
	case "get", "g":
		s.cmdGet(args)
	case "set", "s":
		s.cmdSet(ctx, args)
	case "call", "c":
		s.cmdCall(ctx, args)
	case "refresh", "r":
		s.cmdRefresh(ctx)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Commands:
  props                  - Show the last observed values
  defs                   - List property definitions
  get <key>              - Show one property
  set <key> <value>      - Write a property (value is JSON or a bare word)
  call <method> [params] - Send a raw call (params as JSON)
  refresh                - Read every property from the device
  help                   - Show this help
  quit                   - Exit`)
}

func (s *Shell) cmdProps() {
	snap := s.dev.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(s.out, "  %-40s %s\n", k, format(snap[k]))
	}
	if !s.dev.Available() {
		fmt.Fprintln(s.out, "  (device unavailable)")
	}
}

func (s *Shell) cmdDefs() {
	for _, def := range s.dev.Definitions() {
		access := make([]string, 0, len(def.Property.Access))
		for _, a := range def.Property.Access {
			access = append(access, string(a))
		}
		fmt.Fprintf(s.out, "  %-40s %d.%-3d %-7s %-20s %s\n",
			def.Key, def.SIID, def.PIID, def.Property.Format, strings.Join(access, ","), def.Property.Unit)
	}
}

func (s *Shell) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: get <key>")
		return
	}
	if _, ok := s.dev.Definition(args[0]); !ok {
		fmt.Fprintf(s.out, "Unknown property: %s\n", args[0])
		return
	}
	v, _ := s.dev.Property(args[0])
	fmt.Fprintf(s.out, "%s = %s\n", args[0], format(v))
}

func (s *Shell) cmdSet(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: set <key> <value>")
		fmt.Fprintln(s.out, "  Example: set air-purifier:on true")
		return
	}

	value := ParseValue(strings.Join(args[1:], " "))

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := s.dev.SetProperty(ctx, args[0], value, device.SetOptions{}); err != nil {
		fmt.Fprintf(s.out, "Set failed: %v\n", err)
		return
	}
	v, _ := s.dev.Property(args[0])
	fmt.Fprintf(s.out, "OK %s = %s\n", args[0], format(v))
}

func (s *Shell) cmdCall(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: call <method> [params]")
		fmt.Fprintln(s.out, `  Example: call get_properties [{"did":"1","siid":2,"piid":1}]`)
		return
	}

	var params interface{}
	if len(args) > 1 {
		raw := strings.Join(args[1:], " ")
		if !json.Valid([]byte(raw)) {
			fmt.Fprintln(s.out, "Params must be valid JSON")
			return
		}
		params = json.RawMessage(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	result, err := s.dev.Call(ctx, args[0], params)
	if err != nil {
		fmt.Fprintf(s.out, "Call failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, string(result))
}

func (s *Shell) cmdRefresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := s.dev.LoadProperties(ctx, nil, device.LoadOptions{}); err != nil {
		fmt.Fprintf(s.out, "Refresh failed: %v\n", err)
		return
	}
	s.cmdProps()
}

// ParseValue reads JSON when possible and falls back to a plain string
func ParseValue(s string) interface{} {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return strings.Trim(s, "\"'")
}

func format(v interface{}) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func completer(d *device.Device) *readline.PrefixCompleter {
	keys := make([]readline.PrefixCompleterInterface, 0)
	for _, def := range d.Definitions() {
		keys = append(keys, readline.PcItem(def.Key))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("props"),
		readline.PcItem("defs"),
		readline.PcItem("get", keys...),
		readline.PcItem("set", keys...),
		readline.PcItem("call"),
		readline.PcItem("refresh"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}
