package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/cmd/mihome/interactive"
	"github.com/mihome-bridge/mihome-bridge/internal/device"
	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/internal/trace"
	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
	"github.com/mihome-bridge/mihome-bridge/pkg/miot"
)

const usage = `Usage:
  mihome [flags] device <id> <model> <address> <token> [refresh]
  mihome trace <file.mtrace>

Flags:
`

func main() {
	var (
		specDir     string
		bind        string
		logLevel    string
		traceDir    string
		shellMode   bool
	)
	flag.StringVar(&specDir, "spec", envOr("MIHOME_SPEC_DIR", "./miot-spec"), "capability catalogue directory")
	flag.StringVar(&bind, "bind", "", "local UDP address")
	flag.StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	flag.StringVar(&traceDir, "trace", "", "write a packet trace to this directory")
	flag.BoolVar(&shellMode, "i", false, "open an interactive shell")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "device":
		err = runDevice(args[1:], specDir, bind, traceDir, shellMode)
	case "trace":
		err = runTrace(args[1:], os.Stdout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(args[0])
	}
}

func runDevice(args []string, specDir, bind, traceDir string, shell bool) error {
	if len(args) < 4 {
		flag.Usage()
		os.Exit(2)
	}

	id, model, address := args[0], args[1], args[2]
	did, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", id, err)
	}
	token, err := miio.ParseToken(args[3])
	if err != nil {
		return err
	}
	var refresh time.Duration
	if len(args) > 4 {
		if refresh, err = time.ParseDuration(args[4]); err != nil {
			return fmt.Errorf("invalid refresh interval: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport, err := protocol.NewUDPTransport(bind, protocol.DevicePort)
	if err != nil {
		return err
	}
	defer transport.Close()

	engine := protocol.NewEngine(protocol.DefaultConfig(), transport)
	if traceDir != "" {
		tracer, err := trace.NewFileTracer(traceDir)
		if err != nil {
			return err
		}
		defer tracer.Close()
		engine.SetTracer(tracer)
	}
	go transport.Serve(ctx, engine.HandleDatagram)

	engine.SetCredentials(address, miio.DeviceID(did), token)
	d := device.New(device.Options{ID: id, Model: model, Address: address, Refresh: refresh}, engine)
	defer d.Destroy()

	d.Subscribe(func(ev device.Event) {
		e := log.Info().Str("event", ev.Name())
		switch ev.Type {
		case device.EventProperties:
			e = e.Interface("properties", ev.Properties)
		case device.EventChange:
			e = e.Interface("changes", ev.Changes)
		case device.EventPropertyChange:
			e = e.Interface("current", ev.Change.Current).Interface("previous", ev.Change.Previous)
			if ev.Change.Unit != "" {
				e = e.Str("unit", ev.Change.Unit)
			}
		case device.EventUnavailable:
			e = e.Str("reason", ev.Reason)
		}
		e.Msg(id)
	})

	props, err := d.Init(ctx, miot.NewDirProvider(specDir))
	if err != nil {
		return err
	}
	log.Info().Int("properties", len(props)).Bool("available", d.Available()).Msg("initialized")

	if shell {
		sh, err := interactive.New(d)
		if err != nil {
			return err
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: sh.Stdout(), TimeFormat: time.TimeOnly})
		sh.Run(ctx, cancel)
		return nil
	}

	<-ctx.Done()
	return nil
}

func runTrace(args []string, out io.Writer) error {
	if len(args) != 1 {
		flag.Usage()
		os.Exit(2)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	r := trace.NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rec.String())
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
