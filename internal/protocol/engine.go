package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

// Transport delivers datagrams to an appliance address
type Transport interface {
	SendTo(ctx context.Context, address string, data []byte) error
}

// Direction of a traced packet
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Tracer receives every raw datagram the engine sends or accepts
type Tracer interface {
	TracePacket(dir Direction, address string, data []byte)
}

// CallOption customizes a single call
type CallOption func(*callOptions)

type callOptions struct {
	retries  int
	sid      string
	suppress bool
}

// WithRetries sets how many times an unanswered request is resent
func WithRetries(n int) CallOption {
	return func(o *callOptions) {
		if n < 0 {
			n = 0
		}
		o.retries = n
	}
}

// WithSID addresses a sub-device behind a gateway
func WithSID(sid string) CallOption {
	return func(o *callOptions) { o.sid = sid }
}

// WithSuppress logs the final timeout at trace level instead of error
func WithSuppress() CallOption {
	return func(o *callOptions) { o.suppress = true }
}

// Engine speaks the encrypted request/reply protocol with appliances
type Engine struct {
	cfg       Config
	transport Transport
	registry  *Registry
	tracer    Tracer
	now       func() time.Time
}

// NewEngine creates an engine sending through transport
func NewEngine(cfg Config, transport Transport) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		registry:  NewRegistry(),
		now:       time.Now,
	}
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// SetTracer installs a packet tracer. It must be called before traffic starts.
func (e *Engine) SetTracer(t Tracer) {
	e.tracer = t
}

// SetCredentials records the device id and token for an address
func (e *Engine) SetCredentials(address string, id miio.DeviceID, token miio.Token) {
	e.registry.SetCredentials(SessionKey(address, e.cfg.DevicePort), id, token)
}

// Sessions lists the known device sessions
func (e *Engine) Sessions() []SessionInfo {
	return e.registry.Sessions(e.now())
}

// Send performs one call and returns the raw result
func (e *Engine) Send(ctx context.Context, address, method string, params interface{}, opts ...CallOption) (json.RawMessage, error) {
	if address == "" {
		return nil, ErrMissingAddress
	}
	address = SessionKey(address, e.cfg.DevicePort)

	o := callOptions{retries: e.cfg.Retries}
	for _, opt := range opts {
		opt(&o)
	}

	s := e.registry.GetOrCreate(address)
	req := miio.Request{Method: method, Params: params, SID: o.sid}
	log.Trace().Str("address", address).Str("method", method).Interface("params", params).Msg("call")

	// One waiter channel for the whole call: a late reply to an earlier id still counts.
	replies := make(chan *miio.Reply, 1)
	var id uint32
	attempts := o.retries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := e.ensureHandshake(ctx, s); err != nil {
			if errors.Is(err, ErrHandshakeTimeout) {
				log.Debug().Str("address", address).Int("attempt", attempt).Msg("handshake timed out")
				continue
			}
			s.unregister(id)
			return nil, err
		}

		id = s.register(id, replies)
		req.ID = id

		data, err := e.encode(s, req)
		if err != nil {
			s.unregister(id)
			return nil, err
		}

		log.Trace().Str("address", address).Uint32("id", id).Int("retries_left", attempts-attempt).Msg("->")
		e.tracePacket(DirectionOut, address, data)
		if err := e.transport.SendTo(ctx, address, data); err != nil {
			s.unregister(id)
			return nil, &TransportError{Address: address, Err: err}
		}

		timer := time.NewTimer(e.cfg.Timeout)
		select {
		case reply := <-replies:
			timer.Stop()
			if reply.Kind == miio.ReplyResult {
				return reply.Result, nil
			}
			return nil, reply.Err
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.unregister(id)
			return nil, ctx.Err()
		}
	}

	s.unregister(id)
	err := &TimeoutError{Address: address, Method: method, Attempts: attempts}
	level := zerolog.ErrorLevel
	if o.suppress {
		level = zerolog.TraceLevel
	}
	log.WithLevel(level).Str("address", address).Str("method", method).
		Interface("params", params).Msg("reached maximum number of retries, giving up")
	return nil, err
}

func (e *Engine) encode(s *DeviceSession, req miio.Request) ([]byte, error) {
	payload, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	creds := s.Credentials()
	data, err := miio.Encode(creds, payload, e.now())
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", s.Address, err)
	}
	return data, nil
}

// HandleDatagram processes one inbound datagram from address
func (e *Engine) HandleDatagram(address string, data []byte) {
	e.tracePacket(DirectionIn, address, data)
	s := e.registry.GetOrCreate(address)

	p, err := miio.Decode(s.Credentials(), data)
	if err != nil {
		log.Error().Err(err).Str("address", address).Msg("unable to parse packet")
		return
	}
	e.observe(s, p)

	if p.Handshake {
		log.Trace().Str("address", address).Msg("<- handshake reply")
		return
	}

	reply, err := miio.ParseReply(p.Payload)
	if err != nil {
		log.Error().Err(err).Str("address", address).Msg("invalid reply")
		return
	}
	log.Debug().Str("address", address).Uint32("id", reply.ID).Str("kind", reply.Kind.String()).Msg("<- data")

	if !s.resolve(reply) {
		log.Debug().Str("address", address).Uint32("id", reply.ID).Msg("no pending call for reply")
	}
}

// observe applies the identity and clock carried by an authenticated packet
func (e *Engine) observe(s *DeviceSession, p *miio.Packet) {
	now := e.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.DeviceID != 0 && p.DeviceID != s.creds.DeviceID {
		log.Debug().Str("address", s.Address).
			Stringer("was", s.creds.DeviceID).Stringer("now", p.DeviceID).Msg("device id updated")
		s.creds.DeviceID = p.DeviceID
	}
	if p.Stamp > 0 {
		s.creds.Stamp = p.Stamp
		s.creds.StampAt = now
	}
	if p.Handshake {
		if s.creds.StampAt.IsZero() || p.Stamp == 0 {
			s.creds.StampAt = now
		}
		finishHandshakeLocked(s, s.handshake, nil)
	}
}

func (e *Engine) tracePacket(dir Direction, address string, data []byte) {
	if e.tracer != nil {
		e.tracer.TracePacket(dir, address, data)
	}
}
