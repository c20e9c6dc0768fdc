package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/device"
)

const commandTimeout = 10 * time.Second

// ErrUnknownDevice is returned for commands addressed to an unmanaged device
var ErrUnknownDevice = errors.New("unknown device")

// DeviceLookup resolves managed devices by id
type DeviceLookup interface {
	Device(id string) (*device.Device, bool)
}

// SetCommand is the payload of <prefix>.device.<id>.set
type SetCommand struct {
	Key         string      `json:"key"`
	Value       interface{} `json:"value"`
	SkipRefresh bool        `json:"skipRefresh,omitempty"`
}

// RefreshCommand is the optional payload of <prefix>.device.<id>.refresh
type RefreshCommand struct {
	Keys []string `json:"keys,omitempty"`
}

// CommandReply is sent back on request-reply subjects
type CommandReply struct {
	OK         bool                   `json:"ok"`
	Error      string                 `json:"error,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// CommandSubscriber serves device commands over NATS request-reply
type CommandSubscriber struct {
	nc      *nats.Conn
	devices DeviceLookup
	prefix  string
	subs    []*nats.Subscription
}

// NewCommandSubscriber creates NATS command subscriber
func NewCommandSubscriber(nc *nats.Conn, devices DeviceLookup, prefix string) *CommandSubscriber {
	return &CommandSubscriber{
		nc:      nc,
		devices: devices,
		prefix:  prefix,
		subs:    make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx is done
func (s *CommandSubscriber) Start(ctx context.Context) error {
	// Subscribe to property writes
	sub1, err := s.nc.Subscribe(s.prefix+".device.*.set", s.handleSet)
	if err != nil {
		return fmt.Errorf("subscribe set: %w", err)
	}
	s.subs = append(s.subs, sub1)

	// Subscribe to refresh requests
	sub2, err := s.nc.Subscribe(s.prefix+".device.*.refresh", s.handleRefresh)
	if err != nil {
		return fmt.Errorf("subscribe refresh: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("prefix", s.prefix).
		Msg("NATS command subscriber started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

func (s *CommandSubscriber) handleSet(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received set command")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	s.respond(msg, s.Set(ctx, deviceFromSubject(msg.Subject), msg.Data))
}

func (s *CommandSubscriber) handleRefresh(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Msg("Received refresh command")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	s.respond(msg, s.Refresh(ctx, deviceFromSubject(msg.Subject), msg.Data))
}

// Set executes a set command against device id
func (s *CommandSubscriber) Set(ctx context.Context, id string, data []byte) CommandReply {
	d, ok := s.devices.Device(id)
	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrUnknownDevice, id))
	}

	var cmd SetCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return failure(fmt.Errorf("invalid set command: %w", err))
	}

	if err := d.SetProperty(ctx, cmd.Key, cmd.Value, device.SetOptions{SkipRefresh: cmd.SkipRefresh}); err != nil {
		log.Warn().Err(err).Str("device", id).Str("key", cmd.Key).Msg("Set command failed")
		return failure(err)
	}

	log.Info().Str("device", id).Str("key", cmd.Key).Interface("value", cmd.Value).Msg("Set command processed")
	return CommandReply{OK: true}
}

// Refresh executes a refresh command against device id; an empty payload reloads every property
func (s *CommandSubscriber) Refresh(ctx context.Context, id string, data []byte) CommandReply {
	d, ok := s.devices.Device(id)
	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrUnknownDevice, id))
	}

	var cmd RefreshCommand
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cmd); err != nil {
			return failure(fmt.Errorf("invalid refresh command: %w", err))
		}
	}

	props, err := d.LoadProperties(ctx, cmd.Keys, device.LoadOptions{})
	if err != nil {
		return failure(err)
	}
	return CommandReply{OK: true, Properties: props}
}

func (s *CommandSubscriber) respond(msg *nats.Msg, reply CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal command reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
	}
}

func failure(err error) CommandReply {
	return CommandReply{OK: false, Error: err.Error()}
}

// deviceFromSubject extracts <id> from <prefix>.device.<id>.<verb>
func deviceFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}
