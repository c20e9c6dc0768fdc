package integration

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/device"
	"github.com/mihome-bridge/mihome-bridge/internal/models"
)

// Sink receives device events
type Sink interface {
	Name() string
	Publish(ctx context.Context, event *models.Event) error
}

// Forwarder delivers device events to external systems
type Forwarder struct {
	sinks   []Sink
	queue   chan *models.Event
	timeout time.Duration

	wg sync.WaitGroup
}

// NewForwarder creates a forwarder with a bounded queue
func NewForwarder(queueSize int, sinks ...Sink) *Forwarder {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Forwarder{
		sinks:   sinks,
		queue:   make(chan *models.Event, queueSize),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes to d; the returned func detaches
func (f *Forwarder) Attach(d *device.Device) func() {
	return d.Subscribe(func(ev device.Event) {
		f.Enqueue(Convert(ev))
	})
}

// Enqueue queues an event without blocking; events are dropped when the queue is full
func (f *Forwarder) Enqueue(ev *models.Event) {
	select {
	case f.queue <- ev:
	default:
		log.Warn().Str("device", ev.DeviceID).Str("type", string(ev.Type)).Msg("integration queue full, dropping event")
	}
}

// Start runs the delivery worker until ctx ends
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				f.drain()
				return
			case ev := <-f.queue:
				f.dispatch(ev)
			}
		}
	}()
	log.Info().Int("sinks", len(f.sinks)).Msg("Integration forwarder started")
}

// Wait blocks until the worker has exited
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

func (f *Forwarder) drain() {
	for {
		select {
		case ev := <-f.queue:
			f.dispatch(ev)
		default:
			return
		}
	}
}

func (f *Forwarder) dispatch(ev *models.Event) {
	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := s.Publish(ctx, ev)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Str("device", ev.DeviceID).
				Str("type", string(ev.Type)).Msg("Failed to forward event")
		}
	}
}

// Convert maps a device notification onto the integration event model
func Convert(ev device.Event) *models.Event {
	var typ models.EventType
	switch ev.Type {
	case device.EventProperties:
		typ = models.EventTypeProperties
	case device.EventChange:
		typ = models.EventTypeChange
	case device.EventPropertyChange:
		typ = models.EventTypePropertyChange
	case device.EventAvailable:
		typ = models.EventTypeAvailable
	default:
		typ = models.EventTypeUnavailable
	}

	out := models.NewEvent(ev.DeviceID, typ)
	out.Key = ev.Key
	out.Reason = ev.Reason
	if ev.Properties != nil {
		out.Properties = models.Variables(ev.Properties)
	}
	if ev.Type == device.EventPropertyChange {
		c := propertyChange(ev.Change)
		out.Change = &c
	}
	if ev.Changes != nil {
		out.Changes = make(map[string]models.PropertyChange, len(ev.Changes))
		for k, c := range ev.Changes {
			out.Changes[k] = propertyChange(c)
		}
	}
	return out
}

func propertyChange(c device.Change) models.PropertyChange {
	return models.PropertyChange{Previous: c.Previous, Current: c.Current, Unit: c.Unit}
}
