package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/pkg/miot"
)

const (
	// DefaultRefresh is the polling interval used when Options.Refresh is zero
	DefaultRefresh = 15 * time.Second
	// DefaultChunkSize is the number of properties read per get_properties call
	DefaultChunkSize = 15
	// settleDelay is the pause between a write and its verification read
	settleDelay = 50 * time.Millisecond
)

// Caller sends one call to an appliance address
type Caller interface {
	Send(ctx context.Context, address, method string, params interface{}, opts ...protocol.CallOption) (json.RawMessage, error)
}

// Options configures a Device
type Options struct {
	ID      string
	Model   string
	Address string

	// Refresh is the polling interval. Zero selects DefaultRefresh, negative disables polling.
	Refresh   time.Duration
	ChunkSize int
}

// Definition binds a property key to its service/property instance ids
type Definition struct {
	Key         string        `json:"key"`
	SIID        int           `json:"siid"`
	PIID        int           `json:"piid"`
	Description string        `json:"description"`
	Property    miot.Property `json:"property"`
}

// Device is the property session of one MiOT appliance
type Device struct {
	opts   Options
	caller Caller

	mu        sync.RWMutex
	descType  string
	defs      map[string]Definition
	order     []string
	state     map[string]interface{}
	available bool

	// loadMu serializes reads so chunks of concurrent loads never interleave
	loadMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	stop     chan struct{}
	stopOnce sync.Once
	polling  bool
}

// New creates an uninitialized device
func New(opts Options, caller Caller) *Device {
	if opts.Refresh == 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Device{
		opts:   opts,
		caller: caller,
		defs:   make(map[string]Definition),
		state:  make(map[string]interface{}),
		subs:   make(map[int]func(Event)),
		stop:   make(chan struct{}),
	}
}

// ID returns the appliance id
func (d *Device) ID() string { return d.opts.ID }

// Model returns the appliance model
func (d *Device) Model() string { return d.opts.Model }

// Address returns the appliance address
func (d *Device) Address() string { return d.opts.Address }

// Type returns the descriptor type, empty before Init
func (d *Device) Type() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.descType
}

// Init loads the descriptor, performs the initial read and starts polling.
// Only a descriptor failure is returned; a failed initial read is reported
// through EventUnavailable.
func (d *Device) Init(ctx context.Context, provider miot.Provider) (map[string]interface{}, error) {
	desc, err := provider.Descriptor(ctx, d.opts.Model)
	if err != nil {
		return nil, fmt.Errorf("load descriptor for %s: %w", d.opts.Model, err)
	}
	log.Debug().Str("device", d.opts.ID).Str("type", desc.Type).Msgf("loaded descriptor for %s", desc.Description)

	if err := d.register(desc); err != nil {
		return nil, err
	}

	if _, err := d.LoadProperties(ctx, nil, LoadOptions{Initial: true}); err != nil {
		log.Warn().Err(err).Str("device", d.opts.ID).Msg("initial property load failed")
	}

	d.startPolling()
	return d.Snapshot(), nil
}

func (d *Device) register(desc *miot.Device) error {
	defs := make(map[string]Definition)
	var order []string

	for _, svc := range desc.Services {
		for _, prop := range svc.Properties {
			key, err := miot.PropertyKey(svc, prop)
			if err != nil {
				log.Warn().Err(err).Str("device", d.opts.ID).Msg("skipping property")
				continue
			}
			if _, dup := defs[key]; dup {
				s, _ := miot.ParseURN(svc.Type)
				p, _ := miot.ParseURN(prop.Type)
				alt := fmt.Sprintf("%s-%d:%s", s.Name, svc.IID, p.Name)
				log.Warn().Str("device", d.opts.ID).Str("key", key).Str("renamed", alt).Msg("duplicate property key")
				key = alt
			}

			defs[key] = Definition{
				Key:         key,
				SIID:        svc.IID,
				PIID:        prop.IID,
				Description: svc.Description + " - " + prop.Description,
				Property:    prop,
			}
			order = append(order, key)
			log.Trace().Str("device", d.opts.ID).Str("key", key).Msg("registered property")
		}
	}
	if len(defs) == 0 {
		return fmt.Errorf("descriptor %s: %w", desc.Type, miot.ErrDescriptorInvalid)
	}

	d.mu.Lock()
	d.descType = desc.Type
	d.defs = defs
	d.order = order
	d.mu.Unlock()
	return nil
}

func (d *Device) startPolling() {
	if d.opts.Refresh <= 0 {
		return
	}

	d.mu.Lock()
	if d.polling {
		d.mu.Unlock()
		return
	}
	d.polling = true
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.opts.Refresh)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.LoadProperties(context.Background(), nil, LoadOptions{})
			}
		}
	}()
}

// Destroy stops polling. A load already in progress runs to completion.
func (d *Device) Destroy() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Definitions returns the property definitions in descriptor order
func (d *Device) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.defs[k])
	}
	return out
}

// Definition returns the definition for key
func (d *Device) Definition(key string) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[key]
	return def, ok
}

// Snapshot returns a copy of the last observed values
func (d *Device) Snapshot() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]interface{}, len(d.state))
	for k, v := range d.state {
		out[k] = v
	}
	return out
}

// Property returns the last observed value of key
func (d *Device) Property(key string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.state[key]
	return v, ok
}

// Available reports whether the last load succeeded
func (d *Device) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

// Call sends a raw method call to the appliance
func (d *Device) Call(ctx context.Context, method string, params interface{}, opts ...protocol.CallOption) (json.RawMessage, error) {
	return d.caller.Send(ctx, d.opts.Address, method, params, opts...)
}
