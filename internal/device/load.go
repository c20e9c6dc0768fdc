package device

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rs/zerolog/log"
)

// LoadOptions tunes a property read
type LoadOptions struct {
	// Initial suppresses change events; used for the first read after Init.
	Initial bool
	// ChunkSize overrides Options.ChunkSize for this read when positive.
	ChunkSize int
}

type propertyRef struct {
	DID  string `json:"did"`
	SIID int    `json:"siid"`
	PIID int    `json:"piid"`
}

type propertyResult struct {
	DID   string      `json:"did,omitempty"`
	SIID  int         `json:"siid,omitempty"`
	PIID  int         `json:"piid,omitempty"`
	Code  int         `json:"code"`
	Value interface{} `json:"value"`
}

// LoadProperties reads keys (all readable properties when keys is nil) and
// returns the values read. Changes are merged into the state and announced.
func (d *Device) LoadProperties(ctx context.Context, keys []string, opts LoadOptions) (map[string]interface{}, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	size := opts.ChunkSize
	if size <= 0 {
		size = d.opts.ChunkSize
	}

	data, err := d.readProperties(ctx, d.readableKeys(keys), size)
	if err != nil {
		d.setAvailable(false)
		log.Error().Err(err).Str("device", d.opts.ID).Msg("load properties")
		d.emit(Event{Type: EventUnavailable, Reason: err.Error()})
		return nil, err
	}

	changes, merged := d.merge(data)
	if len(changes) > 0 {
		d.emit(Event{Type: EventProperties, Properties: merged})
		if !opts.Initial {
			d.emit(Event{Type: EventChange, Changes: changes})
			for _, key := range d.orderOf(changes) {
				d.emit(Event{Type: EventPropertyChange, Key: key, Change: changes[key]})
			}
		}
	}

	d.setAvailable(true)
	d.emit(Event{Type: EventAvailable})
	return data, nil
}

// readableKeys resolves the requested keys to known readable ones
func (d *Device) readableKeys(keys []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if keys == nil {
		keys = d.order
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		def, ok := d.defs[k]
		if !ok {
			log.Debug().Str("device", d.opts.ID).Str("key", k).Msg("ignoring unknown property")
			continue
		}
		if !def.Property.Readable() {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (d *Device) readProperties(ctx context.Context, keys []string, size int) (map[string]interface{}, error) {
	if len(keys) > 0 {
		d.mu.RLock()
		empty := len(d.defs) == 0
		d.mu.RUnlock()
		if empty {
			return nil, ErrNotInitialized
		}
	}

	data := make(map[string]interface{}, len(keys))
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		values, err := d.getProperties(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for i, k := range chunk {
			data[k] = values[i]
		}
	}
	return data, nil
}

// getProperties performs one get_properties call for chunk
func (d *Device) getProperties(ctx context.Context, chunk []string) ([]interface{}, error) {
	params := make([]propertyRef, 0, len(chunk))
	d.mu.RLock()
	for _, k := range chunk {
		def := d.defs[k]
		params = append(params, propertyRef{DID: d.opts.ID, SIID: def.SIID, PIID: def.PIID})
	}
	d.mu.RUnlock()

	raw, err := d.caller.Send(ctx, d.opts.Address, "get_properties", params)
	if err != nil {
		return nil, err
	}

	var results []propertyResult
	if err := json.Unmarshal(raw, &results); err != nil || results == nil {
		log.Error().Str("device", d.opts.ID).RawJSON("result", raw).Msg("unexpected get_properties result")
		return nil, ErrPropertiesEmpty
	}
	if len(results) != len(chunk) {
		return nil, fmt.Errorf("%w: got %d results for %d properties", ErrLengthMismatch, len(results), len(chunk))
	}

	values := make([]interface{}, len(results))
	for i, r := range results {
		if r.Code != 0 {
			log.Debug().Str("device", d.opts.ID).Str("key", chunk[i]).Int("code", r.Code).Msg("property read failed")
			continue
		}
		values[i] = r.Value
	}
	return values, nil
}

// merge folds data into the state and returns the diff and a copy of the
// merged state.
func (d *Device) merge(data map[string]interface{}) (changes map[string]Change, merged map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes = make(map[string]Change)
	for k, v := range data {
		old, seen := d.state[k]
		if seen && reflect.DeepEqual(old, v) {
			continue
		}
		changes[k] = Change{Previous: old, Current: v, Unit: d.defs[k].Property.Unit}
		d.state[k] = v
	}

	merged = make(map[string]interface{}, len(d.state))
	for k, v := range d.state {
		merged[k] = v
	}
	return changes, merged
}

// orderOf returns the keys of m in descriptor order
func (d *Device) orderOf(m map[string]Change) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(m))
	for _, k := range d.order {
		if _, ok := m[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (d *Device) setAvailable(v bool) {
	d.mu.Lock()
	d.available = v
	d.mu.Unlock()
}
