package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// SetOptions tunes a property write
type SetOptions struct {
	// SkipRefresh disables the verification read after the write.
	SkipRefresh bool
}

type propertyWrite struct {
	DID   string      `json:"did"`
	SIID  int         `json:"siid"`
	PIID  int         `json:"piid"`
	Value interface{} `json:"value"`
}

// SetProperty writes one property and, unless opts.SkipRefresh, re-reads it.
// A failed re-read is announced through EventUnavailable but not returned.
func (d *Device) SetProperty(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	def, ok := d.Definition(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefinedProperty, key)
	}
	if !def.Property.Writable() {
		return fmt.Errorf("%w: %s", ErrWriteForbidden, key)
	}

	params := []propertyWrite{{DID: d.opts.ID, SIID: def.SIID, PIID: def.PIID, Value: value}}
	raw, err := d.caller.Send(ctx, d.opts.Address, "set_properties", params)
	if err != nil {
		return err
	}

	var results []propertyResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return &WriteError{Key: key, Code: -1, Reason: "unexpected result " + string(raw)}
	}
	if len(results) == 0 {
		return &WriteError{Key: key, Code: -1, Reason: "empty result"}
	}
	if results[0].Code != 0 {
		return &WriteError{Key: key, Code: results[0].Code}
	}
	log.Debug().Str("device", d.opts.ID).Str("key", key).Interface("value", value).Msg("property set")

	if opts.SkipRefresh {
		return nil
	}

	timer := time.NewTimer(settleDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return nil
	}

	if _, err := d.LoadProperties(ctx, []string{key}, LoadOptions{}); err != nil {
		log.Warn().Err(err).Str("device", d.opts.ID).Str("key", key).Msg("refresh after write failed")
	}
	return nil
}
