package miot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrModelNotSupported = errors.New("model is not supported")
	ErrDescriptorInvalid = errors.New("invalid descriptor")
)

// Instance is one catalogue entry mapping a model to a device type
type Instance struct {
	Status  InstanceStatus `json:"status"`
	Model   string         `json:"model"`
	Version int            `json:"version"`
	Type    string         `json:"type"`
}

// Instances is the model catalogue
type Instances struct {
	Instances []Instance `json:"instances"`
}

// Latest returns the highest-version instance of model
func (c *Instances) Latest(model string) (*Instance, error) {
	var best *Instance
	for i := range c.Instances {
		in := &c.Instances[i]
		if in.Model != model {
			continue
		}
		if best == nil || in.Version > best.Version {
			best = in
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
	}
	return best, nil
}

// ParseInstances decodes a catalogue document
func ParseInstances(data []byte) (*Instances, error) {
	var c Instances
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse instances: %w", err)
	}
	return &c, nil
}

// ParseDevice decodes a capability descriptor
func ParseDevice(data []byte) (*Device, error) {
	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorInvalid, err)
	}
	if len(d.Services) == 0 {
		return nil, fmt.Errorf("%w: no services", ErrDescriptorInvalid)
	}
	return &d, nil
}

// Provider resolves a model to its capability descriptor
type Provider interface {
	Descriptor(ctx context.Context, model string) (*Device, error)
}

// DirProvider reads descriptors from a local directory:
// <Root>/instances.json and <Root>/devices/<type>.json
type DirProvider struct {
	Root string
}

// NewDirProvider creates a directory-backed provider
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{Root: root}
}

// Instances loads the catalogue
func (p *DirProvider) Instances() (*Instances, error) {
	data, err := os.ReadFile(filepath.Join(p.Root, "instances.json"))
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}
	return ParseInstances(data)
}

// Descriptor implements Provider
func (p *DirProvider) Descriptor(ctx context.Context, model string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	catalog, err := p.Instances()
	if err != nil {
		return nil, err
	}
	inst, err := catalog.Latest(model)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(p.Root, "devices", FileName(inst.Type))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor %s: %w", inst.Type, err)
	}
	return ParseDevice(data)
}

// StaticProvider serves descriptors from memory, keyed by model
type StaticProvider map[string]*Device

// Descriptor implements Provider
func (p StaticProvider) Descriptor(ctx context.Context, model string) (*Device, error) {
	d, ok := p[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
	}
	return d, nil
}
