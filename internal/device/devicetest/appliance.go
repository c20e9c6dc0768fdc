// Package devicetest provides an in-memory MiOT appliance for tests of
// packages built on top of device.Device.
package devicetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/pkg/miot"
)

// Model is the model served by Provider
const Model = "test.purifier.v1"

type ref struct {
	DID   string      `json:"did"`
	SIID  int         `json:"siid"`
	PIID  int         `json:"piid"`
	Value interface{} `json:"value,omitempty"`
}

type result struct {
	DID   string      `json:"did"`
	SIID  int         `json:"siid"`
	PIID  int         `json:"piid"`
	Code  int         `json:"code"`
	Value interface{} `json:"value,omitempty"`
}

// Appliance answers get_properties and set_properties from a value table
type Appliance struct {
	mu      sync.Mutex
	values  map[string]interface{}
	methods []string
	err     error
}

func NewAppliance() *Appliance {
	return &Appliance{values: make(map[string]interface{})}
}

func key(siid, piid int) string { return fmt.Sprintf("%d.%d", siid, piid) }

// Set stores the value the appliance reports for siid/piid
func (a *Appliance) Set(siid, piid int, v interface{}) {
	a.mu.Lock()
	a.values[key(siid, piid)] = v
	a.mu.Unlock()
}

// Value returns what the appliance currently holds for siid/piid
func (a *Appliance) Value(siid, piid int) interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.values[key(siid, piid)]
}

// Fail makes every following call return err; nil restores normal operation
func (a *Appliance) Fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// Methods returns the methods called so far
func (a *Appliance) Methods() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.methods...)
}

func (a *Appliance) Send(ctx context.Context, address, method string, params interface{}, opts ...protocol.CallOption) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.methods = append(a.methods, method)
	if a.err != nil {
		return nil, a.err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	switch method {
	case "get_properties", "set_properties":
		var refs []ref
		if err := json.Unmarshal(raw, &refs); err != nil {
			return nil, err
		}
		out := make([]result, 0, len(refs))
		for _, r := range refs {
			res := result{DID: r.DID, SIID: r.SIID, PIID: r.PIID}
			if method == "set_properties" {
				a.values[key(r.SIID, r.PIID)] = r.Value
			} else if v, ok := a.values[key(r.SIID, r.PIID)]; ok {
				res.Value = v
			} else {
				res.Code = -4003
			}
			out = append(out, res)
		}
		return json.Marshal(out)
	case "miIO.info":
		return json.RawMessage(`{"model":"` + Model + `","fw_ver":"1.0.0"}`), nil
	}
	return json.RawMessage(`["ok"]`), nil
}

// Purifier describes an air purifier with writable, read-only and
// write-only properties:
//
//	air-purifier:on            2.1 rwn
//	air-purifier:mode          2.4 rwn
//	environment:temperature    3.7 rn
//	filter:reset-filter-life   9.3 w
func Purifier() *miot.Device {
	return &miot.Device{
		Type: "urn:miot-spec-v2:device:air-purifier:0000A007:test-v1:1",
		Services: []miot.Service{
			{
				IID:  2,
				Type: "urn:miot-spec-v2:service:air-purifier:00007811:test-v1:1",
				Properties: []miot.Property{
					property(1, "on", "bool", miot.AccessRead, miot.AccessWrite, miot.AccessNotify),
					property(4, "mode", "uint8", miot.AccessRead, miot.AccessWrite, miot.AccessNotify),
				},
			},
			{
				IID:  3,
				Type: "urn:miot-spec-v2:service:environment:0000780A:test-v1:1",
				Properties: []miot.Property{
					property(7, "temperature", "float", miot.AccessRead, miot.AccessNotify),
				},
			},
			{
				IID:  9,
				Type: "urn:miot-spec-v2:service:filter:0000780B:test-v1:1",
				Properties: []miot.Property{
					property(3, "reset-filter-life", "bool", miot.AccessWrite),
				},
			},
		},
	}
}

// Provider serves Purifier for Model
func Provider() miot.StaticProvider {
	return miot.StaticProvider{Model: Purifier()}
}

// Seed fills the appliance with a plausible purifier state
func (a *Appliance) Seed() *Appliance {
	a.Set(2, 1, true)
	a.Set(2, 4, 1)
	a.Set(3, 7, 21.5)
	return a
}

func property(iid int, name, format string, access ...miot.Access) miot.Property {
	return miot.Property{
		IID:    iid,
		Type:   "urn:miot-spec-v2:property:" + name + ":00000000:test-v1:1",
		Format: miot.Format(format),
		Access: access,
	}
}
