package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
	"github.com/mihome-bridge/mihome-bridge/pkg/miot"
)

type wireRequest struct {
	ID     uint32          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// switchTransport plays an appliance with a single boolean property (2.1)
// behind a real protocol.Engine.
type switchTransport struct {
	t      *testing.T
	engine *protocol.Engine
	creds  miio.Credentials

	mu         sync.Mutex
	on         bool
	handshakes int
	requests   []wireRequest
}

func (s *switchTransport) SendTo(ctx context.Context, address string, data []byte) error {
	if bytes.Equal(data, miio.HandshakePacket()) {
		s.mu.Lock()
		s.handshakes++
		s.mu.Unlock()

		hello := bytes.Repeat([]byte{0xff}, miio.HeaderSize)
		binary.BigEndian.PutUint16(hello[0:2], miio.Magic)
		binary.BigEndian.PutUint16(hello[2:4], miio.HeaderSize)
		binary.BigEndian.PutUint32(hello[4:8], 0)
		binary.BigEndian.PutUint32(hello[8:12], uint32(s.creds.DeviceID))
		binary.BigEndian.PutUint32(hello[12:16], 3000)
		s.engine.HandleDatagram(address, hello)
		return nil
	}

	p, err := miio.Decode(s.creds, data)
	require.NoError(s.t, err)
	var req wireRequest
	require.NoError(s.t, json.Unmarshal(p.Payload, &req))

	s.mu.Lock()
	s.requests = append(s.requests, req)
	var result interface{}
	switch req.Method {
	case "get_properties":
		var refs []propertyRef
		require.NoError(s.t, json.Unmarshal(req.Params, &refs))
		out := make([]propertyResult, 0, len(refs))
		for _, r := range refs {
			out = append(out, propertyResult{DID: r.DID, SIID: r.SIID, PIID: r.PIID, Value: s.on})
		}
		result = out
	case "set_properties":
		var writes []propertyWrite
		require.NoError(s.t, json.Unmarshal(req.Params, &writes))
		out := make([]propertyResult, 0, len(writes))
		for _, w := range writes {
			s.on, _ = w.Value.(bool)
			out = append(out, propertyResult{DID: w.DID, SIID: w.SIID, PIID: w.PIID})
		}
		result = out
	}
	s.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{"id": req.ID, "result": result})
	require.NoError(s.t, err)
	reply := s.creds
	reply.Stamp = 3001
	out, err := miio.Encode(reply, body, time.Now())
	require.NoError(s.t, err)
	s.engine.HandleDatagram(address, out)
	return nil
}

func (s *switchTransport) Requests() []wireRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wireRequest(nil), s.requests...)
}

func TestDevice_SetPropertyThroughEngine(t *testing.T) {
	tok, err := miio.ParseToken("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	did := miio.DeviceID(123456789)

	tr := &switchTransport{t: t, creds: miio.NewCredentials(did, tok)}
	engine := protocol.NewEngine(protocol.DefaultConfig(), tr)
	tr.engine = engine
	engine.SetCredentials(testAddress, did, tok)

	on := prop(1, "on", miot.AccessRead, miot.AccessWrite, miot.AccessNotify)
	on.Format = miot.FormatBool
	desc := &miot.Device{
		Type:     "urn:miot-spec-v2:device:switch:0000A003:test-v1:1",
		Services: []miot.Service{service(2, "switch", on)},
	}

	ctx := context.Background()
	d := New(Options{ID: testDID, Model: testModel, Address: testAddress, Refresh: -1}, engine)
	t.Cleanup(d.Destroy)
	snap, err := d.Init(ctx, miot.StaticProvider{testModel: desc})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"switch:on": false}, snap)
	before := len(tr.Requests())

	require.NoError(t, d.SetProperty(ctx, "switch:on", true, SetOptions{}))

	reqs := tr.Requests()[before:]
	require.Len(t, reqs, 2)
	assert.Equal(t, "set_properties", reqs[0].Method)
	assert.JSONEq(t, `[{"did":"123456789","siid":2,"piid":1,"value":true}]`, string(reqs[0].Params))
	assert.Equal(t, "get_properties", reqs[1].Method)
	assert.JSONEq(t, `[{"did":"123456789","siid":2,"piid":1}]`, string(reqs[1].Params))
	assert.Greater(t, reqs[1].ID, reqs[0].ID)

	v, ok := d.Property("switch:on")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.Equal(t, 1, tr.handshakes)
}
