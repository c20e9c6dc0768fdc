package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

const (
	testAddress = "192.168.1.50"
	testToken   = "00112233445566778899aabbccddeeff"
	testID      = miio.DeviceID(0x04a1b2c3)
)

type sentRequest struct {
	ID     uint32          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	SID    string          `json:"sid"`
	Stamp  uint32          `json:"-"`
}

// fakeAppliance answers datagrams synchronously through engine.HandleDatagram
type fakeAppliance struct {
	t      *testing.T
	engine *Engine
	creds  miio.Credentials
	stamp  uint32

	mu               sync.Mutex
	handshakes       int
	requests         []sentRequest
	ignoreHandshakes bool
	sendErr          error
	respond          func(req sentRequest) (string, bool)
}

func newFakeAppliance(t *testing.T) *fakeAppliance {
	tok, err := miio.ParseToken(testToken)
	require.NoError(t, err)
	return &fakeAppliance{
		t:     t,
		creds: miio.NewCredentials(testID, tok),
		stamp: 1000,
		respond: func(req sentRequest) (string, bool) {
			return `{"id":` + itoa(req.ID) + `,"result":["ok"]}`, true
		},
	}
}

func itoa(v uint32) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func handshakeReply(id miio.DeviceID, stamp uint32) []byte {
	b := bytes.Repeat([]byte{0xff}, miio.HeaderSize)
	binary.BigEndian.PutUint16(b[0:2], miio.Magic)
	binary.BigEndian.PutUint16(b[2:4], miio.HeaderSize)
	binary.BigEndian.PutUint32(b[4:8], 0)
	binary.BigEndian.PutUint32(b[8:12], uint32(id))
	binary.BigEndian.PutUint32(b[12:16], stamp)
	return b
}

func (f *fakeAppliance) SendTo(ctx context.Context, address string, data []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}

	if bytes.Equal(data, miio.HandshakePacket()) {
		f.handshakes++
		ignore := f.ignoreHandshakes
		f.mu.Unlock()
		if !ignore {
			f.engine.HandleDatagram(address, handshakeReply(f.creds.DeviceID, f.stamp))
		}
		return nil
	}

	p, err := miio.Decode(f.creds, data)
	if !assert.NoError(f.t, err) {
		f.mu.Unlock()
		return nil
	}
	var req sentRequest
	require.NoError(f.t, json.Unmarshal(p.Payload, &req))
	req.Stamp = p.Stamp
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if reply, ok := respond(req); ok {
		f.reply(address, reply)
	}
	return nil
}

func (f *fakeAppliance) reply(address, body string) {
	creds := f.creds
	creds.Stamp = f.stamp
	out, err := miio.Encode(creds, []byte(body), time.Now())
	require.NoError(f.t, err)
	f.engine.HandleDatagram(address, out)
}

func (f *fakeAppliance) Handshakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes
}

func (f *fakeAppliance) Requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.requests...)
}

func (f *fakeAppliance) ids() []uint32 {
	var ids []uint32
	for _, r := range f.Requests() {
		ids = append(ids, r.ID)
	}
	return ids
}

func fastConfig() Config {
	return Config{
		Timeout:          30 * time.Millisecond,
		Retries:          2,
		HandshakeTimeout: 30 * time.Millisecond,
		StampTTL:         time.Minute,
		DevicePort:       DevicePort,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeAppliance) {
	dev := newFakeAppliance(t)
	e := NewEngine(cfg, dev)
	dev.engine = e
	e.SetCredentials(testAddress, testID, dev.creds.Token)
	return e, dev
}

func TestEngine_Send_Result(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	ctx := context.Background()

	res, err := e.Send(ctx, testAddress, "get_properties", []map[string]int{{"siid": 2, "piid": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `["ok"]`, string(res))

	res, err = e.Send(ctx, testAddress, "miIO.info", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["ok"]`, string(res))

	// The second call reuses the fresh stamp.
	assert.Equal(t, 1, dev.Handshakes())

	reqs := dev.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, uint32(1), reqs[0].ID)
	assert.Equal(t, "get_properties", reqs[0].Method)
	assert.JSONEq(t, `[{"siid":2,"piid":1}]`, string(reqs[0].Params))
	assert.Equal(t, uint32(2), reqs[1].ID)
	assert.JSONEq(t, `[]`, string(reqs[1].Params))
	assert.GreaterOrEqual(t, reqs[0].Stamp, dev.stamp)
}

func TestEngine_Send_RetryIDs(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())

	calls := 0
	dev.respond = func(req sentRequest) (string, bool) {
		calls++
		if calls < 3 {
			return "", false
		}
		return `{"id":` + itoa(req.ID) + `,"result":"ok"}`, true
	}

	res, err := e.Send(context.Background(), testAddress, "set_properties", []int{1})
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(res))
	assert.Equal(t, []uint32{1, 101, 201}, dev.ids())
}

func TestEngine_Send_Timeout(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	dev.respond = func(sentRequest) (string, bool) { return "", false }

	_, err := e.Send(context.Background(), testAddress, "get_properties", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, "get_properties", te.Method)
	assert.Equal(t, []uint32{1, 101, 201}, dev.ids())

	// Nothing stays pending after the call gives up.
	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Zero(t, sessions[0].Pending)
}

func TestEngine_Send_RetriesOption(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	dev.respond = func(sentRequest) (string, bool) { return "", false }

	_, err := e.Send(context.Background(), testAddress, "get_properties", nil, WithRetries(0))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, dev.Requests(), 1)
}

func TestEngine_Send_IDWrap(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	s := e.registry.GetOrCreate(testAddress)

	s.lastID = 9999
	_, err := e.Send(context.Background(), testAddress, "a", nil)
	require.NoError(t, err)

	s.lastID = 9950
	calls := 0
	dev.respond = func(req sentRequest) (string, bool) {
		calls++
		if calls == 1 {
			return "", false
		}
		return `{"id":` + itoa(req.ID) + `,"result":1}`, true
	}
	_, err = e.Send(context.Background(), testAddress, "b", nil)
	require.NoError(t, err)

	// 9999+1 wraps; 9950+1 is fine; its retry 9951+100 wraps again.
	assert.Equal(t, []uint32{1, 9951, 1}, dev.ids())
}

func TestEngine_Send_RemoteError(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	dev.respond = func(req sentRequest) (string, bool) {
		return `{"id":` + itoa(req.ID) + `,"error":{"code":-9999,"message":"user ack timeout"}}`, true
	}

	_, err := e.Send(context.Background(), testAddress, "set_properties", nil)
	require.Error(t, err)

	var re *miio.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, -9999, re.Code)
	assert.Equal(t, "user ack timeout", re.Message)
	assert.Len(t, dev.Requests(), 1)
}

func TestEngine_Send_TransportFailure(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	dev.sendErr = errors.New("network is unreachable")

	_, err := e.Send(context.Background(), testAddress, "get_properties", nil)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, testAddress, te.Address)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestEngine_Send_HandshakeTimeoutConsumesRetries(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	dev.ignoreHandshakes = true

	_, err := e.Send(context.Background(), testAddress, "get_properties", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, dev.Handshakes())
	assert.Empty(t, dev.Requests())
}

func TestEngine_Send_SharedHandshake(t *testing.T) {
	cfg := fastConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Timeout = time.Second
	e, dev := newTestEngine(t, cfg)
	dev.ignoreHandshakes = true

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Send(context.Background(), testAddress, "get_properties", nil)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return dev.Handshakes() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	e.HandleDatagram(testAddress, handshakeReply(testID, 77))

	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, dev.Handshakes())
	assert.Len(t, dev.Requests(), callers)
}

func TestEngine_Send_SID(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())

	_, err := e.Send(context.Background(), testAddress, "get_device_prop", []string{"power"}, WithSID("lumi.158d0001"))
	require.NoError(t, err)
	reqs := dev.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "lumi.158d0001", reqs[0].SID)
}

func TestEngine_Send_ContextCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 5 * time.Second
	e, dev := newTestEngine(t, cfg)
	dev.respond = func(sentRequest) (string, bool) { return "", false }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Send(ctx, testAddress, "get_properties", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, e.Sessions()[0].Pending)
}

func TestEngine_Send_MissingAddress(t *testing.T) {
	e, _ := newTestEngine(t, fastConfig())
	_, err := e.Send(context.Background(), "", "x", nil)
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestEngine_Send_MissingToken(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())

	_, err := e.Send(context.Background(), "10.0.0.9", "miIO.info", nil)
	assert.ErrorIs(t, err, miio.ErrMissingToken)
	assert.Empty(t, dev.Requests())
}

func TestEngine_Suppress(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	e, dev := newTestEngine(t, fastConfig())
	dev.respond = func(sentRequest) (string, bool) { return "", false }

	_, err := e.Send(context.Background(), testAddress, "get_properties", nil, WithSuppress(), WithRetries(0))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotContains(t, buf.String(), "giving up")

	_, err = e.Send(context.Background(), testAddress, "get_properties", nil, WithRetries(0))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, buf.String(), "giving up")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestEngine_HandleDatagram_UnknownAndGarbage(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	_, err := e.Send(context.Background(), testAddress, "a", nil)
	require.NoError(t, err)

	dev.reply(testAddress, `{"id":4242,"result":[]}`)
	e.HandleDatagram(testAddress, []byte{0x01, 0x02, 0x03})
	e.HandleDatagram(testAddress, handshakeReply(testID, 0)[:10])

	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Zero(t, sessions[0].Pending)
	assert.Equal(t, uint32(1), sessions[0].LastID)
}

func TestEngine_HandleDatagram_CorrectsDeviceID(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	dev.creds.DeviceID = 0x0badcafe

	_, err := e.Send(context.Background(), testAddress, "a", nil)
	require.NoError(t, err)

	s, ok := e.registry.Get(testAddress)
	require.True(t, ok)
	assert.Equal(t, miio.DeviceID(0x0badcafe), s.Credentials().DeviceID)
	assert.Equal(t, dev.stamp, s.Credentials().Stamp)
}

func TestEngine_StaleStampHandshakesAgain(t *testing.T) {
	e, dev := newTestEngine(t, fastConfig())
	ctx := context.Background()

	_, err := e.Send(ctx, testAddress, "a", nil)
	require.NoError(t, err)

	base := time.Now()
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = e.Send(ctx, testAddress, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Handshakes())
}

func TestRegistry_SetCredentials(t *testing.T) {
	r := NewRegistry()
	tok, err := miio.ParseToken(testToken)
	require.NoError(t, err)

	s := r.SetCredentials("a", 10, tok)
	c := s.Credentials()
	key, iv := miio.DeriveKeys(tok)
	assert.Equal(t, key, c.Key)
	assert.Equal(t, iv, c.IV)

	// Zero values leave the identity untouched.
	r.SetCredentials("a", 0, miio.Token{})
	c = s.Credentials()
	assert.Equal(t, miio.DeviceID(10), c.DeviceID)
	assert.Equal(t, tok, c.Token)

	assert.Same(t, s, r.GetOrCreate("a"))
	assert.Len(t, r.Sessions(time.Now()), 1)
}
