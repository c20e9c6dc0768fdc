package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/models"
	"github.com/mihome-bridge/mihome-bridge/internal/storage"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"

	publishTimeout = 5 * time.Second
)

// ========== NATS ==========

// NATSSink publishes every event as JSON on <prefix>.device.<id>.event.<type>
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{nc: nc, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.nc.Publish(EventSubject(s.prefix, event), data)
}

// EventSubject returns the NATS subject of an event
func EventSubject(prefix string, event *models.Event) string {
	return fmt.Sprintf("%s.device.%s.event.%s", prefix, event.DeviceID, strings.ToLower(string(event.Type)))
}

// ========== MQTT ==========

// MQTTOptions configures the MQTT client
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// MQTTSink publishes device state in a topic-per-value layout:
//
//	<prefix>/<id>/state         full property map
//	<prefix>/<id>/availability  online | offline
//	<prefix>/<id>/<key>         single property value
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
}

func NewMQTTSink(client mqtt.Client, opts MQTTOptions) *MQTTSink {
	return &MQTTSink{client: client, prefix: opts.TopicPrefix, qos: opts.QoS, retain: opts.Retain}
}

// NewMQTTClient creates and connects an MQTT client
func NewMQTTClient(opts MQTTOptions) (mqtt.Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker)
	o.SetClientID(opts.ClientID)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectTimeout(10 * time.Second)
	o.SetKeepAlive(30 * time.Second)

	// Last will marks the bridge itself offline
	o.SetWill(opts.TopicPrefix+"/bridge/availability", availabilityOffline, 1, true)

	o.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", opts.Broker).Msg("MQTT client connected")
		client.Publish(opts.TopicPrefix+"/bridge/availability", 1, true, availabilityOnline)
	})

	o.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", opts.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(o)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return client, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ctx context.Context, event *models.Event) error {
	base := s.prefix + "/" + event.DeviceID

	switch event.Type {
	case models.EventTypeProperties:
		data, err := json.Marshal(event.Properties)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		return s.publish(base+"/state", data)
	case models.EventTypePropertyChange:
		if event.Change == nil {
			return nil
		}
		data, err := json.Marshal(event.Change.Current)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", event.Key, err)
		}
		return s.publish(base+"/"+event.Key, data)
	case models.EventTypeAvailable:
		return s.publish(base+"/availability", []byte(availabilityOnline))
	case models.EventTypeUnavailable:
		return s.publish(base+"/availability", []byte(availabilityOffline))
	}
	// CHANGE is covered by the per-key topics
	return nil
}

func (s *MQTTSink) publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, s.qos, s.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	log.Trace().Str("topic", topic).Msg("Published to MQTT")
	return nil
}

// Close disconnects the client
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Publish(s.prefix+"/bridge/availability", 1, true, availabilityOffline).WaitTimeout(time.Second)
		s.client.Disconnect(250)
	}
	log.Info().Msg("MQTT client disconnected")
}

// ========== Store ==========

// StoreSink persists the last known state and availability
type StoreSink struct {
	store storage.Store
}

func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Publish(ctx context.Context, event *models.Event) error {
	switch event.Type {
	case models.EventTypeProperties:
		return s.store.SavePropertyStates(ctx, event.DeviceID, event.Properties, event.CreatedAt)
	case models.EventTypeAvailable:
		return s.store.SetDeviceAvailability(ctx, event.DeviceID, true, event.CreatedAt)
	case models.EventTypeUnavailable:
		return s.store.SetDeviceAvailability(ctx, event.DeviceID, false, event.CreatedAt)
	}
	return nil
}

// ========== HTTP ==========

// WebhookSink posts every event as JSON to a fixed endpoint
type WebhookSink struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

func NewWebhookSink(endpoint string, headers map[string]string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		endpoint: endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Publish(ctx context.Context, event *models.Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s: status %d", s.endpoint, resp.StatusCode)
	}

	log.Debug().
		Str("device", event.DeviceID).
		Str("endpoint", s.endpoint).
		Msg("Event forwarded to HTTP successfully")
	return nil
}
