package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// mqttClient is the subset of mqtt.Client the publisher uses, split out so
// tests can fake the broker.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher announces meter sensors to Home Assistant over MQTT discovery and
// publishes their latest readings. A nil Publisher is valid and does nothing,
// which is how a deployment without a broker runs.
type Publisher struct {
	client          mqttClient
	discoveryPrefix string
	topicPrefix     string

	// configured tracks which sensors have had a discovery config published
	// so we only retain each config once per connection. The poller publishes
	// meters concurrently so access goes through mu.
	mu         sync.Mutex
	configured map[string]bool
}

// Configured sets up the Home Assistant publisher based on flags. It returns
// nil if no broker is configured.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL for Home Assistant discovery (empty disables publishing)")
	username := lflag.String("mqtt-username", "", "MQTT broker username")
	password := lflag.String("mqtt-password", "", "MQTT broker password")
	clientID := lflag.String("mqtt-client-id", "eonbridge", "MQTT client ID")
	discoveryPrefix := lflag.String("mqtt-discovery-prefix", "homeassistant", "Home Assistant MQTT discovery prefix")
	topicPrefix := lflag.String("mqtt-topic-prefix", "eonbridge", "Prefix for state and attribute topics")

	var p *Publisher

	lflag.Do(func() {
		if *broker == "" {
			return
		}
		opts := mqtt.NewClientOptions().
			AddBroker(*broker).
			SetClientID(*clientID).
			SetUsername(*username).
			SetPassword(*password).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(5 * time.Second).
			SetKeepAlive(time.Minute).
			SetWill(*topicPrefix+"/status", "offline", 0, true)
		p = &Publisher{
			client:          mqtt.NewClient(opts),
			discoveryPrefix: *discoveryPrefix,
			topicPrefix:     *topicPrefix,
			configured:      make(map[string]bool),
		}
	})

	return p
}

// Connect connects to the broker and marks the bridge online.
func (p *Publisher) Connect(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker")
	return p.publish(p.availabilityTopic(), true, "online")
}

// Close marks the bridge offline and disconnects.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.client.IsConnected() {
		// best effort, the will covers an unclean exit
		_ = p.publish(p.availabilityTopic(), true, "offline")
	}
	p.client.Disconnect(250)
}

func (p *Publisher) availabilityTopic() string {
	return p.topicPrefix + "/status"
}

func (p *Publisher) stateTopic(id string) string {
	return p.topicPrefix + "/sensor/" + id + "/state"
}

func (p *Publisher) attributesTopic(id string) string {
	return p.topicPrefix + "/sensor/" + id + "/attributes"
}

func (p *Publisher) publish(topic string, retained bool, payload interface{}) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *Publisher) publishJSON(topic string, retained bool, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return p.publish(topic, retained, b)
}

// announce publishes the discovery config for a sensor the first time it's
// seen. The lock is held across the publish so only one goroutine announces
// a given sensor and a failed publish retries on the next snapshot.
func (p *Publisher) announce(ctx context.Context, id string, meter types.Meter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured[id] {
		return nil
	}
	cfg := sensorConfig(meter, p.stateTopic(id), p.attributesTopic(id), p.availabilityTopic())
	topic := p.discoveryPrefix + "/sensor/" + id + "/config"
	if err := p.publishJSON(topic, true, cfg); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "announced sensor",
		slog.String("sensorID", id),
		slog.String("topic", topic),
	)
	p.configured[id] = true
	return nil
}

// PublishSnapshot publishes the discovery config (once per sensor) and the
// latest reading for a meter. Snapshots without a reading only publish
// attributes so the sensor shows up before the first consumption data lands.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap types.MeterSnapshot) error {
	if p == nil {
		return nil
	}
	id := SensorID(snap.Meter)

	if err := p.announce(ctx, id, snap.Meter); err != nil {
		return err
	}

	if err := p.publishJSON(p.attributesTopic(id), true, sensorAttributes(snap)); err != nil {
		return err
	}

	if snap.LatestReading == nil {
		log.Ctx(ctx).DebugContext(ctx, "no reading for sensor yet", slog.String("sensorID", id))
		return nil
	}

	state := strconv.FormatFloat(snap.LatestReading.ConsumptionKWH, 'f', -1, 64)
	if err := p.publish(p.stateTopic(id), true, state); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "published sensor state",
		slog.String("sensorID", id),
		slog.String("state", state),
		slog.Time("readingEnd", snap.LatestReading.TSEnd),
	)
	return nil
}
