package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/operant-box/internal/logic"
	"github.com/sweeney/operant-box/internal/metric"
)

// spoolCapacity bounds how many messages survive a broker outage.
const spoolCapacity = 512

// RealPublisher publishes to an actual MQTT broker. While the broker is
// away, messages are spooled and replayed from the reconnect hook, so a
// flaky network loses at most what overflows the spool.
type RealPublisher struct {
	client      paho.Client
	topicEvents string
	topicSystem string
	log         *zap.Logger
	metrics     *metric.Metrics

	mu        sync.Mutex
	spool     *spool
	wasOnline bool
}

// NewRealPublisher creates a publisher for the given broker and box ID.
// An unreachable broker is not an error: the client keeps retrying in the
// background and events spool until it connects.
func NewRealPublisher(broker, boxID string, logger *zap.Logger, metrics *metric.Metrics) *RealPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &RealPublisher{
		topicEvents: TopicEvents(boxID),
		topicSystem: TopicSystem(boxID),
		log:         logger,
		metrics:     metrics,
		spool:       newSpool(spoolCapacity),
	}

	// The will fires if the box dies without a clean shutdown. Its
	// timestamp is necessarily the connect time, not the death time.
	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		will = []byte(`{"system":{"event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("operant-box-" + boxID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(p.topicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	p.client.Connect()
	return p
}

// Publish sends a behavioral event to the broker, or spools it while the
// broker is away.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.send(p.topicEvents, payload, 0, false)
}

// PublishSystem sends a system lifecycle event to the broker, or spools
// it while the broker is away.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) so lifecycle events are not lost
	return p.send(p.topicSystem, payload, 1, event.Retained)
}

func (p *RealPublisher) send(topic string, payload []byte, qos byte, retained bool) error {
	if !p.client.IsConnected() {
		p.mu.Lock()
		p.spool.push(spooledMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		n := p.spool.len()
		p.mu.Unlock()
		p.log.Debug("broker away, message spooled", zap.Int("spooled", n))
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// onConnect replays the spool. On anything but the first connect it also
// announces the reconnection.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.metrics.SetMQTTConnected(true)

	p.mu.Lock()
	reconnect := p.wasOnline
	p.wasOnline = true
	msgs, dropped := p.spool.drain()
	p.mu.Unlock()

	if dropped > 0 {
		p.log.Warn("spool overflowed while broker was away", zap.Int("dropped", dropped))
	}
	for _, m := range msgs {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			p.log.Warn("spool replay failed", zap.String("topic", m.topic), zap.Error(token.Error()))
		}
	}

	if reconnect {
		p.log.Info("mqtt reconnected", zap.Int("replayed", len(msgs)))
		if err := p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"}); err != nil {
			p.log.Warn("reconnect announcement failed", zap.Error(err))
		}
	} else {
		p.log.Info("mqtt connected", zap.Int("replayed", len(msgs)))
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.metrics.SetMQTTConnected(false)
	p.log.Warn("mqtt connection lost", zap.Error(err))
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

var (
	_ Publisher        = (*RealPublisher)(nil)
	_ ConnectionStatus = (*RealPublisher)(nil)
)
