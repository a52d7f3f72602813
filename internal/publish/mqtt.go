package publish

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // host:port or a full URL
	Topic    string `yaml:"topic"`  // prefix; frames go to <topic>/image
	QoS      byte   `yaml:"qos"`
	ClientID string `yaml:"client_id"`
}

// MQTT publishes frames to a broker. The client reconnects on its own;
// frames published while disconnected are dropped.
type MQTT struct {
	client mqtt.Client
	topic  string
	qos    byte

	mu        sync.Mutex
	pending   mqtt.Token
	published uint64
	failed    uint64
}

const connectTimeout = 5 * time.Second

// NewMQTT connects to the broker.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	id := cfg.ClientID
	if id == "" {
		id = "camnode-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(id)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("Connected to MQTT broker %s as %s", broker, id)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// With ConnectRetry the client keeps trying in the background.
		log.Warn("MQTT broker %s not reachable yet", broker)
	} else if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to %s", broker)
	}
	return newMQTT(client, cfg), nil
}

func newMQTT(client mqtt.Client, cfg MQTTConfig) *MQTT {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = "camnode"
	}
	return &MQTT{
		client: client,
		topic:  fmt.Sprintf("%s/image", topic),
		qos:    cfg.QoS,
	}
}

// Publish hands the frame to the client without waiting for delivery. The
// outcome of the previous publish is checked on the next call.
func (m *MQTT) Publish(f *Frame) {
	msg, err := Encode(f)
	if err != nil {
		log.Warn("encode frame %d: %v", f.Seq, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.check()
	if !m.client.IsConnected() {
		m.failed++
		return
	}
	m.pending = m.client.Publish(m.topic, m.qos, false, msg)
	m.published++
}

// check logs the error of a completed previous publish. Must hold m.mu.
func (m *MQTT) check() {
	if m.pending == nil {
		return
	}
	select {
	case <-m.pending.Done():
		if err := m.pending.Error(); err != nil {
			m.failed++
			log.Warn("MQTT publish to %s: %v", m.topic, err)
		}
		m.pending = nil
	default:
	}
}

// Counts returns how many frames were handed to the client and how many
// were dropped or failed.
func (m *MQTT) Counts() (published, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.failed
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
