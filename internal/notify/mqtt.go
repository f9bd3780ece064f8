package notify

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/workflow"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
	TLS       bool
}

const mqttQueue = 16

// MQTTPublisher publishes retained snapshots on <topic>/state. Publish only queues;
// a single goroutine talks to the broker so a slow broker never stalls the workflow.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte

	queue chan []byte
	stop  chan struct{}
	done  chan struct{}
}

func newMQTTPublisher(client mqtt.Client, topic string, qos byte) *MQTTPublisher {
	p := &MQTTPublisher{
		client: client,
		topic:  topic,
		qos:    qos,
		queue:  make(chan []byte, mqttQueue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("flash-console-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, err)
	}

	return newMQTTPublisher(client, StateTopic(cfg.Topic), cfg.QoS), nil
}

// StateTopic returns the topic snapshots are published on.
func StateTopic(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = "flash-console"
	}
	return base + "/state"
}

// Publish queues a retained snapshot. When the queue is full the oldest pending
// snapshot is dropped; only the latest state matters to subscribers.
func (p *MQTTPublisher) Publish(snap workflow.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot for MQTT")
		return
	}

	for {
		select {
		case p.queue <- data:
			return
		default:
		}
		select {
		case <-p.queue:
			log.Debug().Str("topic", p.topic).Msg("MQTT queue full, dropping stale snapshot")
		default:
		}
	}
}

func (p *MQTTPublisher) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case data := <-p.queue:
			p.send(data)
		}
	}
}

func (p *MQTTPublisher) send(data []byte) {
	token := p.client.Publish(p.topic, p.qos, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		log.Error().Str("topic", p.topic).Msg("MQTT publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", p.topic).Msg("Failed to publish to MQTT")
	}
}

// Close stops the publishing goroutine and disconnects from the broker.
func (p *MQTTPublisher) Close() {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(time.Second):
		log.Warn().Str("topic", p.topic).Msg("MQTT publisher still busy on close")
	}
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	log.Info().Msg("MQTT client disconnected")
}
