package mqttpub

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sm2669/seplos-bms-mqtt/pkg/config"
)

const publishTimeout = 5 * time.Second

// Initialize a manager for the configured broker. Connect must be called
// before anything is published.
func NewManager(cfg config.MQTTConfig) *Manager {
	m := &Manager{
		server:      cfg.Server,
		port:        cfg.Port,
		prefix:      cfg.Prefix,
		publishMode: cfg.PublishMode,
		lastValues:  make(map[string]string),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Server, cfg.Port)).
		SetClientID(fmt.Sprintf("%s-bridge", cfg.Prefix)).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(60 * time.Second).
		SetKeepAlive(60 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect to the broker and block until the first connection attempt
// resolves.
func (m *Manager) Connect() error {
	log.Printf("Connecting to MQTT server %s:%d", m.server, m.port)
	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (m *Manager) Disconnect() {
	m.client.Disconnect(250)
}

func (m *Manager) IsConnected() bool {
	return m.client.IsConnected()
}

func (m *Manager) onConnect(client mqtt.Client) {
	n := atomic.AddInt64(&m.connectionCount, 1)
	log.Printf("MQTT connected to %s:%d (connection #%d)", m.server, m.port, n)

	commandTopic := "R/" + m.prefix + "/#"
	if token := client.Subscribe(commandTopic, 0, m.onCommand); token.Wait() && token.Error() != nil {
		log.Printf("Failed to subscribe to %s: %v", commandTopic, token.Error())
		return
	}
	log.Printf("Subscribed to command topic: %s", commandTopic)
}

func (m *Manager) onConnectionLost(_ mqtt.Client, err error) {
	atomic.AddInt64(&m.disconnectionCount, 1)
	log.Printf("MQTT disconnected (%v), reconnecting", err)
}

// onCommand services R/<prefix>/... requests by republishing cached values.
// R/<prefix>/battery_1/soc republishes one topic, R/<prefix>/battery_1/all
// republishes every cached topic under that entity.
func (m *Manager) onCommand(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	if !strings.HasPrefix(topic, "R/") {
		return
	}
	atomic.AddInt64(&m.commandsReceived, 1)
	target := strings.TrimPrefix(topic, "R/")

	if m.commandHandler != nil {
		m.commandHandler(target)
		return
	}
	m.republish(target)
}

func (m *Manager) republish(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entity, ok := strings.CutSuffix(target, "/all"); ok {
		count := 0
		for topic, value := range m.lastValues {
			if strings.HasPrefix(topic, entity) {
				m.publishRaw(topic, value, true)
				count++
			}
		}
		log.Printf("Republished %d cached values for %s", count, entity)
		return
	}

	if value, ok := m.lastValues[target]; ok {
		m.publishRaw(target, value, true)
	}
}

// SetCommandHandler overrides the default republish behavior for R/ commands.
func (m *Manager) SetCommandHandler(handler CommandHandler) {
	m.commandHandler = handler
}

// Publish sends the value unconditionally, regardless of publish mode.
func (m *Manager) Publish(topic string, value any, retain bool) bool {
	return m.publishRaw(topic, formatValue(value), retain)
}

// PublishIfChanged sends the value honoring the publish mode: in changed
// mode a value identical to the last one sent on the topic is skipped.
func (m *Manager) PublishIfChanged(topic string, value any, retain bool) bool {
	formatted := formatValue(value)

	if m.publishMode == ModeAll {
		atomic.AddInt64(&m.messagesPublished, 1)
		return m.publishRaw(topic, formatted, retain)
	}

	m.mu.Lock()
	last, seen := m.lastValues[topic]
	if seen && last == formatted {
		m.mu.Unlock()
		atomic.AddInt64(&m.messagesSkipped, 1)
		return false
	}
	m.lastValues[topic] = formatted
	m.mu.Unlock()

	atomic.AddInt64(&m.messagesPublished, 1)
	return m.publishRaw(topic, formatted, retain)
}

func (m *Manager) publishRaw(topic, value string, retain bool) bool {
	if !m.client.IsConnected() {
		return false
	}
	token := m.client.Publish(topic, 0, retain, value)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("MQTT publish timed out: %s", topic)
		return false
	}
	if err := token.Error(); err != nil {
		log.Printf("MQTT publish failed on %s: %v", topic, err)
		return false
	}
	atomic.StoreInt64(&m.lastPublishUnixNano, time.Now().UnixNano())
	return true
}

// ClearCache drops the publish-on-change cache so every topic is sent again.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.lastValues = make(map[string]string)
	m.mu.Unlock()
}

func (m *Manager) Stats() Stats {
	return Stats{
		Connected:          m.client.IsConnected(),
		MessagesPublished:  atomic.LoadInt64(&m.messagesPublished),
		MessagesSkipped:    atomic.LoadInt64(&m.messagesSkipped),
		PublishMode:        m.publishMode,
		ConnectionCount:    atomic.LoadInt64(&m.connectionCount),
		DisconnectionCount: atomic.LoadInt64(&m.disconnectionCount),
		CommandsReceived:   atomic.LoadInt64(&m.commandsReceived),
	}
}

// formatValue renders a payload the way the dashboards expect: floats
// without trailing zeros, booleans as ON/OFF.
func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return fmt.Sprint(value)
	}
}
