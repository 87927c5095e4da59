package mqttpub

import (
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publish modes. In changed mode a value is only sent when it differs from
// the last one sent on that topic.
const (
	ModeAll     = "all"
	ModeChanged = "changed"
)

// CommandHandler receives the target topic of an on-demand republish request
// (the R/ prefix already stripped).
type CommandHandler func(target string)

// Manager wraps the MQTT connection: reconnection, publish-on-change
// caching, and the R/<prefix>/# command subscription.
type Manager struct {
	server      string
	port        int
	prefix      string
	publishMode string

	client mqtt.Client

	mu         sync.Mutex
	lastValues map[string]string

	commandHandler CommandHandler

	messagesPublished   int64
	messagesSkipped     int64
	connectionCount     int64
	disconnectionCount  int64
	commandsReceived    int64
	lastPublishUnixNano int64
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Connected          bool
	MessagesPublished  int64
	MessagesSkipped    int64
	PublishMode        string
	ConnectionCount    int64
	DisconnectionCount int64
	CommandsReceived   int64
}
