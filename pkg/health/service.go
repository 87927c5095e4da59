// Package health publishes periodic bridge health status and marks
// batteries offline when their data goes stale.
package health

import (
	"fmt"
	"log"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/mqttpub"
	"github.com/sm2669/seplos-bms-mqtt/pkg/packdb"
)

// Broker is the MQTT surface the monitor needs.
type Broker interface {
	Publish(topic string, value any, retain bool) bool
	IsConnected() bool
	Stats() mqttpub.Stats
}

// Fleet exposes battery freshness from the aggregator.
type Fleet interface {
	DeclaredUnits() []byte
	OnlineBatteries() []byte
	StaleBatteries() []byte
}

// History is the optional storage backend, reported on and pruned here.
type History interface {
	Stats() packdb.Stats
	CleanupOlderThan(retentionDays int) (int64, error)
}

const cleanupInterval = 24 * time.Hour

type Monitor struct {
	mqtt          Broker
	fleet         Fleet
	history       History
	prefix        string
	checkInterval time.Duration
	retentionDays int

	stopCh    chan struct{}
	startTime time.Time

	checksPerformed int
	staleDetected   int
	lastCleanup     time.Time

	now func() time.Time
}

// Initialize a monitor. history may be nil when long-term storage is off.
func NewMonitor(mqtt Broker, flt Fleet, history History, prefix string, checkInterval time.Duration, retentionDays int) *Monitor {
	now := time.Now
	return &Monitor{
		mqtt:          mqtt,
		fleet:         flt,
		history:       history,
		prefix:        prefix,
		checkInterval: checkInterval,
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
		startTime:     now(),
		lastCleanup:   now(),
		now:           now,
	}
}

// Start the periodic check loop. A non-positive interval disables the
// monitor entirely.
func (m *Monitor) Start() {
	if m.checkInterval <= 0 {
		log.Println("Health monitor disabled (interval <= 0)")
		return
	}
	log.Printf("Health monitor started (interval %s)", m.checkInterval)

	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.performCheck()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) performCheck() {
	m.checksPerformed++
	now := m.now()
	uptime := int(now.Sub(m.startTime).Seconds())

	m.mqtt.Publish(m.prefix+"/health/uptime", uptime, true)
	m.mqtt.Publish(m.prefix+"/health/mqtt_connected", fmt.Sprintf("%t", m.mqtt.IsConnected()), true)
	m.mqtt.Publish(m.prefix+"/health/health_checks", m.checksPerformed, true)

	stats := m.mqtt.Stats()
	m.mqtt.Publish(m.prefix+"/health/mqtt_messages_published", stats.MessagesPublished, true)
	m.mqtt.Publish(m.prefix+"/health/mqtt_messages_skipped", stats.MessagesSkipped, true)
	m.mqtt.Publish(m.prefix+"/health/mqtt_publish_mode", stats.PublishMode, true)
	m.mqtt.Publish(m.prefix+"/health/mqtt_connection_count", stats.ConnectionCount, true)
	m.mqtt.Publish(m.prefix+"/health/mqtt_disconnection_count", stats.DisconnectionCount, true)
	m.mqtt.Publish(m.prefix+"/health/mqtt_commands_received", stats.CommandsReceived, true)

	if m.history != nil {
		dbStats := m.history.Stats()
		m.mqtt.Publish(m.prefix+"/health/db_battery_writes", dbStats.BatteryWrites, true)
		m.mqtt.Publish(m.prefix+"/health/db_pack_writes", dbStats.PackWrites, true)
		m.mqtt.Publish(m.prefix+"/health/db_write_errors", dbStats.WriteErrors, true)
		m.maybeCleanup(now)
	}

	m.checkStaleBatteries()
}

func (m *Monitor) maybeCleanup(now time.Time) {
	if m.retentionDays <= 0 || now.Sub(m.lastCleanup) < cleanupInterval {
		return
	}
	m.lastCleanup = now
	removed, err := m.history.CleanupOlderThan(m.retentionDays)
	if err != nil {
		log.Printf("History cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("History cleanup removed %d rows older than %d days", removed, m.retentionDays)
	}
}

func (m *Monitor) checkStaleBatteries() {
	stale := m.fleet.StaleBatteries()
	for _, unit := range stale {
		log.Printf("Battery %d data is stale, marking offline", unit)
		m.mqtt.Publish(fmt.Sprintf("%s/battery_%d/state", m.prefix, unit), "offline", true)
	}
	m.staleDetected += len(stale)

	m.mqtt.Publish(m.prefix+"/health/stale_batteries", len(stale), true)
	m.mqtt.Publish(m.prefix+"/health/batteries_online", len(m.fleet.OnlineBatteries()), true)
	m.mqtt.Publish(m.prefix+"/health/batteries_total", len(m.fleet.DeclaredUnits()), true)
}

// IsHealthy reports whether the broker is reachable and at least one
// battery is still talking.
func (m *Monitor) IsHealthy() bool {
	return m.mqtt.IsConnected() && len(m.fleet.OnlineBatteries()) > 0
}
