package health

import (
	"testing"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/mqttpub"
	"github.com/sm2669/seplos-bms-mqtt/pkg/packdb"
)

type fakeBroker struct {
	values    map[string]any
	connected bool
	stats     mqttpub.Stats
}

func (b *fakeBroker) Publish(topic string, value any, retain bool) bool {
	b.values[topic] = value
	return true
}

func (b *fakeBroker) IsConnected() bool    { return b.connected }
func (b *fakeBroker) Stats() mqttpub.Stats { return b.stats }

type fakeFleet struct {
	declared []byte
	online   []byte
	stale    []byte
}

func (f *fakeFleet) DeclaredUnits() []byte   { return f.declared }
func (f *fakeFleet) OnlineBatteries() []byte { return f.online }
func (f *fakeFleet) StaleBatteries() []byte  { return f.stale }

type fakeHistory struct {
	stats    packdb.Stats
	cleanups []int
}

func (h *fakeHistory) Stats() packdb.Stats { return h.stats }

func (h *fakeHistory) CleanupOlderThan(days int) (int64, error) {
	h.cleanups = append(h.cleanups, days)
	return 3, nil
}

func testMonitor(flt Fleet, history History) (*Monitor, *fakeBroker, *time.Time) {
	broker := &fakeBroker{
		values:    make(map[string]any),
		connected: true,
		stats:     mqttpub.Stats{MessagesPublished: 10, MessagesSkipped: 4, PublishMode: "changed"},
	}
	m := NewMonitor(broker, flt, history, "seplos", time.Minute, 90)
	clock := time.Unix(1700000000, 0)
	m.now = func() time.Time { return clock }
	m.startTime = clock
	m.lastCleanup = clock
	return m, broker, &clock
}

func TestPerformCheckPublishesHealth(t *testing.T) {
	flt := &fakeFleet{declared: []byte{1, 2}, online: []byte{1, 2}}
	m, broker, clock := testMonitor(flt, nil)

	*clock = clock.Add(90 * time.Second)
	m.performCheck()

	if got := broker.values["seplos/health/uptime"]; got != 90 {
		t.Errorf("uptime = %v, want 90", got)
	}
	if got := broker.values["seplos/health/mqtt_connected"]; got != "true" {
		t.Errorf("mqtt_connected = %v, want true", got)
	}
	if got := broker.values["seplos/health/health_checks"]; got != 1 {
		t.Errorf("health_checks = %v, want 1", got)
	}
	if got := broker.values["seplos/health/mqtt_messages_published"]; got != int64(10) {
		t.Errorf("mqtt_messages_published = %v, want 10", got)
	}
	if got := broker.values["seplos/health/batteries_online"]; got != 2 {
		t.Errorf("batteries_online = %v, want 2", got)
	}
	if got := broker.values["seplos/health/batteries_total"]; got != 2 {
		t.Errorf("batteries_total = %v, want 2", got)
	}
	if got := broker.values["seplos/health/stale_batteries"]; got != 0 {
		t.Errorf("stale_batteries = %v, want 0", got)
	}
}

func TestStaleBatteriesMarkedOffline(t *testing.T) {
	flt := &fakeFleet{declared: []byte{1, 2}, online: []byte{2}, stale: []byte{1}}
	m, broker, _ := testMonitor(flt, nil)

	m.performCheck()

	if got := broker.values["seplos/battery_1/state"]; got != "offline" {
		t.Errorf("battery_1 state = %v, want offline", got)
	}
	if _, ok := broker.values["seplos/battery_2/state"]; ok {
		t.Error("battery_2 marked offline while fresh")
	}
	if got := broker.values["seplos/health/stale_batteries"]; got != 1 {
		t.Errorf("stale_batteries = %v, want 1", got)
	}
}

func TestHistoryStatsAndCleanup(t *testing.T) {
	flt := &fakeFleet{}
	history := &fakeHistory{stats: packdb.Stats{BatteryWrites: 7, PackWrites: 2, WriteErrors: 1}}
	m, broker, clock := testMonitor(flt, history)

	m.performCheck()
	if got := broker.values["seplos/health/db_battery_writes"]; got != int64(7) {
		t.Errorf("db_battery_writes = %v, want 7", got)
	}
	if len(history.cleanups) != 0 {
		t.Fatalf("cleanup ran %d times within a day, want 0", len(history.cleanups))
	}

	*clock = clock.Add(25 * time.Hour)
	m.performCheck()
	if len(history.cleanups) != 1 || history.cleanups[0] != 90 {
		t.Errorf("cleanups = %v, want one pass at 90 days", history.cleanups)
	}

	// Within the next 24h window nothing new should run.
	*clock = clock.Add(time.Hour)
	m.performCheck()
	if len(history.cleanups) != 1 {
		t.Errorf("cleanups = %v, want still one pass", history.cleanups)
	}
}

func TestIsHealthy(t *testing.T) {
	flt := &fakeFleet{online: []byte{1}}
	m, broker, _ := testMonitor(flt, nil)

	if !m.IsHealthy() {
		t.Error("IsHealthy = false with broker up and batteries online")
	}
	broker.connected = false
	if m.IsHealthy() {
		t.Error("IsHealthy = true with broker down")
	}
	broker.connected = true
	flt.online = nil
	if m.IsHealthy() {
		t.Error("IsHealthy = true with no online batteries")
	}
}
