package fleet

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
)

const (
	defaultPublishInterval = 2 * time.Second
	defaultOnlineTimeout   = 60 * time.Second
	defaultStaleTimeout    = 120 * time.Second
)

// Initialize an aggregator. The history sink is optional; pass nil to
// disable long-term storage. historyInterval gates how often a battery
// sample is written.
func New(mqtt Publisher, prefix string, history HistorySink, historyInterval time.Duration) *Aggregator {
	return &Aggregator{
		mqtt:             mqtt,
		history:          history,
		prefix:           prefix,
		batteries:        make(map[byte]*BatteryState),
		declared:         make(map[byte]bool),
		lastHistoryWrite: make(map[byte]time.Time),
		publishInterval:  defaultPublishInterval,
		historyInterval:  historyInterval,
		onlineTimeout:    defaultOnlineTimeout,
		staleTimeout:     defaultStaleTimeout,
		now:              time.Now,
	}
}

// SetStaleTimeout adjusts when a battery stops counting as online. Zero or
// negative keeps the default.
func (a *Aggregator) SetStaleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	a.staleTimeout = d
	a.mu.Unlock()
}

// HandleRecord ingests one decoded record. Safe to call from the listener
// goroutine.
func (a *Aggregator) HandleRecord(unitID byte, rec busdecoder.Record) {
	switch r := rec.(type) {
	case busdecoder.MainInfo:
		a.handleMainInfo(unitID, r)
	case busdecoder.CellInfo:
		a.handleCellInfo(unitID, r)
	case busdecoder.AlarmStatus:
		a.handleAlarmStatus(unitID, r)
	case busdecoder.Unrecognized:
		log.Printf("Unrecognized frame from unit %d: fc=%d count=%d", unitID, r.FunctionCode, r.ByteCount)
	}
}

// battery returns the state entry for a unit, declaring it on first sight.
// Caller must hold a.mu.
func (a *Aggregator) battery(unitID byte) *BatteryState {
	if !a.declared[unitID] {
		a.mqtt.AdvertiseBattery(unitID)
		a.declared[unitID] = true
	}
	state, ok := a.batteries[unitID]
	if !ok {
		state = &BatteryState{}
		a.batteries[unitID] = state
	}
	return state
}

func (a *Aggregator) topic(unitID byte, name string) string {
	return fmt.Sprintf("%s/battery_%d/%s", a.prefix, unitID, name)
}

func (a *Aggregator) handleMainInfo(unitID byte, m busdecoder.MainInfo) {
	a.mu.Lock()
	state := a.battery(unitID)
	state.Main = m
	state.HasMain = true
	state.LastUpdate = a.now()
	a.mu.Unlock()

	a.mqtt.PublishIfChanged(a.topic(unitID, "pack_voltage"), m.PackVoltage, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "current"), m.Current, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "remaining_capacity"), m.RemainingCapacity, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "total_capacity"), m.TotalCapacity, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "total_discharge_capacity"), m.TotalDischargeCapacity, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "soc"), m.SOC, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "soh"), m.SOH, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "cycles"), m.Cycles, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "average_cell_voltage"), m.AverageCellVoltage, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "average_cell_temp"), m.AverageCellTemp, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "max_cell_voltage"), m.MaxCellVoltage, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "min_cell_voltage"), m.MinCellVoltage, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "max_cell_temp"), m.MaxCellTemp, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "min_cell_temp"), m.MinCellTemp, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "maxdiscurt"), m.MaxDischargeCurrent, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "maxchgcurt"), m.MaxChargeCurrent, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "power"), m.Power, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "cell_delta"), m.CellDelta, true)

	// last_update goes out every frame so a frozen value is detectable.
	a.mqtt.Publish(a.topic(unitID, "last_update"), a.timestamp(), true)

	a.writeHistory(unitID)
	a.CalculateAndPublish()
}

func (a *Aggregator) handleCellInfo(unitID byte, c busdecoder.CellInfo) {
	a.mu.Lock()
	state := a.battery(unitID)
	state.Cells = c
	state.HasCells = true
	state.LastUpdate = a.now()
	a.mu.Unlock()

	for i, v := range c.CellVoltages {
		a.mqtt.PublishIfChanged(a.topic(unitID, fmt.Sprintf("cell_%d", i+1)), v, true)
	}
	for i, t := range c.CellTemps {
		a.mqtt.PublishIfChanged(a.topic(unitID, fmt.Sprintf("cell_temp_%d", i+1)), t, true)
	}
	a.mqtt.PublishIfChanged(a.topic(unitID, "ambient_temp"), c.AmbientTemp, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "mosfet_temp"), c.MosfetTemp, true)

	a.mqtt.Publish(a.topic(unitID, "last_update"), a.timestamp(), true)
}

func (a *Aggregator) handleAlarmStatus(unitID byte, s busdecoder.AlarmStatus) {
	a.mu.Lock()
	state := a.battery(unitID)
	state.Alarms = s
	state.HasAlarms = true
	state.LastUpdate = a.now()
	a.mu.Unlock()

	a.mqtt.PublishIfChanged(a.topic(unitID, "alarm_cell_undervolt"), s.CellUndervoltBits, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "alarm_cell_overvolt"), s.CellOvervoltBits, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "alarm_cell_temp"), s.CellTempBits, true)

	a.mqtt.PublishIfChanged(a.topic(unitID, "balancing_bits"), s.BalancingBits, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "balancing_count"), s.BalancingCount, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "balancing_cells"), formatCellList(s.BalancingCells), true)

	a.mqtt.PublishIfChanged(a.topic(unitID, "status"), string(s.Status), true)

	a.mqtt.PublishIfChanged(a.topic(unitID, "fet_discharge"), s.FETDischarge, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "fet_charge"), s.FETCharge, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "fet_current_limit"), s.FETCurrentLimit, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "fet_heater"), s.FETHeater, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "balancing_active"), s.BalancingActive, true)

	a.mqtt.PublishIfChanged(a.topic(unitID, "alarm_count"), s.AlarmCount, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "protection_count"), s.ProtectionCount, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "failure_count"), s.FailureCount, true)
	a.mqtt.PublishIfChanged(a.topic(unitID, "heating_active"), s.HeatingActive, true)

	a.mqtt.Publish(a.topic(unitID, "last_update"), a.timestamp(), true)
}

func (a *Aggregator) timestamp() string {
	return a.now().UTC().Format("2006-01-02T15:04:05Z")
}

// formatCellList renders a 1-indexed cell list as "1,3,16", or "none".
func formatCellList(cells []int) string {
	if len(cells) == 0 {
		return "none"
	}
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

func (a *Aggregator) writeHistory(unitID byte) {
	if a.history == nil {
		return
	}
	a.mu.Lock()
	now := a.now()
	if now.Sub(a.lastHistoryWrite[unitID]) < a.historyInterval {
		a.mu.Unlock()
		return
	}
	a.lastHistoryWrite[unitID] = now
	state := *a.batteries[unitID]
	a.mu.Unlock()

	if err := a.history.InsertBatterySample(unitID, state); err != nil {
		log.Printf("Failed to store battery %d sample: %v", unitID, err)
	}
}

// DeclaredUnits returns every battery seen since startup, sorted.
func (a *Aggregator) DeclaredUnits() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	units := make([]byte, 0, len(a.declared))
	for u := range a.declared {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// Snapshot copies the current per-battery state map.
func (a *Aggregator) Snapshot() map[byte]BatteryState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[byte]BatteryState, len(a.batteries))
	for u, s := range a.batteries {
		out[u] = *s
	}
	return out
}

// Battery returns the state for one unit.
func (a *Aggregator) Battery(unitID byte) (BatteryState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.batteries[unitID]
	if !ok {
		return BatteryState{}, false
	}
	return *s, true
}

// LatestPack returns the last computed aggregate.
func (a *Aggregator) LatestPack() (PackAggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPack, a.hasPack
}

// OnlineBatteries lists units updated within the online timeout.
func (a *Aggregator) OnlineBatteries() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unitsByAge(func(age time.Duration) bool { return age < a.onlineTimeout })
}

// StaleBatteries lists units not updated within the stale timeout.
func (a *Aggregator) StaleBatteries() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unitsByAge(func(age time.Duration) bool { return age >= a.staleTimeout })
}

// Caller must hold a.mu.
func (a *Aggregator) unitsByAge(match func(time.Duration) bool) []byte {
	now := a.now()
	var units []byte
	for u, s := range a.batteries {
		if match(now.Sub(s.LastUpdate)) {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}
