// Package fleet tracks the per-battery state decoded off the bus and derives
// pack-level aggregates for a bank of parallel batteries.
package fleet

import (
	"sync"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
)

// Publisher is the MQTT surface the aggregator needs.
type Publisher interface {
	Publish(topic string, value any, retain bool) bool
	PublishIfChanged(topic string, value any, retain bool) bool
	AdvertiseBattery(unit byte)
	AdvertisePack()
}

// HistorySink receives periodic samples for long-term storage.
type HistorySink interface {
	InsertBatterySample(unit byte, state BatteryState) error
	InsertPackSample(agg PackAggregate) error
}

// BatteryState is the latest decoded telemetry for one battery. The Has
// flags track which record kinds have been seen since startup.
type BatteryState struct {
	Main   busdecoder.MainInfo    `json:"main"`
	Cells  busdecoder.CellInfo    `json:"cells"`
	Alarms busdecoder.AlarmStatus `json:"alarms"`

	HasMain   bool `json:"has_main"`
	HasCells  bool `json:"has_cells"`
	HasAlarms bool `json:"has_alarms"`

	LastUpdate time.Time `json:"last_update"`
}

// PackAggregate is one calculation pass over all online batteries. Batteries
// sit in parallel on the DC bus, so voltages average while currents,
// powers and capacities sum.
type PackAggregate struct {
	BatteriesOnline int `json:"batteries_online"`

	TotalVoltage float64 `json:"total_voltage"`
	TotalCurrent float64 `json:"total_current"`
	TotalPower   int     `json:"total_power"`

	TotalCapacity     float64 `json:"total_capacity"`
	RemainingCapacity float64 `json:"remaining_capacity"`
	EnergyRemaining   float64 `json:"energy_remaining"`
	EnergyToFull      float64 `json:"energy_to_full"`

	AverageSOC float64 `json:"average_soc"`
	MinSOC     float64 `json:"min_soc"`
	MaxSOC     float64 `json:"max_soc"`
	SOCSpread  float64 `json:"soc_spread"`
	MinSOH     float64 `json:"min_soh"`
	MaxCycles  int     `json:"max_cycles"`

	MinCellVoltage float64 `json:"min_cell_voltage"`
	MaxCellVoltage float64 `json:"max_cell_voltage"`
	AvgCellVoltage float64 `json:"avg_cell_voltage"`
	CellDelta      int     `json:"cell_delta"`

	MinTemp float64 `json:"min_temp"`
	MaxTemp float64 `json:"max_temp"`
	AvgTemp float64 `json:"avg_temp"`

	TotalAlarms      int `json:"total_alarms"`
	TotalProtections int `json:"total_protections"`
	BalancingCells   int `json:"balancing_cells"`

	MaxDischargeCurrent int `json:"max_discharge_current"`
	MaxChargeCurrent    int `json:"max_charge_current"`

	Status string `json:"status"`
}

// Pack status values, distinct from the per-battery operating status.
const (
	PackStatusCharging      = "Charging"
	PackStatusDischarging   = "Discharging"
	PackStatusFloatCharging = "Float Charging"
	PackStatusStandby       = "Standby"
)

// Aggregator consumes decoded records, maintains per-battery state, publishes
// battery topics and the pack aggregate, and feeds the history sink.
type Aggregator struct {
	mqtt    Publisher
	history HistorySink
	prefix  string

	mu        sync.Mutex
	batteries map[byte]*BatteryState
	declared  map[byte]bool

	packDeclared bool
	lastPack     PackAggregate
	hasPack      bool

	lastPublish      time.Time
	lastHistoryWrite map[byte]time.Time
	lastPackWrite    time.Time

	publishInterval time.Duration
	historyInterval time.Duration
	onlineTimeout   time.Duration
	staleTimeout    time.Duration

	now func() time.Time
}
