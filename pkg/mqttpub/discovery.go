package mqttpub

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Home Assistant MQTT discovery. Each sensor gets one retained config
// message under homeassistant/sensor/..., after which the regular state
// topics light up in the dashboard automatically.

const (
	appName    = "seplos-bms-mqtt"
	appVersion = "3.0"
	appURL     = "https://github.com/sm2669/seplos-bms-mqtt"
)

type sensorSpec struct {
	devClass   string
	stateClass string
	unit       string
	name       string
}

type discoveryDevice struct {
	Ids   string `json:"ids"`
	Name  string `json:"name"`
	Sw    string `json:"sw"`
	Model string `json:"mdl"`
	Mf    string `json:"mf"`
}

type discoveryOrigin struct {
	Name string `json:"name"`
	Sw   string `json:"sw"`
	URL  string `json:"url"`
}

type discoveryConfig struct {
	Name        string          `json:"name"`
	StateTopic  string          `json:"stat_t"`
	AvailTopic  string          `json:"avty_t"`
	UniqueID    string          `json:"uniq_id"`
	Device      discoveryDevice `json:"dev"`
	Origin      discoveryOrigin `json:"origin"`
	DeviceClass string          `json:"dev_cla,omitempty"`
	StateClass  string          `json:"stat_cla,omitempty"`
	Unit        string          `json:"unit_of_meas,omitempty"`
}

var batterySensors = buildBatterySensors()

func buildBatterySensors() []sensorSpec {
	sensors := []sensorSpec{
		{"voltage", "measurement", "V", "Pack Voltage"},
		{"current", "measurement", "A", "Current"},
		{"", "measurement", "Ah", "Remaining Capacity"},
		{"", "measurement", "Ah", "Total Capacity"},
		{"", "measurement", "Ah", "Total Discharge Capacity"},
		{"", "measurement", "%", "SOC"},
		{"", "measurement", "%", "SOH"},
		{"", "measurement", "cycles", "Cycles"},
		{"voltage", "measurement", "V", "Average Cell Voltage"},
		{"temperature", "measurement", "°C", "Average Cell Temp"},
		{"voltage", "measurement", "V", "Max Cell Voltage"},
		{"voltage", "measurement", "V", "Min Cell Voltage"},
		{"temperature", "measurement", "°C", "Max Cell Temp"},
		{"temperature", "measurement", "°C", "Min Cell Temp"},
		{"current", "measurement", "A", "MaxDisCurt"},
		{"current", "measurement", "A", "MaxChgCurt"},
		{"power", "measurement", "W", "Power"},
		{"voltage", "measurement", "mV", "Cell Delta"},
	}
	for i := 1; i <= 16; i++ {
		sensors = append(sensors, sensorSpec{"voltage", "measurement", "V", fmt.Sprintf("Cell %d", i)})
	}
	for i := 1; i <= 4; i++ {
		sensors = append(sensors, sensorSpec{"temperature", "measurement", "°C", fmt.Sprintf("Cell Temp %d", i)})
	}
	sensors = append(sensors,
		sensorSpec{"temperature", "measurement", "°C", "Ambient Temp"},
		sensorSpec{"temperature", "measurement", "°C", "MOSFET Temp"},
		sensorSpec{"", "", "", "Status"},
		sensorSpec{"", "", "", "FET Discharge"},
		sensorSpec{"", "", "", "FET Charge"},
		sensorSpec{"", "", "", "FET Current Limit"},
		sensorSpec{"", "", "", "FET Heater"},
		sensorSpec{"", "", "", "Balancing Active"},
		sensorSpec{"", "measurement", "", "Balancing Count"},
		sensorSpec{"", "", "", "Balancing Cells"},
		sensorSpec{"", "measurement", "", "Balancing Bits"},
		sensorSpec{"", "", "", "Heating Active"},
		sensorSpec{"", "measurement", "", "Alarm Count"},
		sensorSpec{"", "measurement", "", "Protection Count"},
		sensorSpec{"", "measurement", "", "Failure Count"},
		sensorSpec{"", "measurement", "", "Alarm Cell Undervolt"},
		sensorSpec{"", "measurement", "", "Alarm Cell Overvolt"},
		sensorSpec{"", "measurement", "", "Alarm Cell Temp"},
		sensorSpec{"timestamp", "", "", "Last Update"},
	)
	return sensors
}

var packSensors = []sensorSpec{
	{"voltage", "measurement", "V", "Pack Total Voltage"},
	{"current", "measurement", "A", "Pack Total Current"},
	{"power", "measurement", "W", "Pack Total Power"},
	{"", "measurement", "Ah", "Pack Total Capacity"},
	{"", "measurement", "Ah", "Pack Remaining Capacity"},
	{"energy", "measurement", "kWh", "Pack Energy Remaining"},
	{"energy", "measurement", "kWh", "Pack Energy To Full"},
	{"", "measurement", "%", "Pack Average SOC"},
	{"", "measurement", "%", "Pack Min SOC"},
	{"", "measurement", "%", "Pack Max SOC"},
	{"", "measurement", "%", "Pack SOC Spread"},
	{"voltage", "measurement", "V", "Pack Min Cell Voltage"},
	{"voltage", "measurement", "V", "Pack Max Cell Voltage"},
	{"voltage", "measurement", "mV", "Pack Cell Delta"},
	{"voltage", "measurement", "V", "Pack Avg Cell Voltage"},
	{"temperature", "measurement", "°C", "Pack Min Temp"},
	{"temperature", "measurement", "°C", "Pack Max Temp"},
	{"temperature", "measurement", "°C", "Pack Avg Temp"},
	{"", "measurement", "", "Pack Batteries Online"},
	{"", "measurement", "", "Pack Total Alarms"},
	{"", "measurement", "", "Pack Total Protections"},
	{"", "measurement", "cycles", "Pack Max Cycles"},
	{"", "measurement", "%", "Pack Min SOH"},
	{"", "", "", "Pack Status"},
	{"", "measurement", "", "Pack Balancing Cells"},
	{"current", "measurement", "A", "Pack Max Discharge Current"},
	{"current", "measurement", "A", "Pack Max Charge Current"},
}

// AdvertiseBattery publishes the discovery block for one battery and marks it
// online.
func (m *Manager) AdvertiseBattery(unit byte) {
	log.Printf("Sending autodiscovery block for battery %d", unit)

	device := discoveryDevice{
		Ids:   fmt.Sprintf("seplos_battery_%d", unit),
		Name:  fmt.Sprintf("Seplos BMS %d", unit),
		Sw:    appName + " " + appVersion,
		Model: "Seplos BMSv3 MQTT",
		Mf:    "Seplos",
	}
	for _, s := range batterySensors {
		nameUnder := toLowerUnder(s.name)
		cfg := discoveryConfig{
			Name:        s.name,
			StateTopic:  fmt.Sprintf("%s/battery_%d/%s", m.prefix, unit, nameUnder),
			AvailTopic:  fmt.Sprintf("%s/battery_%d/state", m.prefix, unit),
			UniqueID:    fmt.Sprintf("seplos_battery_%d_%s", unit, nameUnder),
			Device:      device,
			Origin:      discoveryOrigin{Name: appName, Sw: appVersion, URL: appURL},
			DeviceClass: s.devClass,
			StateClass:  s.stateClass,
			Unit:        s.unit,
		}
		m.publishDiscovery(fmt.Sprintf("homeassistant/sensor/seplos_bms_%d/%s/config", unit, nameUnder), cfg)
	}

	m.Publish(fmt.Sprintf("%s/battery_%d/state", m.prefix, unit), "online", true)
}

// AdvertisePack publishes the discovery block for the pack aggregate device
// and marks it online.
func (m *Manager) AdvertisePack() {
	log.Println("Sending autodiscovery block for pack aggregate")

	device := discoveryDevice{
		Ids:   "seplos_pack",
		Name:  "Seplos Battery Pack",
		Sw:    appName + " " + appVersion,
		Model: "Seplos Pack Aggregate",
		Mf:    "Seplos",
	}
	for _, s := range packSensors {
		nameUnder := toLowerUnder(s.name)
		cfg := discoveryConfig{
			Name:        s.name,
			StateTopic:  fmt.Sprintf("%s/pack/%s", m.prefix, nameUnder),
			AvailTopic:  m.prefix + "/pack/state",
			UniqueID:    "seplos_" + nameUnder,
			Device:      device,
			Origin:      discoveryOrigin{Name: appName, Sw: appVersion, URL: appURL},
			DeviceClass: s.devClass,
			StateClass:  s.stateClass,
			Unit:        s.unit,
		}
		m.publishDiscovery(fmt.Sprintf("homeassistant/sensor/seplos_pack/%s/config", nameUnder), cfg)
	}

	m.Publish(m.prefix+"/pack/state", "online", true)
}

func (m *Manager) publishDiscovery(topic string, cfg discoveryConfig) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		log.Printf("Failed to marshal discovery config for %s: %v", topic, err)
		return
	}
	m.publishRaw(topic, string(payload), true)
}

func toLowerUnder(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
