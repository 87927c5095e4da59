package config

type BridgeConfig struct {
	Serial   SerialConfig   `toml:"serial"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	API      APIConfig      `toml:"api"`
	History  HistoryConfig  `toml:"history"`
	Health   HealthConfig   `toml:"health"`
	Inverter InverterConfig `toml:"inverter"`
}

type SerialConfig struct {
	Device string `toml:"device"`
	// Seplos V3 talks 19200 8N1 on the RS485 bus
	Baudrate uint `toml:"baudrate"`
}

type MQTTConfig struct {
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Topic prefix for all published messages
	Prefix string `toml:"prefix"`
	// "changed" publishes only when a value changes, "all" publishes everything
	PublishMode string `toml:"publish_mode"`
}

type APIConfig struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled"`
	// Minimum seconds between sample rows per battery
	WriteIntervalSeconds int `toml:"write_interval_seconds"`
	RetentionDays        int `toml:"retention_days"`
}

type HealthConfig struct {
	// 0 disables the health monitor
	CheckIntervalSeconds int `toml:"check_interval_seconds"`
	StaleTimeoutSeconds  int `toml:"stale_timeout_seconds"`
}

// Optional PV inverter readout over Modbus TCP.
// Empty ip disables the feature.
type InverterConfig struct {
	Ip         string `toml:"ip"`
	ModbusPort int    `toml:"modbus_port"`
	UnitId     byte   `toml:"unit_id"`
}
