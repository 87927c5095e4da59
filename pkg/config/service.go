package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sm2669/seplos-bms-mqtt/pkg/pathing"
)

var ActiveBridgeConfig *BridgeConfig

func LoadBridgeConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "bridge.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &BridgeConfig{
			Serial: SerialConfig{
				Device:   "/dev/ttyUSB0",
				Baudrate: 19200,
			},
			MQTT: MQTTConfig{
				Server:      "192.168.1.100",
				Port:        1883,
				Prefix:      "seplos",
				PublishMode: "changed",
			},
			API: APIConfig{
				ListenAddress: "0.0.0.0",
				ListenPort:    9041,
			},
			History: HistoryConfig{
				Enabled:              true,
				WriteIntervalSeconds: 5,
				RetentionDays:        90,
			},
			Health: HealthConfig{
				CheckIntervalSeconds: 60,
				StaleTimeoutSeconds:  120,
			},
			Inverter: InverterConfig{
				Ip:         "",
				ModbusPort: 502,
				UnitId:     1,
			},
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveBridgeConfig = cfg
		return nil
	}

	// Load existing config
	var config BridgeConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveBridgeConfig = &config
	return nil
}
