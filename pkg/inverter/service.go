// Package inverter polls the hybrid inverter over Modbus TCP for its AC
// power reading. Optional feature, active only when an inverter IP is
// configured. This is a separate connection from the battery bus, which is
// never transmitted on.
package inverter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/sm2669/seplos-bms-mqtt/pkg/config"
)

var (
	ErrNotConfigured = fmt.Errorf("inverter not configured")
	ErrReadFailed    = fmt.Errorf("inverter read failed")
)

// Active power register, two words, signed 32-bit watts.
const activePowerRegister = 32080

var (
	powerMu       sync.Mutex
	lastPowerWatt int32
	lastReadTime  time.Time
)

// IsConfigured checks if the inverter connection is set up.
// This feature is optional, empty values as config are acceptable.
func IsConfigured() bool {
	return config.ActiveBridgeConfig.Inverter.Ip != "" &&
		config.ActiveBridgeConfig.Inverter.ModbusPort != 0
}

// ReadACPower returns the inverter's active power in watts. Reads are cached
// for 10 seconds to avoid hammering the inverter's management port.
func ReadACPower() (int32, error) {
	if !IsConfigured() {
		return 0, ErrNotConfigured
	}

	powerMu.Lock()
	defer powerMu.Unlock()
	if lastReadTime.After(time.Now().Add(-10 * time.Second)) {
		return lastPowerWatt, nil
	}

	host := config.ActiveBridgeConfig.Inverter.Ip
	port := config.ActiveBridgeConfig.Inverter.ModbusPort
	unitID := config.ActiveBridgeConfig.Inverter.UnitId

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		// Ping check before attempting modbus connection
		if ok, _, err := ping(host); !ok || err != nil {
			lastErr = fmt.Errorf("ping failed on attempt %d: %w", attempt+1, err)
			if attempt < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", host, port))
		handler.Timeout = 10 * time.Second
		handler.SlaveId = byte(unitID)

		if err := handler.Connect(); err != nil {
			lastErr = fmt.Errorf("connection failed on attempt %d: %w", attempt+1, err)
			handler.Close()
			if attempt < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		client := modbus.NewClient(handler)
		result, err := client.ReadHoldingRegisters(activePowerRegister, 2)
		handler.Close()

		if err != nil {
			lastErr = fmt.Errorf("read power failed on attempt %d: %w", attempt+1, err)
			if attempt < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		power := int32(result[0])<<24 | int32(result[1])<<16 | int32(result[2])<<8 | int32(result[3])
		lastPowerWatt = power
		lastReadTime = time.Now()
		return power, nil
	}

	return 0, errors.Join(ErrReadFailed, lastErr)
}

func ping(host string) (bool, time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false, 0, err
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false) // UDP-based, no root needed

	err = pinger.Run()
	if err != nil {
		return false, 0, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		return true, stats.AvgRtt, nil
	}

	return false, 0, fmt.Errorf("no response")
}
