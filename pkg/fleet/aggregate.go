package fleet

import (
	"log"
	"math"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
)

// CalculateAndPublish recomputes the pack aggregate from all online
// batteries and publishes it, rate limited to the publish interval. Called
// after every main info frame; callable directly to force a pass.
func (a *Aggregator) CalculateAndPublish() {
	a.mu.Lock()
	now := a.now()
	if now.Sub(a.lastPublish) < a.publishInterval {
		a.mu.Unlock()
		return
	}

	online := make([]BatteryState, 0, len(a.batteries))
	for _, s := range a.batteries {
		if now.Sub(s.LastUpdate) < a.onlineTimeout {
			online = append(online, *s)
		}
	}
	if len(online) == 0 {
		a.mu.Unlock()
		return
	}
	a.lastPublish = now
	alreadyDeclared := a.packDeclared
	a.packDeclared = true
	a.mu.Unlock()

	if !alreadyDeclared {
		a.mqtt.AdvertisePack()
	}

	agg := a.publishAggregate(online)

	a.mu.Lock()
	a.lastPack = agg
	a.hasPack = true
	writePack := a.history != nil && now.Sub(a.lastPackWrite) >= a.historyInterval
	if writePack {
		a.lastPackWrite = now
	}
	a.mu.Unlock()

	if writePack {
		if err := a.history.InsertPackSample(agg); err != nil {
			log.Printf("Failed to store pack sample: %v", err)
		}
	}
}

func (a *Aggregator) publishAggregate(online []BatteryState) PackAggregate {
	prefix := a.prefix + "/pack"
	agg := PackAggregate{BatteriesOnline: len(online)}

	var voltages, currents, socs, sohs, remainingCaps, totalCaps, cellVoltages, temps []float64
	var powers, cycles, maxDisCurts, maxChgCurts []int

	for _, b := range online {
		if b.HasMain {
			m := b.Main
			if m.PackVoltage != 0 {
				voltages = append(voltages, m.PackVoltage)
			}
			currents = append(currents, m.Current)
			powers = append(powers, m.Power)
			if m.SOC != 0 {
				socs = append(socs, m.SOC)
			}
			if m.SOH != 0 {
				sohs = append(sohs, m.SOH)
			}
			if m.RemainingCapacity != 0 {
				remainingCaps = append(remainingCaps, m.RemainingCapacity)
			}
			if m.TotalCapacity != 0 {
				totalCaps = append(totalCaps, m.TotalCapacity)
			}
			if m.Cycles != 0 {
				cycles = append(cycles, m.Cycles)
			}
			if m.MaxDischargeCurrent != 0 {
				maxDisCurts = append(maxDisCurts, m.MaxDischargeCurrent)
			}
			if m.MaxChargeCurrent != 0 {
				maxChgCurts = append(maxChgCurts, m.MaxChargeCurrent)
			}
			for _, t := range []float64{m.MinCellTemp, m.MaxCellTemp} {
				if plausibleTemp(t) {
					temps = append(temps, t)
				}
			}
		}
		if b.HasCells {
			for _, v := range b.Cells.CellVoltages {
				if v > 0 {
					cellVoltages = append(cellVoltages, v)
				}
			}
			for _, t := range b.Cells.CellTemps {
				if plausibleTemp(t) {
					temps = append(temps, t)
				}
			}
			if plausibleTemp(b.Cells.AmbientTemp) {
				temps = append(temps, b.Cells.AmbientTemp)
			}
		}
		if b.HasAlarms {
			agg.TotalAlarms += b.Alarms.AlarmCount
			agg.TotalProtections += b.Alarms.ProtectionCount
			agg.BalancingCells += b.Alarms.BalancingCount
		}
	}

	agg.Status = packStatus(online)

	a.mqtt.PublishIfChanged(prefix+"/pack_batteries_online", agg.BatteriesOnline, true)

	// Batteries share the DC bus, so pack voltage is the average.
	if len(voltages) > 0 {
		agg.TotalVoltage = round2(avg(voltages))
		a.mqtt.PublishIfChanged(prefix+"/pack_total_voltage", agg.TotalVoltage, true)
	}
	if len(currents) > 0 {
		agg.TotalCurrent = round2(sum(currents))
		a.mqtt.PublishIfChanged(prefix+"/pack_total_current", agg.TotalCurrent, true)
	}
	if len(powers) > 0 {
		for _, p := range powers {
			agg.TotalPower += p
		}
		a.mqtt.PublishIfChanged(prefix+"/pack_total_power", agg.TotalPower, true)
	}

	if len(totalCaps) > 0 {
		agg.TotalCapacity = round2(sum(totalCaps))
		a.mqtt.PublishIfChanged(prefix+"/pack_total_capacity", agg.TotalCapacity, true)
	}
	if len(remainingCaps) > 0 {
		totalRemaining := sum(remainingCaps)
		agg.RemainingCapacity = round2(totalRemaining)
		a.mqtt.PublishIfChanged(prefix+"/pack_remaining_capacity", agg.RemainingCapacity, true)

		if len(voltages) > 0 {
			agg.EnergyRemaining = round2(totalRemaining * agg.TotalVoltage / 1000)
			a.mqtt.PublishIfChanged(prefix+"/pack_energy_remaining", agg.EnergyRemaining, true)

			if len(totalCaps) > 0 {
				agg.EnergyToFull = round2((sum(totalCaps) - totalRemaining) * agg.TotalVoltage / 1000)
				a.mqtt.PublishIfChanged(prefix+"/pack_energy_to_full", agg.EnergyToFull, true)
			}
		}
	}

	if len(socs) > 0 {
		agg.AverageSOC = round1(avg(socs))
		agg.MinSOC = round1(minOf(socs))
		agg.MaxSOC = round1(maxOf(socs))
		agg.SOCSpread = round1(maxOf(socs) - minOf(socs))
		a.mqtt.PublishIfChanged(prefix+"/pack_average_soc", agg.AverageSOC, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_min_soc", agg.MinSOC, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_max_soc", agg.MaxSOC, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_soc_spread", agg.SOCSpread, true)
	}
	if len(sohs) > 0 {
		agg.MinSOH = round1(minOf(sohs))
		a.mqtt.PublishIfChanged(prefix+"/pack_min_soh", agg.MinSOH, true)
	}
	if len(cycles) > 0 {
		agg.MaxCycles = cycles[0]
		for _, c := range cycles[1:] {
			if c > agg.MaxCycles {
				agg.MaxCycles = c
			}
		}
		a.mqtt.PublishIfChanged(prefix+"/pack_max_cycles", agg.MaxCycles, true)
	}

	if len(cellVoltages) > 0 {
		minCell, maxCell := minOf(cellVoltages), maxOf(cellVoltages)
		agg.MinCellVoltage = round3(minCell)
		agg.MaxCellVoltage = round3(maxCell)
		agg.CellDelta = int((maxCell - minCell) * 1000)
		agg.AvgCellVoltage = round3(avg(cellVoltages))
		a.mqtt.PublishIfChanged(prefix+"/pack_min_cell_voltage", agg.MinCellVoltage, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_max_cell_voltage", agg.MaxCellVoltage, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_cell_delta", agg.CellDelta, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_avg_cell_voltage", agg.AvgCellVoltage, true)
	}

	if len(temps) > 0 {
		agg.MinTemp = round1(minOf(temps))
		agg.MaxTemp = round1(maxOf(temps))
		agg.AvgTemp = round1(avg(temps))
		a.mqtt.PublishIfChanged(prefix+"/pack_min_temp", agg.MinTemp, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_max_temp", agg.MaxTemp, true)
		a.mqtt.PublishIfChanged(prefix+"/pack_avg_temp", agg.AvgTemp, true)
	}

	a.mqtt.PublishIfChanged(prefix+"/pack_total_alarms", agg.TotalAlarms, true)
	a.mqtt.PublishIfChanged(prefix+"/pack_total_protections", agg.TotalProtections, true)
	a.mqtt.PublishIfChanged(prefix+"/pack_balancing_cells", agg.BalancingCells, true)

	// Per-battery limits shrink the usable pack limit, so the minimum wins.
	if len(maxDisCurts) > 0 {
		agg.MaxDischargeCurrent = minOfInt(maxDisCurts)
		a.mqtt.PublishIfChanged(prefix+"/pack_max_discharge_current", agg.MaxDischargeCurrent, true)
	}
	if len(maxChgCurts) > 0 {
		agg.MaxChargeCurrent = minOfInt(maxChgCurts)
		a.mqtt.PublishIfChanged(prefix+"/pack_max_charge_current", agg.MaxChargeCurrent, true)
	}

	a.mqtt.PublishIfChanged(prefix+"/pack_status", agg.Status, true)
	return agg
}

// packStatus derives the bank state: any charging battery makes the pack
// charging, then discharging, then float charging, otherwise standby.
func packStatus(online []BatteryState) string {
	has := func(want busdecoder.OperatingStatus) bool {
		for _, b := range online {
			if b.HasAlarms && b.Alarms.Status == want {
				return true
			}
		}
		return false
	}
	switch {
	case has(busdecoder.StatusCharge):
		return PackStatusCharging
	case has(busdecoder.StatusDischarge):
		return PackStatusDischarging
	case has(busdecoder.StatusFloatingCharge):
		return PackStatusFloatCharging
	default:
		return PackStatusStandby
	}
}

// plausibleTemp filters sensor glitches and unpopulated probes.
func plausibleTemp(t float64) bool {
	return t > -40 && t < 100
}

func sum(vals []float64) float64 {
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func avg(vals []float64) float64 {
	return sum(vals) / float64(len(vals))
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOfInt(vals []int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
