package busdecoder

import "math"

// emit dispatches a validated frame payload on (function code, byte count)
// and hands the decoded record to the sink.
func (d *Decoder) emit(unitID, functionCode byte, payload []byte) {
	var rec Record
	switch {
	case functionCode == FuncReadInputRegisters && len(payload) == mainInfoBytes:
		rec = decodeMainInfo(payload)
	case functionCode == FuncReadInputRegisters && len(payload) == cellInfoBytes:
		rec = decodeCellInfo(payload)
	case functionCode == FuncReadCoils && len(payload) == alarmStatusBytes:
		rec = decodeAlarmStatus(payload)
	default:
		rec = Unrecognized{
			FunctionCode: functionCode,
			ByteCount:    len(payload),
			Payload:      payload,
		}
	}
	if d.records != nil {
		d.records(unitID, rec)
	}
}

func word(p []byte, i int) int {
	return int(p[2*i])<<8 | int(p[2*i+1])
}

// signed16 reinterprets an unsigned 16-bit value as two's complement.
func signed16(w int) int {
	if w > 32767 {
		return w - 65536
	}
	return w
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// kelvinTenthsToCelsius converts the BMS temperature encoding (Kelvin × 10)
// to degrees Celsius.
func kelvinTenthsToCelsius(w int) float64 {
	return roundTo(float64(w)/10-273.15, 1)
}

// decodeMainInfo decodes the 18-word pack main information payload.
// Word 14 is reserved and word 17 carries nothing this decoder knows about.
func decodeMainInfo(p []byte) MainInfo {
	m := MainInfo{
		PackVoltage:            roundTo(float64(word(p, 0))/100, 2),
		Current:                roundTo(float64(signed16(word(p, 1)))/100, 2),
		RemainingCapacity:      roundTo(float64(word(p, 2))/100, 2),
		TotalCapacity:          roundTo(float64(word(p, 3))/100, 2),
		TotalDischargeCapacity: word(p, 4) * 10,
		SOC:                    roundTo(float64(word(p, 5))/10, 1),
		SOH:                    roundTo(float64(word(p, 6))/10, 1),
		Cycles:                 word(p, 7),
		AverageCellVoltage:     roundTo(float64(word(p, 8))/1000, 3),
		AverageCellTemp:        kelvinTenthsToCelsius(word(p, 9)),
		MaxCellVoltage:         roundTo(float64(word(p, 10))/1000, 3),
		MinCellVoltage:         roundTo(float64(word(p, 11))/1000, 3),
		MaxCellTemp:            kelvinTenthsToCelsius(word(p, 12)),
		MinCellTemp:            kelvinTenthsToCelsius(word(p, 13)),
		MaxDischargeCurrent:    word(p, 15),
		MaxChargeCurrent:       word(p, 16),
		CellDelta:              word(p, 10) - word(p, 11),
	}
	m.Power = int(math.Round(-m.Current * m.PackVoltage))
	return m
}

// decodeCellInfo decodes 16 cell voltages, 4 cell temperatures, ambient and
// MOSFET temperature.
func decodeCellInfo(p []byte) CellInfo {
	var c CellInfo
	for i := 0; i < 16; i++ {
		c.CellVoltages[i] = roundTo(float64(word(p, i))/1000, 3)
	}
	for i := 0; i < 4; i++ {
		c.CellTemps[i] = kelvinTenthsToCelsius(word(p, 16+i))
	}
	c.AmbientTemp = kelvinTenthsToCelsius(word(p, 24))
	c.MosfetTemp = kelvinTenthsToCelsius(word(p, 25))
	return c
}

func bit(b byte, n uint) bool {
	return b>>n&1 == 1
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// operatingStatus reports the first set bit in fixed priority order. The
// hardware can raise several bits at once; only the highest-priority one is
// reported, matching the vendor tooling. Do not turn this into overlap
// detection.
func operatingStatus(b byte) OperatingStatus {
	switch {
	case bit(b, 0):
		return StatusDischarge
	case bit(b, 1):
		return StatusCharge
	case bit(b, 2):
		return StatusFloatingCharge
	case bit(b, 3):
		return StatusFullCharge
	case bit(b, 4):
		return StatusStandby
	case bit(b, 5):
		return StatusOff
	default:
		return StatusUnknown
	}
}

// decodeAlarmStatus decodes the 18-byte alarm/status payload. Bitmap words
// are assembled little-endian (low byte first), unlike the register payloads.
func decodeAlarmStatus(p []byte) AlarmStatus {
	a := AlarmStatus{
		CellUndervoltBits: uint16(p[1])<<8 | uint16(p[0]),
		CellOvervoltBits:  uint16(p[3])<<8 | uint16(p[2]),
		CellTempBits:      uint16(p[5])<<8 | uint16(p[4]),
		BalancingBits:     uint16(p[7])<<8 | uint16(p[6]),

		Status: operatingStatus(p[8]),

		CellHighVoltage:   bit(p[9], 0),
		CellOvervoltProt:  bit(p[9], 1),
		CellLowVoltage:    bit(p[9], 2),
		CellUndervoltProt: bit(p[9], 3),
		PackHighVoltage:   bit(p[9], 4),
		PackOvervoltProt:  bit(p[9], 5),
		PackLowVoltage:    bit(p[9], 6),
		PackUndervoltProt: bit(p[9], 7),

		ChargeHighTemp:         bit(p[10], 0),
		ChargeOvertempProt:     bit(p[10], 1),
		ChargeLowTemp:          bit(p[10], 2),
		ChargeUndertempProt:    bit(p[10], 3),
		DischargeHighTemp:      bit(p[10], 4),
		DischargeOvertempProt:  bit(p[10], 5),
		DischargeLowTemp:       bit(p[10], 6),
		DischargeUndertempProt: bit(p[10], 7),

		AmbientHighTemp:     bit(p[11], 0),
		AmbientOvertempProt: bit(p[11], 1),
		MosfetHighTemp:      bit(p[11], 4),
		MosfetOvertempProt:  bit(p[11], 5),
		HeatingActive:       bit(p[11], 6),

		ChargeCurrentHigh:         bit(p[12], 0),
		ChargeOvercurrentProt:     bit(p[12], 1),
		ChargeOvercurrent2Prot:    bit(p[12], 2),
		DischargeCurrentHigh:      bit(p[12], 3),
		DischargeOvercurrentProt:  bit(p[12], 4),
		DischargeOvercurrent2Prot: bit(p[12], 5),
		ShortCircuitProt:          bit(p[12], 6),

		SOCLow:   bit(p[14], 2),
		SOCProt:  bit(p[14], 3),
		CellDiff: bit(p[14], 4),

		FETDischarge:    bit(p[15], 0),
		FETCharge:       bit(p[15], 1),
		FETCurrentLimit: bit(p[15], 2),
		FETHeater:       bit(p[15], 3),

		BalancingActive: bit(p[16], 0),

		FailureNTC:             bit(p[17], 0),
		FailureAFE:             bit(p[17], 1),
		FailureChargeMosfet:    bit(p[17], 2),
		FailureDischargeMosfet: bit(p[17], 3),
		FailureCellDiff:        bit(p[17], 4),
	}

	a.BalancingCells = []int{}
	for i := 0; i < 16; i++ {
		if a.BalancingBits>>i&1 == 1 {
			a.BalancingCells = append(a.BalancingCells, i+1)
		}
	}
	a.BalancingCount = len(a.BalancingCells)

	a.AlarmCount = countSet(
		a.CellHighVoltage, a.CellOvervoltProt, a.CellLowVoltage, a.CellUndervoltProt,
		a.PackHighVoltage, a.PackOvervoltProt, a.PackLowVoltage, a.PackUndervoltProt,
		a.ChargeHighTemp, a.ChargeOvertempProt, a.ChargeLowTemp, a.ChargeUndertempProt,
		a.DischargeHighTemp, a.DischargeOvertempProt, a.DischargeLowTemp, a.DischargeUndertempProt,
		a.AmbientHighTemp, a.AmbientOvertempProt, a.MosfetHighTemp, a.MosfetOvertempProt,
		a.ChargeCurrentHigh, a.ChargeOvercurrentProt, a.DischargeCurrentHigh, a.DischargeOvercurrentProt,
		a.ShortCircuitProt, a.SOCLow, a.CellDiff,
	)
	a.ProtectionCount = countSet(
		a.CellOvervoltProt, a.CellUndervoltProt,
		a.PackOvervoltProt, a.PackUndervoltProt,
		a.ChargeOvertempProt, a.ChargeUndertempProt,
		a.DischargeOvertempProt, a.DischargeUndertempProt,
		a.AmbientOvertempProt, a.MosfetOvertempProt,
		a.ChargeOvercurrentProt, a.ChargeOvercurrent2Prot,
		a.DischargeOvercurrentProt, a.DischargeOvercurrent2Prot,
		a.ShortCircuitProt, a.SOCProt,
	)
	a.FailureCount = countSet(
		a.FailureNTC, a.FailureAFE, a.FailureChargeMosfet,
		a.FailureDischargeMosfet, a.FailureCellDiff,
	)
	return a
}
