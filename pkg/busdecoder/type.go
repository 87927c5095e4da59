// Package busdecoder reconstructs Seplos BMS V3 Modbus RTU response frames
// from a raw RS-485 byte stream. The bus is half duplex and shared with the
// inverter acting as master, so the decoder is strictly passive: it never
// writes, never retries, and has to find frame boundaries with nothing but
// the trailing CRC.
package busdecoder

// Function codes the decoder interprets. Anything else that still checksums
// correctly is passed through as an Unrecognized record.
const (
	FuncReadCoils          = 0x01
	FuncReadInputRegisters = 0x04
)

// Payload lengths that select a typed record.
const (
	mainInfoBytes    = 36 // PIA block, 0x1000
	cellInfoBytes    = 52 // PIB block, 0x1100
	alarmStatusBytes = 18 // PIC block, 0x1200
)

// Record is one decoded frame payload: MainInfo, CellInfo, AlarmStatus or
// Unrecognized.
type Record interface {
	Kind() string
}

// RecordSink receives every decoded record together with the unit identifier
// (slave address) of the battery that produced the frame. The sink owns the
// record after the call.
type RecordSink func(unitID byte, rec Record)

// TrashRun is a contiguous span of bytes the scanner rejected while
// resynchronizing. StartOffset is the absolute position of the first byte in
// the tap stream.
type TrashRun struct {
	StartOffset int64
	Bytes       []byte
}

// TrashSink receives one call per coalesced run of discarded bytes, never
// one call per byte.
type TrashSink func(run TrashRun)

// MainInfo is the pack main information block (FC04, 36 bytes).
type MainInfo struct {
	PackVoltage            float64 `json:"pack_voltage"`             // V
	Current                float64 `json:"current"`                  // A, negative while charging
	RemainingCapacity      float64 `json:"remaining_capacity"`       // Ah
	TotalCapacity          float64 `json:"total_capacity"`           // Ah
	TotalDischargeCapacity int     `json:"total_discharge_capacity"` // Ah
	SOC                    float64 `json:"soc"`                      // %
	SOH                    float64 `json:"soh"`                      // %
	Cycles                 int     `json:"cycles"`
	AverageCellVoltage     float64 `json:"average_cell_voltage"` // V
	AverageCellTemp        float64 `json:"average_cell_temp"`    // °C
	MaxCellVoltage         float64 `json:"max_cell_voltage"`     // V
	MinCellVoltage         float64 `json:"min_cell_voltage"`     // V
	MaxCellTemp            float64 `json:"max_cell_temp"`        // °C
	MinCellTemp            float64 `json:"min_cell_temp"`        // °C
	MaxDischargeCurrent    int     `json:"max_discharge_current"`
	MaxChargeCurrent       int     `json:"max_charge_current"`

	// Power flips the current sign: the BMS reports charge current as
	// negative, so positive power means the pack is delivering.
	Power int `json:"power"` // W
	// CellDelta is the raw max-min voltage word difference, in mV.
	CellDelta int `json:"cell_delta"`
}

func (MainInfo) Kind() string { return "main_info" }

// CellInfo is the per-cell information block (FC04, 52 bytes).
type CellInfo struct {
	CellVoltages [16]float64 `json:"cell_voltages"` // V
	CellTemps    [4]float64  `json:"cell_temps"`    // °C
	AmbientTemp  float64     `json:"ambient_temp"`  // °C
	MosfetTemp   float64     `json:"mosfet_temp"`   // °C
}

func (CellInfo) Kind() string { return "cell_info" }

// OperatingStatus is the decoded byte-8 state of the alarm/status block.
type OperatingStatus string

const (
	StatusDischarge      OperatingStatus = "Discharge"
	StatusCharge         OperatingStatus = "Charge"
	StatusFloatingCharge OperatingStatus = "Floating charge"
	StatusFullCharge     OperatingStatus = "Full charge"
	StatusStandby        OperatingStatus = "Standby"
	StatusOff            OperatingStatus = "Off"
	StatusUnknown        OperatingStatus = "Unknown"
)

// AlarmStatus is the pack alarm and status block (FC01, 18 bytes).
type AlarmStatus struct {
	// Per-cell alarm bitmaps, cell 1 = bit 0.
	CellUndervoltBits uint16 `json:"alarm_cell_undervolt"`
	CellOvervoltBits  uint16 `json:"alarm_cell_overvolt"`
	CellTempBits      uint16 `json:"alarm_cell_temp"`

	BalancingBits  uint16 `json:"balancing_bits"`
	BalancingCount int    `json:"balancing_count"`
	BalancingCells []int  `json:"balancing_cells"` // 1-indexed

	Status OperatingStatus `json:"status"`

	// Byte 9: voltage alarms and protections
	CellHighVoltage   bool `json:"alarm_cell_high_v"`
	CellOvervoltProt  bool `json:"alarm_cell_overvolt_prot"`
	CellLowVoltage    bool `json:"alarm_cell_low_v"`
	CellUndervoltProt bool `json:"alarm_cell_undervolt_prot"`
	PackHighVoltage   bool `json:"alarm_pack_high_v"`
	PackOvervoltProt  bool `json:"alarm_pack_overvolt_prot"`
	PackLowVoltage    bool `json:"alarm_pack_low_v"`
	PackUndervoltProt bool `json:"alarm_pack_undervolt_prot"`

	// Byte 10: cell temperature alarms and protections
	ChargeHighTemp         bool `json:"alarm_charge_high_temp"`
	ChargeOvertempProt     bool `json:"alarm_charge_overtemp_prot"`
	ChargeLowTemp          bool `json:"alarm_charge_low_temp"`
	ChargeUndertempProt    bool `json:"alarm_charge_undertemp_prot"`
	DischargeHighTemp      bool `json:"alarm_discharge_high_temp"`
	DischargeOvertempProt  bool `json:"alarm_discharge_overtemp_prot"`
	DischargeLowTemp       bool `json:"alarm_discharge_low_temp"`
	DischargeUndertempProt bool `json:"alarm_discharge_undertemp_prot"`

	// Byte 11: ambient/MOSFET temperature, heater
	AmbientHighTemp     bool `json:"alarm_ambient_high_temp"`
	AmbientOvertempProt bool `json:"alarm_ambient_overtemp_prot"`
	MosfetHighTemp      bool `json:"alarm_mosfet_high_temp"`
	MosfetOvertempProt  bool `json:"alarm_mosfet_overtemp_prot"`
	HeatingActive       bool `json:"heating_active"`

	// Byte 12: current alarms and protections
	ChargeCurrentHigh         bool `json:"alarm_charge_current"`
	ChargeOvercurrentProt     bool `json:"alarm_charge_overcurrent_prot"`
	ChargeOvercurrent2Prot    bool `json:"alarm_charge_overcurrent_2_prot"`
	DischargeCurrentHigh      bool `json:"alarm_discharge_current"`
	DischargeOvercurrentProt  bool `json:"alarm_discharge_overcurrent_prot"`
	DischargeOvercurrent2Prot bool `json:"alarm_discharge_overcurrent_2_prot"`
	ShortCircuitProt          bool `json:"alarm_short_circuit_prot"`

	// Byte 14: SOC and divergence
	SOCLow   bool `json:"alarm_soc_low"`
	SOCProt  bool `json:"alarm_soc_prot"`
	CellDiff bool `json:"alarm_cell_diff"`

	// Byte 15: FET status nibble
	FETDischarge    bool `json:"fet_discharge"`
	FETCharge       bool `json:"fet_charge"`
	FETCurrentLimit bool `json:"fet_current_limit"`
	FETHeater       bool `json:"fet_heater"`

	// Byte 16 bit 0
	BalancingActive bool `json:"balancing_active"`

	// Byte 17: hardware failures
	FailureNTC             bool `json:"failure_ntc"`
	FailureAFE             bool `json:"failure_afe"`
	FailureChargeMosfet    bool `json:"failure_charge_mosfet"`
	FailureDischargeMosfet bool `json:"failure_discharge_mosfet"`
	FailureCellDiff        bool `json:"failure_cell_diff"`

	AlarmCount      int `json:"alarm_count"`
	ProtectionCount int `json:"protection_count"`
	FailureCount    int `json:"failure_count"`
}

func (AlarmStatus) Kind() string { return "alarm_status" }

// Unrecognized carries a frame whose CRC validated but whose function
// code/length combination the decoder does not interpret. It is emitted
// rather than dropped: it is a real message from a real device.
type Unrecognized struct {
	FunctionCode byte   `json:"function_code"`
	ByteCount    int    `json:"byte_count"`
	Payload      []byte `json:"payload"`
}

func (Unrecognized) Kind() string { return "unrecognized" }
