package packdb

// BatterySampleRow is one stored battery telemetry sample.
type BatterySampleRow struct {
	Timestamp         int64   `db:"timestamp"`
	Unit              int     `db:"unit"`
	PackVoltage       float64 `db:"pack_voltage"`
	Current           float64 `db:"current"`
	Power             int     `db:"power"`
	SOC               float64 `db:"soc"`
	SOH               float64 `db:"soh"`
	RemainingCapacity float64 `db:"remaining_capacity"`
	TotalCapacity     float64 `db:"total_capacity"`
	Cycles            int     `db:"cycles"`
	MinCellVoltage    float64 `db:"min_cell_voltage"`
	MaxCellVoltage    float64 `db:"max_cell_voltage"`
	CellDelta         int     `db:"cell_delta"`
	MinCellTemp       float64 `db:"min_cell_temp"`
	MaxCellTemp       float64 `db:"max_cell_temp"`
	AlarmCount        int     `db:"alarm_count"`
	ProtectionCount   int     `db:"protection_count"`
	Status            string  `db:"status"`
}

// Stats is a snapshot of the store's write counters.
type Stats struct {
	BatteryWrites int64
	PackWrites    int64
	WriteErrors   int64
}
