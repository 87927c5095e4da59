package packdb

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/fleet"
)

// Store is the history sink backed by the pack database.
type Store struct {
	db *sql.DB

	batteryWrites int64
	packWrites    int64
	writeErrors   int64

	now func() time.Time
}

func NewStore() *Store {
	return &Store{db: GetDB(), now: time.Now}
}

// InsertBatterySample flattens the battery state into one history row.
func (s *Store) InsertBatterySample(unit byte, state fleet.BatteryState) error {
	m := state.Main
	var status string
	if state.HasAlarms {
		status = string(state.Alarms.Status)
	}
	_, err := s.db.Exec(
		"INSERT INTO battery_samples "+
			"(timestamp, unit, pack_voltage, current, power, soc, soh, "+
			"remaining_capacity, total_capacity, cycles, min_cell_voltage, max_cell_voltage, "+
			"cell_delta, min_cell_temp, max_cell_temp, alarm_count, protection_count, status) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.now().Unix(),
		unit,
		m.PackVoltage,
		m.Current,
		m.Power,
		m.SOC,
		m.SOH,
		m.RemainingCapacity,
		m.TotalCapacity,
		m.Cycles,
		m.MinCellVoltage,
		m.MaxCellVoltage,
		m.CellDelta,
		m.MinCellTemp,
		m.MaxCellTemp,
		state.Alarms.AlarmCount,
		state.Alarms.ProtectionCount,
		status,
	)
	if err != nil {
		atomic.AddInt64(&s.writeErrors, 1)
		return fmt.Errorf("insert battery sample: %w", err)
	}
	atomic.AddInt64(&s.batteryWrites, 1)
	return nil
}

func (s *Store) InsertPackSample(agg fleet.PackAggregate) error {
	_, err := s.db.Exec(
		"INSERT INTO pack_samples "+
			"(timestamp, batteries_online, total_voltage, total_current, total_power, "+
			"total_capacity, remaining_capacity, energy_remaining, energy_to_full, "+
			"average_soc, min_soc, max_soc, soc_spread, min_soh, max_cycles, "+
			"min_cell_voltage, max_cell_voltage, avg_cell_voltage, cell_delta, "+
			"min_temp, max_temp, avg_temp, total_alarms, total_protections, "+
			"balancing_cells, max_discharge_current, max_charge_current, status) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.now().Unix(),
		agg.BatteriesOnline,
		agg.TotalVoltage,
		agg.TotalCurrent,
		agg.TotalPower,
		agg.TotalCapacity,
		agg.RemainingCapacity,
		agg.EnergyRemaining,
		agg.EnergyToFull,
		agg.AverageSOC,
		agg.MinSOC,
		agg.MaxSOC,
		agg.SOCSpread,
		agg.MinSOH,
		agg.MaxCycles,
		agg.MinCellVoltage,
		agg.MaxCellVoltage,
		agg.AvgCellVoltage,
		agg.CellDelta,
		agg.MinTemp,
		agg.MaxTemp,
		agg.AvgTemp,
		agg.TotalAlarms,
		agg.TotalProtections,
		agg.BalancingCells,
		agg.MaxDischargeCurrent,
		agg.MaxChargeCurrent,
		agg.Status,
	)
	if err != nil {
		atomic.AddInt64(&s.writeErrors, 1)
		return fmt.Errorf("insert pack sample: %w", err)
	}
	atomic.AddInt64(&s.packWrites, 1)
	return nil
}

// CleanupOlderThan deletes samples older than the retention window and
// returns how many rows were removed.
func (s *Store) CleanupOlderThan(retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays).Unix()

	var removed int64
	for _, table := range []string{"battery_samples", "pack_samples"} {
		res, err := s.db.Exec("DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// RecentBatterySamples returns up to limit samples for one unit, newest
// first.
func (s *Store) RecentBatterySamples(unit byte, limit int) ([]BatterySampleRow, error) {
	rows, err := s.db.Query(
		"SELECT timestamp, unit, pack_voltage, current, power, soc, soh, "+
			"remaining_capacity, total_capacity, cycles, min_cell_voltage, max_cell_voltage, "+
			"cell_delta, min_cell_temp, max_cell_temp, alarm_count, protection_count, status "+
			"FROM battery_samples WHERE unit = ? ORDER BY timestamp DESC LIMIT ?",
		unit, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query battery samples: %w", err)
	}
	defer rows.Close()

	var samples []BatterySampleRow
	for rows.Next() {
		var r BatterySampleRow
		err := rows.Scan(
			&r.Timestamp, &r.Unit, &r.PackVoltage, &r.Current, &r.Power, &r.SOC, &r.SOH,
			&r.RemainingCapacity, &r.TotalCapacity, &r.Cycles, &r.MinCellVoltage, &r.MaxCellVoltage,
			&r.CellDelta, &r.MinCellTemp, &r.MaxCellTemp, &r.AlarmCount, &r.ProtectionCount, &r.Status,
		)
		if err != nil {
			return nil, err
		}
		samples = append(samples, r)
	}
	return samples, rows.Err()
}

func (s *Store) Stats() Stats {
	return Stats{
		BatteryWrites: atomic.LoadInt64(&s.batteryWrites),
		PackWrites:    atomic.LoadInt64(&s.packWrites),
		WriteErrors:   atomic.LoadInt64(&s.writeErrors),
	}
}
