package packdb

import (
	"database/sql"
	"testing"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
	"github.com/sm2669/seplos-bms-mqtt/pkg/fleet"
)

func testStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	mem, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	schema, err := migrationFS.ReadFile("migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := mem.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	clock := time.Unix(1700000000, 0)
	return &Store{db: mem, now: func() time.Time { return clock }}, &clock
}

func sampleState() fleet.BatteryState {
	return fleet.BatteryState{
		Main: busdecoder.MainInfo{
			PackVoltage:       52.3,
			Current:           -2.5,
			Power:             131,
			SOC:               85.5,
			SOH:               99.8,
			RemainingCapacity: 120.5,
			TotalCapacity:     280.0,
			Cycles:            42,
			MinCellVoltage:    3.29,
			MaxCellVoltage:    3.35,
			CellDelta:         60,
			MinCellTemp:       21.9,
			MaxCellTemp:       31.9,
		},
		Alarms: busdecoder.AlarmStatus{
			Status:          busdecoder.StatusCharge,
			AlarmCount:      1,
			ProtectionCount: 0,
		},
		HasMain:   true,
		HasAlarms: true,
	}
}

func TestInsertAndQueryBatterySamples(t *testing.T) {
	s, clock := testStore(t)

	if err := s.InsertBatterySample(1, sampleState()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	*clock = clock.Add(time.Minute)
	if err := s.InsertBatterySample(1, sampleState()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertBatterySample(2, sampleState()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	samples, err := s.RecentBatterySamples(1, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples for unit 1, want 2", len(samples))
	}
	if samples[0].Timestamp <= samples[1].Timestamp {
		t.Error("samples not ordered newest first")
	}
	got := samples[0]
	if got.Unit != 1 || got.PackVoltage != 52.3 || got.SOC != 85.5 || got.Status != "Charge" {
		t.Errorf("row = %+v, want stored telemetry back", got)
	}

	stats := s.Stats()
	if stats.BatteryWrites != 3 || stats.WriteErrors != 0 {
		t.Errorf("stats = %+v, want 3 writes and no errors", stats)
	}
}

func TestInsertPackSample(t *testing.T) {
	s, _ := testStore(t)

	err := s.InsertPackSample(fleet.PackAggregate{
		BatteriesOnline: 2,
		TotalVoltage:    52.5,
		TotalCurrent:    5.0,
		TotalPower:      -255,
		Status:          fleet.PackStatusCharging,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var online int
	var status string
	row := s.db.QueryRow("SELECT batteries_online, status FROM pack_samples")
	if err := row.Scan(&online, &status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if online != 2 || status != "Charging" {
		t.Errorf("stored %d/%s, want 2/Charging", online, status)
	}
	if s.Stats().PackWrites != 1 {
		t.Errorf("PackWrites = %d, want 1", s.Stats().PackWrites)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s, clock := testStore(t)

	if err := s.InsertBatterySample(1, sampleState()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertPackSample(fleet.PackAggregate{BatteriesOnline: 1, Status: "Standby"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Move 91 days ahead so the rows above fall outside a 90 day window.
	*clock = clock.Add(91 * 24 * time.Hour)
	if err := s.InsertBatterySample(1, sampleState()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := s.CleanupOlderThan(90)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed %d rows, want 2", removed)
	}

	samples, err := s.RecentBatterySamples(1, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(samples) != 1 {
		t.Errorf("got %d samples after cleanup, want 1", len(samples))
	}
}
