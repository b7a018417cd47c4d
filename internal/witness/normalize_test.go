package witness

import (
	"testing"
	"time"

	"zw-go/internal/model"
)

func TestLogicalDataset(t *testing.T) {
	tests := []struct {
		name    string
		pool    string
		dataset string
		want    string
	}{
		{"prefix stripped", "tank", "tank/data", "data"},
		{"nested dataset keeps inner path", "tank", "tank/data/projects", "data/projects"},
		{"already logical", "tank", "data", "data"},
		{"different pool prefix untouched", "tank", "backup/data", "backup/data"},
		{"pool name inside dataset not stripped", "tank", "mytank/data", "mytank/data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LogicalDataset(tt.pool, tt.dataset); got != tt.want {
				t.Errorf("LogicalDataset(%q, %q) = %q, want %q", tt.pool, tt.dataset, got, tt.want)
			}
		})
	}
}

func TestSnapshotLabel(t *testing.T) {
	if got := SnapshotLabel("tank/data@daily-20250601-000000"); got != "daily-20250601-000000" {
		t.Errorf("got %q", got)
	}
	if got := SnapshotLabel("daily-20250601-000000"); got != "daily-20250601-000000" {
		t.Errorf("got %q", got)
	}
}

func rec(machine, pool, dataset, name string, at time.Time, size int64) model.SnapshotRecord {
	return model.SnapshotRecord{
		MachineID: machine,
		Pool:      pool,
		Dataset:   dataset,
		Name:      name,
		CreatedAt: at,
		Size:      size,
	}
}

func TestNormalize(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("same dataset across differently named pools", func(t *testing.T) {
		views, anomalies := Normalize([]model.SnapshotRecord{
			rec("m-a", "tank", "tank/data", "s1", base, 10),
			rec("m-b", "backup", "backup/data", "s1", base, 10),
		})
		if len(anomalies) != 0 {
			t.Fatalf("unexpected anomalies: %v", anomalies)
		}
		view, ok := views["data"]
		if !ok {
			t.Fatalf("missing logical dataset %q, got %v", "data", views)
		}
		if len(view.Machines) != 2 {
			t.Fatalf("expected 2 machines, got %d", len(view.Machines))
		}
		if view.Machines["m-a"].Pool != "tank" || view.Machines["m-b"].Pool != "backup" {
			t.Errorf("pool identity lost: %+v", view.Machines)
		}
	})

	t.Run("snapshots sorted ascending by creation time", func(t *testing.T) {
		views, _ := Normalize([]model.SnapshotRecord{
			rec("m-a", "tank", "tank/data", "s3", base.Add(48*time.Hour), 1),
			rec("m-a", "tank", "tank/data", "s1", base, 1),
			rec("m-a", "tank", "tank/data", "s2", base.Add(24*time.Hour), 1),
		})
		snaps := views["data"].Machines["m-a"].Snapshots
		want := []string{"s1", "s2", "s3"}
		for i, name := range want {
			if snaps[i].Name != name {
				t.Fatalf("position %d: got %q, want %q", i, snaps[i].Name, name)
			}
		}
	})

	t.Run("pool collision on one machine excludes the dataset", func(t *testing.T) {
		views, anomalies := Normalize([]model.SnapshotRecord{
			rec("m-a", "tank", "tank/data", "s1", base, 1),
			rec("m-a", "spare", "spare/data", "s2", base.Add(time.Hour), 1),
			rec("m-a", "tank", "tank/other", "s1", base, 1),
		})
		if _, ok := views["data"]; ok {
			t.Error("collided dataset should be excluded")
		}
		if _, ok := views["other"]; !ok {
			t.Error("unrelated dataset should survive")
		}
		if len(anomalies) != 1 || anomalies[0].Dataset != "data" {
			t.Errorf("expected one anomaly for data, got %v", anomalies)
		}
	})

	t.Run("qualified snapshot names reduced to labels", func(t *testing.T) {
		views, _ := Normalize([]model.SnapshotRecord{
			rec("m-a", "tank", "tank/data", "tank/data@s1", base, 1),
		})
		if got := views["data"].Machines["m-a"].Snapshots[0].Name; got != "s1" {
			t.Errorf("got %q, want s1", got)
		}
	})
}
