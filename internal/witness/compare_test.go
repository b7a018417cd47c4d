package witness

import (
	"testing"
	"time"
)

func day(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

func md(machineID string, snaps ...Snapshot) *MachineDataset {
	return &MachineDataset{MachineID: machineID, Pool: "tank", Snapshots: snaps}
}

func snap(name string, at time.Time) Snapshot {
	return Snapshot{Name: name, CreatedAt: at, Size: 100}
}

func TestComparePair(t *testing.T) {
	t.Run("last common is newest shared name by timestamp", func(t *testing.T) {
		src := md("m-a", snap("s1", day(1)), snap("s2", day(2)), snap("s3", day(3)))
		tgt := md("m-b", snap("s1", day(1)), snap("s2", day(2)))

		r := ComparePair(src, tgt)
		if r.LastCommon == nil || r.LastCommon.Name != "s2" {
			t.Fatalf("LastCommon = %v, want s2", r.LastCommon)
		}
		if len(r.Missing) != 1 || r.Missing[0].Name != "s3" {
			t.Fatalf("Missing = %v, want [s3]", r.Missing)
		}
	})

	t.Run("missing excludes source snapshots older than last common", func(t *testing.T) {
		// The target never had s1, but it holds the newer s2; s1 is stale
		// history, not a gap to close.
		src := md("m-a", snap("s1", day(1)), snap("s2", day(2)), snap("s3", day(3)))
		tgt := md("m-b", snap("s2", day(2)))

		r := ComparePair(src, tgt)
		if r.LastCommon.Name != "s2" {
			t.Fatalf("LastCommon = %q", r.LastCommon.Name)
		}
		if len(r.Missing) != 1 || r.Missing[0].Name != "s3" {
			t.Fatalf("Missing = %v, want [s3]", r.Missing)
		}
	})

	t.Run("no shared history", func(t *testing.T) {
		src := md("m-a", snap("s1", day(1)), snap("s2", day(2)))
		tgt := md("m-b", snap("x1", day(1)))

		r := ComparePair(src, tgt)
		if r.LastCommon != nil {
			t.Fatalf("LastCommon = %v, want nil", r.LastCommon)
		}
		if len(r.Missing) != 2 {
			t.Fatalf("Missing = %v, want both source snapshots", r.Missing)
		}
	})

	t.Run("fully reconciled", func(t *testing.T) {
		src := md("m-a", snap("s1", day(1)))
		tgt := md("m-b", snap("s1", day(1)), snap("extra", day(2)))

		r := ComparePair(src, tgt)
		if !r.FullyReconciled() {
			t.Fatalf("expected fully reconciled, missing %v", r.Missing)
		}
	})

	t.Run("missing ascending by creation time", func(t *testing.T) {
		src := md("m-a", snap("s1", day(1)), snap("s2", day(2)), snap("s3", day(3)), snap("s4", day(4)))
		tgt := md("m-b", snap("s1", day(1)))

		r := ComparePair(src, tgt)
		for i := 1; i < len(r.Missing); i++ {
			if r.Missing[i].CreatedAt.Before(r.Missing[i-1].CreatedAt) {
				t.Fatalf("missing not ascending: %v", r.Missing)
			}
		}
	})
}
