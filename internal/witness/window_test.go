package witness

import (
	"testing"
	"time"
)

func gate() Gate {
	return Gate{Window: 72 * time.Hour, CheckpointSuffix: "-000000"}
}

func cp(d int) Snapshot {
	t := day(d)
	return Snapshot{Name: "daily-" + t.Format("20060102") + "-000000", CreatedAt: t, Size: 100}
}

func TestIsCheckpoint(t *testing.T) {
	g := gate()
	if !g.IsCheckpoint("daily-20250601-000000") {
		t.Error("midnight snapshot should be a checkpoint")
	}
	if g.IsCheckpoint("hourly-20250601-130000") {
		t.Error("intraday snapshot must not be a checkpoint")
	}
}

func TestSignificant(t *testing.T) {
	g := gate()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("target holding source anchor is adequately in sync", func(t *testing.T) {
		// Intraday snapshots differ, but the latest checkpoints agree.
		src := md("m-a", cp(14), snap("hourly-1", day(14).Add(6*time.Hour)))
		tgt := md("m-b", cp(14))
		if g.Significant(src, tgt, now) {
			t.Error("shared latest checkpoint must suppress significance")
		}
	})

	t.Run("anchors farther apart than the window", func(t *testing.T) {
		src := md("m-a", cp(1), cp(10))
		tgt := md("m-b", cp(1))
		if !g.Significant(src, tgt, now) {
			t.Error("9 day anchor gap should be significant")
		}
	})

	t.Run("anchors within the window", func(t *testing.T) {
		src := md("m-a", cp(12), cp(14))
		tgt := md("m-b", cp(12))
		if g.Significant(src, tgt, now) {
			t.Error("2 day anchor gap is inside the window")
		}
	})

	t.Run("target without checkpoint uses source anchor age", func(t *testing.T) {
		oldSrc := md("m-a", cp(10))
		empty := md("m-b")
		if !g.Significant(oldSrc, empty, now) {
			t.Error("anchor older than the window should be significant")
		}

		freshSrc := md("m-a", cp(14))
		if g.Significant(freshSrc, empty, now) {
			t.Error("anchor newer than the window should not be significant yet")
		}
	})

	t.Run("source without checkpoint cannot be assessed", func(t *testing.T) {
		src := md("m-a", snap("hourly-1", day(1)))
		tgt := md("m-b")
		if g.Significant(src, tgt, now) {
			t.Error("no checkpoint on source must yield false")
		}
	})
}

func TestAllowedEnd(t *testing.T) {
	g := gate()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("newest snapshot old enough wins", func(t *testing.T) {
		src := md("m-a", cp(1), cp(10), cp(14))
		end, ok := g.AllowedEnd(src, now)
		if !ok {
			t.Fatal("expected an allowed end")
		}
		// now-72h is June 12 12:00; June 14 is too recent, June 10 is not.
		if end.Name != cp(10).Name {
			t.Errorf("allowed end = %s, want %s", end.Name, cp(10).Name)
		}
	})

	t.Run("everything too recent", func(t *testing.T) {
		src := md("m-a", cp(13), cp(14))
		if _, ok := g.AllowedEnd(src, now); ok {
			t.Error("no snapshot should be old enough")
		}
	})
}

func TestEligible(t *testing.T) {
	g := gate()

	t.Run("caps the missing set, never skips it wholesale", func(t *testing.T) {
		missing := []Snapshot{cp(5), cp(8), cp(13), cp(14)}
		eligible := g.Eligible(missing, cp(10))
		if len(eligible) != 2 {
			t.Fatalf("eligible = %v, want the two snapshots at or before the cap", eligible)
		}
		if eligible[0].Name != cp(5).Name || eligible[1].Name != cp(8).Name {
			t.Errorf("eligible = %v", eligible)
		}
	})

	t.Run("cap at exact timestamp is inclusive", func(t *testing.T) {
		eligible := g.Eligible([]Snapshot{cp(10)}, cp(10))
		if len(eligible) != 1 {
			t.Fatalf("eligible = %v, want the cap snapshot itself", eligible)
		}
	})
}
