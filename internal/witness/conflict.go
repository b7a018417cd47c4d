package witness

import (
	"math"
	"sort"
	"time"

	"zw-go/internal/model"
)

// Detector classifies disagreements between machines' histories for one
// logical dataset. It runs independently of gap detection; its findings gate
// action building but never the other way around.
type Detector struct {
	// SizeRatio is the relative size difference beyond which two copies of
	// the same snapshot are considered mismatched.
	SizeRatio float64
	// TimestampTolerance absorbs clock skew between machines before a
	// timestamp difference counts as divergence.
	TimestampTolerance time.Duration
}

// Detect evaluates every snapshot name in the dataset view across members
// and returns the conflicts found. A name flagged as diverged must never be
// used as a common ancestor by the comparator; the engine enforces that by
// withholding actions per the group strategy.
func Detect(d Detector, groupID string, ds *DatasetView) []model.Conflict {
	machineIDs := make([]string, 0, len(ds.Machines))
	for id := range ds.Machines {
		machineIDs = append(machineIDs, id)
	}
	sort.Strings(machineIDs)
	if len(machineIDs) < 2 {
		return nil
	}

	names := map[string][]model.ConflictMachine{}
	for _, id := range machineIDs {
		md := ds.Machines[id]
		for _, s := range md.Snapshots {
			names[s.Name] = append(names[s.Name], model.ConflictMachine{
				MachineID: id,
				Pool:      md.Pool,
				CreatedAt: s.CreatedAt,
				Size:      s.Size,
			})
		}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var conflicts []model.Conflict
	for _, name := range ordered {
		holders := names[name]
		if len(holders) >= 2 {
			if c, ok := d.sharedNameConflict(groupID, ds.Name, name, holders); ok {
				conflicts = append(conflicts, c)
				continue
			}
		}
		if len(holders) < len(machineIDs) {
			kind := model.ConflictMissing
			severity := model.SeverityLow
			if d.orphaned(ds, name, holders) {
				kind = model.ConflictOrphaned
				severity = model.SeverityMedium
			}
			conflicts = append(conflicts, model.Conflict{
				GroupID:  groupID,
				Dataset:  ds.Name,
				Snapshot: name,
				Kind:     kind,
				Severity: severity,
				Machines: holders,
			})
		}
	}
	return conflicts
}

// sharedNameConflict checks a name held by two or more machines for
// divergence or size mismatch. Timestamps differing beyond tolerance mean
// the machines hold different points in history; equal timestamps with a
// size gap beyond the ratio mean the copies disagree about content size.
func (d Detector) sharedNameConflict(groupID, dataset, name string, holders []model.ConflictMachine) (model.Conflict, bool) {
	minTS, maxTS := holders[0].CreatedAt, holders[0].CreatedAt
	var minSize, maxSize int64 = holders[0].Size, holders[0].Size
	for _, h := range holders[1:] {
		if h.CreatedAt.Before(minTS) {
			minTS = h.CreatedAt
		}
		if h.CreatedAt.After(maxTS) {
			maxTS = h.CreatedAt
		}
		if h.Size < minSize {
			minSize = h.Size
		}
		if h.Size > maxSize {
			maxSize = h.Size
		}
	}

	if spread := maxTS.Sub(minTS); spread > d.TimestampTolerance {
		magnitude := float64(spread) / float64(24*time.Hour)
		return model.Conflict{
			GroupID:  groupID,
			Dataset:  dataset,
			Snapshot: name,
			Kind:     model.ConflictDiverged,
			Severity: severityOf(len(holders), magnitude),
			Machines: holders,
		}, true
	}

	if maxSize > 0 && minSize >= 0 {
		ratio := sizeDeltaRatio(minSize, maxSize)
		if ratio > d.SizeRatio {
			// Severity grows with how far the copies disagree relative to
			// the configured tolerance.
			magnitude := ratio / d.SizeRatio / 4
			return model.Conflict{
				GroupID:  groupID,
				Dataset:  dataset,
				Snapshot: name,
				Kind:     model.ConflictSizeMismatch,
				Severity: severityOf(len(holders), magnitude),
				Machines: holders,
			}, true
		}
	}
	return model.Conflict{}, false
}

// orphaned reports whether a name unique to its holders marks a chain with
// no possible common ancestor: the holding machine has no older snapshot
// shared with any other member.
func (d Detector) orphaned(ds *DatasetView, name string, holders []model.ConflictMachine) bool {
	if len(holders) != 1 {
		return false
	}
	holder := ds.Machines[holders[0].MachineID]
	snap, ok := holder.Find(name)
	if !ok {
		return false
	}
	for _, older := range holder.Snapshots {
		if !older.CreatedAt.Before(snap.CreatedAt) {
			break
		}
		for id, other := range ds.Machines {
			if id == holder.MachineID {
				continue
			}
			if other.Holds(older.Name) {
				return false
			}
		}
	}
	return true
}

// sizeDeltaRatio is the relative gap between the smallest and largest
// reported size, against the larger one.
func sizeDeltaRatio(minSize, maxSize int64) float64 {
	if maxSize == 0 {
		return 0
	}
	return float64(maxSize-minSize) / float64(maxSize)
}

// severityOf grades a conflict: monotonic in the number of disagreeing
// machines and in the magnitude of the difference (normalized so 1.0 is a
// clearly serious gap).
func severityOf(machines int, magnitude float64) model.ConflictSeverity {
	score := 0
	switch {
	case magnitude >= 1:
		score += 2
	case magnitude >= 0.25:
		score++
	}
	if machines > 2 {
		score++
	}
	if math.IsNaN(magnitude) {
		score = 0
	}
	switch {
	case score >= 2:
		return model.SeverityHigh
	case score == 1:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Blocking reports whether a conflict should withhold sync actions for its
// dataset under the group's strategy. Informational lag never blocks; with
// the manual strategy every real disagreement blocks until resolved; the
// ignore strategy never blocks.
func Blocking(c model.Conflict, strategy model.ResolutionStrategy) bool {
	if c.Resolved || c.Kind == model.ConflictMissing {
		return false
	}
	return strategy == model.ResolveManual
}
