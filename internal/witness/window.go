package witness

import (
	"strings"
	"time"
)

// Gate implements the consistency window policy: whether a detected gap is
// worth acting on now, and how recent the data sent may be. The two checks
// are independent; both are parameterized by the window W.
type Gate struct {
	// Window is W: the maximum tolerated checkpoint lag, and the minimum age
	// a snapshot must have before it may be sent.
	Window time.Duration
	// CheckpointSuffix identifies canonical comparison snapshots (the
	// once-daily markers), e.g. "-000000".
	CheckpointSuffix string
}

// IsCheckpoint reports whether a snapshot name follows the checkpoint
// convention.
func (g Gate) IsCheckpoint(name string) bool {
	return g.CheckpointSuffix != "" && strings.HasSuffix(name, g.CheckpointSuffix)
}

// latestCheckpoint returns the newest checkpoint snapshot, or false if the
// machine has none.
func (g Gate) latestCheckpoint(md *MachineDataset) (Snapshot, bool) {
	for i := len(md.Snapshots) - 1; i >= 0; i-- {
		if g.IsCheckpoint(md.Snapshots[i].Name) {
			return md.Snapshots[i], true
		}
	}
	return Snapshot{}, false
}

// Significant answers "is this pair worth bothering with at all". The anchor
// for comparison is the latest checkpoint snapshot on each side, never every
// snapshot:
//
//   - target already holds the source's latest checkpoint: adequately in
//     sync for this pass, even if other snapshots differ;
//   - target has no checkpoint at all: significant once the source anchor
//     itself is older than W;
//   - otherwise significant when the anchors are more than W apart.
//
// A source without any checkpoint snapshot cannot be assessed and is skipped.
func (g Gate) Significant(src, tgt *MachineDataset, now time.Time) bool {
	srcAnchor, ok := g.latestCheckpoint(src)
	if !ok {
		return false
	}
	if tgt.Holds(srcAnchor.Name) {
		return false
	}
	tgtAnchor, ok := g.latestCheckpoint(tgt)
	if !ok {
		return now.Sub(srcAnchor.CreatedAt) > g.Window
	}
	return srcAnchor.CreatedAt.Sub(tgtAnchor.CreatedAt) > g.Window
}

// AllowedEnd returns the newest source snapshot old enough to be sent: the
// latest one whose timestamp is at or before now-W. This caps how current
// the transferred data may be, independent of how far behind the target
// started, so post-sync lag never exceeds W.
func (g Gate) AllowedEnd(src *MachineDataset, now time.Time) (Snapshot, bool) {
	cutoff := now.Add(-g.Window)
	for i := len(src.Snapshots) - 1; i >= 0; i-- {
		if !src.Snapshots[i].CreatedAt.After(cutoff) {
			return src.Snapshots[i], true
		}
	}
	return Snapshot{}, false
}

// Eligible caps the missing set at the allowed end. The gate always shrinks
// the eligible set per dataset; it never converts one comparison into an
// entire-dataset skip, so a single recent checkpoint match cannot suppress
// action on a long run of older missing snapshots.
func (g Gate) Eligible(missing []Snapshot, allowedEnd Snapshot) []Snapshot {
	var eligible []Snapshot
	for _, s := range missing {
		if !s.CreatedAt.After(allowedEnd.CreatedAt) {
			eligible = append(eligible, s)
		}
	}
	return eligible
}
