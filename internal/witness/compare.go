package witness

// PairResult is the outcome of comparing one ordered (source, target) pair
// for a single logical dataset.
type PairResult struct {
	// LastCommon is the most recent snapshot (by source timestamp) whose
	// name exists on both machines. Nil when the histories share nothing.
	LastCommon *Snapshot
	// Missing holds the source snapshots the target lacks, strictly newer
	// than LastCommon, ascending by creation time.
	Missing []Snapshot
}

// FullyReconciled reports whether the target lacks nothing from the source.
func (r PairResult) FullyReconciled() bool { return len(r.Missing) == 0 }

// ComparePair computes the common history point and the snapshots the target
// lacks. Pure computation over the normalized views; ordering authority is
// the creation timestamp, names are identity only.
func ComparePair(src, tgt *MachineDataset) PairResult {
	tgtNames := make(map[string]struct{}, len(tgt.Snapshots))
	for _, s := range tgt.Snapshots {
		tgtNames[s.Name] = struct{}{}
	}

	var lastCommon *Snapshot
	for i := range src.Snapshots {
		s := src.Snapshots[i]
		if _, ok := tgtNames[s.Name]; !ok {
			continue
		}
		if lastCommon == nil || s.CreatedAt.After(lastCommon.CreatedAt) {
			lastCommon = &src.Snapshots[i]
		}
	}

	var missing []Snapshot
	for _, s := range src.Snapshots {
		if _, ok := tgtNames[s.Name]; ok {
			continue
		}
		if lastCommon == nil || s.CreatedAt.After(lastCommon.CreatedAt) {
			missing = append(missing, s)
		}
	}
	// src.Snapshots is already ascending, so missing is too.

	return PairResult{LastCommon: lastCommon, Missing: missing}
}
