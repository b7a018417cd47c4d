package witness

import (
	"sort"
	"time"

	"zw-go/internal/model"
)

// candidate is one viable source for a (dataset, target) pair after gating.
type candidate struct {
	source     *MachineDataset
	lastCommon *Snapshot
	eligible   []Snapshot
}

// BuildActions turns gated, range-selected gaps into declarative sync
// instructions for one logical dataset. At most one instruction is produced
// per target per pass. Topology rules:
//
//   - directional: only the hub may be a source, and the hub is never a
//     target;
//   - bidirectional: every ordered pair is a candidate; for a given target
//     the source with the most recent common snapshot wins (maximizes
//     reusable shared history), ties broken by lowest machine ID.
//
// Pool names travel with each side: the instruction carries the source's
// pool and the target's own pool. Datasets blocked by manual conflicts or
// anomalies are filtered by the caller, not here.
func BuildActions(view *CatalogView, ds *DatasetView, gate Gate, cmdgen *CommandGenerator) []model.Instruction {
	group := view.Group
	now := view.ReadAt

	memberIDs := append([]string(nil), group.MemberIDs...)
	sort.Strings(memberIDs)

	var instructions []model.Instruction
	for _, targetID := range memberIDs {
		if group.Topology == model.TopologyDirectional && targetID == group.HubMachineID {
			continue
		}
		tgt, ok := ds.Machines[targetID]
		if !ok {
			// The target has never reported this dataset; a full transfer
			// is still possible from an empty view.
			tgt = &MachineDataset{MachineID: targetID}
		}

		best := pickSource(group, ds, tgt, gate, now, memberIDs)
		if best == nil {
			continue
		}

		instr := model.Instruction{
			GroupID:       group.ID,
			Dataset:       ds.Name,
			SourceMachine: best.source.MachineID,
			SourcePool:    best.source.Pool,
			TargetMachine: targetID,
			TargetPool:    targetPool(tgt, best.source),
			EndSnapshot:   best.eligible[len(best.eligible)-1].Name,
		}
		if best.lastCommon != nil {
			instr.StartSnapshot = best.lastCommon.Name
		}
		for _, s := range best.eligible {
			instr.TransferSize += s.Size
		}
		if cmdgen != nil {
			if src, ok := view.Machines[instr.SourceMachine]; ok {
				instr.Command = cmdgen.SyncCommand(instr, src)
			}
		}
		instructions = append(instructions, instr)
	}
	return instructions
}

// pickSource evaluates every permitted source for the target and selects the
// one whose last common snapshot is most recent; nil when nothing eligible
// survives the gate. memberIDs must be sorted so the tie-break is the lowest
// machine ID.
func pickSource(group model.SyncGroup, ds *DatasetView, tgt *MachineDataset, gate Gate, now time.Time, memberIDs []string) *candidate {
	var best *candidate
	for _, sourceID := range memberIDs {
		if sourceID == tgt.MachineID {
			continue
		}
		if group.Topology == model.TopologyDirectional && sourceID != group.HubMachineID {
			continue
		}
		src, ok := ds.Machines[sourceID]
		if !ok {
			continue
		}
		if !gate.Significant(src, tgt, now) {
			continue
		}
		pair := ComparePair(src, tgt)
		if pair.FullyReconciled() {
			continue
		}
		allowedEnd, ok := gate.AllowedEnd(src, now)
		if !ok {
			continue
		}
		eligible := gate.Eligible(pair.Missing, allowedEnd)
		if len(eligible) == 0 {
			// The gap exists but its members are not yet old enough to send.
			continue
		}
		cand := &candidate{source: src, lastCommon: pair.LastCommon, eligible: eligible}
		if better(cand, best) {
			best = cand
		}
	}
	return best
}

// better prefers the candidate with the most recent last common snapshot; a
// candidate with any common history beats a re-anchor. Equal common points
// fall back to the lower machine ID, which the sorted iteration already
// guarantees for the incumbent.
func better(cand, best *candidate) bool {
	if best == nil {
		return true
	}
	switch {
	case cand.lastCommon == nil:
		return false
	case best.lastCommon == nil:
		return true
	default:
		return cand.lastCommon.CreatedAt.After(best.lastCommon.CreatedAt)
	}
}

// targetPool picks the pool to receive into: the target's own pool when it
// already backs the dataset, otherwise the source's pool name is reused for
// the initial full transfer.
func targetPool(tgt, src *MachineDataset) string {
	if tgt.Pool != "" {
		return tgt.Pool
	}
	return src.Pool
}
