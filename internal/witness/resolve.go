package witness

import (
	"sort"

	"zw-go/internal/model"
)

// Resolver picks a canonical snapshot variant for a conflict per the
// configured strategy.
type Resolver struct {
	// MajorityAbstention controls how use_majority counts machines that do
	// not hold the snapshot at all: true (the default) treats them as
	// abstaining, so the majority is taken over holders only; false treats
	// them as dissenting, so a variant must also outnumber the non-holders
	// or the resolution falls back to newest.
	MajorityAbstention bool
}

// Canonical applies the strategy to a conflict and returns the machine whose
// copy becomes canonical. The second return is false for manual and ignore,
// which choose nothing: manual suspends action generation for the dataset
// until an operator records a resolution, ignore leaves the conflict
// standing without blocking.
func (r Resolver) Canonical(c model.Conflict, strategy model.ResolutionStrategy, memberCount int) (model.ConflictMachine, bool) {
	if len(c.Machines) == 0 {
		return model.ConflictMachine{}, false
	}
	switch strategy {
	case model.ResolveUseNewest:
		return newestOf(c.Machines), true
	case model.ResolveUseLargest:
		return largestOf(c.Machines), true
	case model.ResolveUseMajority:
		return r.majorityOf(c.Machines, memberCount), true
	default:
		return model.ConflictMachine{}, false
	}
}

func newestOf(machines []model.ConflictMachine) model.ConflictMachine {
	best := machines[0]
	for _, m := range machines[1:] {
		if m.CreatedAt.After(best.CreatedAt) ||
			(m.CreatedAt.Equal(best.CreatedAt) && m.MachineID < best.MachineID) {
			best = m
		}
	}
	return best
}

func largestOf(machines []model.ConflictMachine) model.ConflictMachine {
	best := machines[0]
	for _, m := range machines[1:] {
		if m.Size > best.Size ||
			(m.Size == best.Size && m.MachineID < best.MachineID) {
			best = m
		}
	}
	return best
}

// majorityOf groups the holders into variants by (timestamp, size) and picks
// the variant shared by the most machines; ties resolve to the newest
// variant. With abstention disabled, machines that hold nothing form their
// own bloc, and a variant that does not beat that bloc also falls back to
// newest.
func (r Resolver) majorityOf(machines []model.ConflictMachine, memberCount int) model.ConflictMachine {
	type variantKey struct {
		ts   int64
		size int64
	}
	variants := map[variantKey][]model.ConflictMachine{}
	for _, m := range machines {
		k := variantKey{ts: m.CreatedAt.UnixNano(), size: m.Size}
		variants[k] = append(variants[k], m)
	}

	keys := make([]variantKey, 0, len(variants))
	for k := range variants {
		keys = append(keys, k)
	}
	// Newest-first so the size comparison below resolves ties to newest.
	sort.Slice(keys, func(i, j int) bool { return keys[i].ts > keys[j].ts })

	best := keys[0]
	for _, k := range keys[1:] {
		if len(variants[k]) > len(variants[best]) {
			best = k
		}
	}

	if !r.MajorityAbstention {
		nonHolders := memberCount - len(machines)
		if nonHolders >= len(variants[best]) {
			return newestOf(machines)
		}
	}
	return newestOf(variants[best])
}
