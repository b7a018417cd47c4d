package witness

import (
	"time"

	"zw-go/internal/model"
)

// Snapshot is one snapshot inside a normalized dataset view. Name is identity
// across machines; CreatedAt is the only ordering authority.
type Snapshot struct {
	Name      string
	CreatedAt time.Time
	Size      int64
}

// MachineDataset is one machine's backing of a logical dataset: its local
// pool and its snapshots sorted ascending by creation time.
type MachineDataset struct {
	MachineID string
	Pool      string
	Snapshots []Snapshot
}

// Latest returns the newest snapshot, or false if there are none.
func (md *MachineDataset) Latest() (Snapshot, bool) {
	if len(md.Snapshots) == 0 {
		return Snapshot{}, false
	}
	return md.Snapshots[len(md.Snapshots)-1], true
}

// Holds reports whether the machine has a snapshot with the given name.
func (md *MachineDataset) Holds(name string) bool {
	for _, s := range md.Snapshots {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Find returns the snapshot with the given name.
func (md *MachineDataset) Find(name string) (Snapshot, bool) {
	for _, s := range md.Snapshots {
		if s.Name == name {
			return s, true
		}
	}
	return Snapshot{}, false
}

// DatasetView is a logical dataset as seen across a group: the same dataset
// identity possibly backed by differently named pools per machine.
type DatasetView struct {
	Name     string
	Machines map[string]*MachineDataset // keyed by machine ID
}

// CatalogView is the consistent, read-only input to one reconciliation pass:
// the group's members and every snapshot record they have reported, captured
// in a single read.
type CatalogView struct {
	Group    model.SyncGroup
	Machines map[string]model.Machine // keyed by machine ID
	Records  []model.SnapshotRecord
	ReadAt   time.Time
}
