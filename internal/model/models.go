package model

import "time"

// Connectivity is the derived reachability of a machine. It is computed
// from LastSeen against the heartbeat timeout, never stored.
type Connectivity string

const (
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
	ConnectivityUnknown Connectivity = "unknown"
)

// Machine represents a storage host that reports its snapshots to the witness.
type Machine struct {
	ID       string // UUID
	Hostname string // Declared hostname, unique
	Platform string // e.g. "linux", "freebsd"
	Address  string // Transport address (SSH host, may differ from Hostname)
	SSHUser  string // SSH username for generated commands
	SSHPort  int    // SSH port, defaults to 22
	APIKey   string // Opaque key issued at registration
	LastSeen *time.Time
	Removed  bool // Soft-remove; never physically deleted while referenced
}

// SnapshotRecord is one snapshot as reported by a machine. Identified by
// (MachineID, Pool, Dataset, Name). Immutable once reported except for Size,
// which a later report may correct.
type SnapshotRecord struct {
	ID        string // UUID
	MachineID string
	Pool      string // Machine-local storage pool backing the dataset
	Dataset   string // Dataset name as reported (may carry the pool prefix)
	Name      string // Snapshot label; identity across machines, never ordering
	CreatedAt time.Time
	Size      int64
}

// Topology selects how sources are chosen within a group.
type Topology string

const (
	// TopologyBidirectional allows any member to act as source for any other.
	TopologyBidirectional Topology = "bidirectional"
	// TopologyDirectional restricts the source role to the hub machine.
	TopologyDirectional Topology = "directional"
)

// SyncGroup groups machines whose snapshots should converge.
type SyncGroup struct {
	ID           string // UUID
	Name         string
	Enabled      bool
	Topology     Topology
	HubMachineID string // Required member when Topology is directional
	MemberIDs    []string
	PassInterval time.Duration
	Strategy     ResolutionStrategy // Conflict resolution strategy for the group
}

// SyncStatus is the reconciliation status of one (group, machine, dataset).
type SyncStatus string

const (
	StatusOutOfSync SyncStatus = "out_of_sync"
	StatusSyncing   SyncStatus = "syncing"
	StatusInSync    SyncStatus = "in_sync"
	StatusError     SyncStatus = "error"
	StatusConflict  SyncStatus = "conflict"
)

// SyncState tracks reconciliation progress for one target machine and dataset
// within a group. This is the only mutable entity the engine writes.
type SyncState struct {
	ID        string // UUID
	GroupID   string
	MachineID string
	Dataset   string // Logical dataset name (pool prefix stripped)
	Status    SyncStatus
	// PendingSnapshot is the ending snapshot of the instruction that moved
	// this state to syncing. Completion must reference it exactly.
	PendingSnapshot string
	LastSync        *time.Time
	LastCheck       *time.Time
	LastError       string
}

// ConflictKind classifies how machines disagree about a snapshot.
type ConflictKind string

const (
	// ConflictDiverged means the same name exists with timestamps that differ
	// beyond tolerance: the machines hold different points in history.
	ConflictDiverged ConflictKind = "diverged"
	// ConflictOrphaned means a snapshot chain has no possible common ancestor
	// on any other member.
	ConflictOrphaned ConflictKind = "orphaned"
	// ConflictMissing is informational: a name some members lack, with a valid
	// common ancestor everywhere. Plain lag, never blocks actions.
	ConflictMissing ConflictKind = "missing"
	// ConflictSizeMismatch means same name and timestamp but sizes differ
	// beyond the configured ratio.
	ConflictSizeMismatch ConflictKind = "size_mismatch"
)

// ConflictSeverity grades a conflict; monotonic in the number of disagreeing
// machines and the magnitude of the difference.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// ResolutionStrategy selects how a conflict's canonical snapshot is chosen.
type ResolutionStrategy string

const (
	ResolveUseNewest   ResolutionStrategy = "use_newest"
	ResolveUseLargest  ResolutionStrategy = "use_largest"
	ResolveUseMajority ResolutionStrategy = "use_majority"
	ResolveManual      ResolutionStrategy = "manual"
	ResolveIgnore      ResolutionStrategy = "ignore"
)

// ConflictMachine is one machine's view of a conflicting snapshot.
type ConflictMachine struct {
	MachineID string    `json:"machine_id"`
	Pool      string    `json:"pool"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Conflict records a disagreement between machines about a snapshot.
// Superseded, not accumulated, when the same (group, dataset, name, kind)
// recurs; removed when the disagreement disappears.
type Conflict struct {
	ID         string // UUID
	GroupID    string
	Dataset    string // Logical dataset name
	Snapshot   string // Snapshot name
	Kind       ConflictKind
	Severity   ConflictSeverity
	Machines   []ConflictMachine
	Resolved   bool
	ResolvedBy ResolutionStrategy // Strategy that resolved it, when Resolved
	DetectedAt time.Time
}

// Instruction is a declarative sync order for a target machine. The witness
// only ever computes these; a remote agent executes them.
type Instruction struct {
	GroupID       string `json:"group_id"`
	Dataset       string `json:"dataset"` // Logical dataset name
	SourceMachine string `json:"source_machine"`
	SourcePool    string `json:"source_pool"`
	TargetMachine string `json:"target_machine"`
	TargetPool    string `json:"target_pool"`
	StartSnapshot string `json:"start_snapshot,omitempty"` // Empty means full transfer (re-anchor)
	EndSnapshot   string `json:"end_snapshot"`
	TransferSize  int64  `json:"transfer_size,omitempty"` // Estimated bytes, from source records
	Command       string `json:"command,omitempty"`       // Ready-to-run transport command
}
