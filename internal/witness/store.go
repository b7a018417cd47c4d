package witness

import (
	"context"
	"errors"
	"time"

	"zw-go/internal/model"
)

// Sentinel errors callers branch on.
var (
	ErrMachineNotFound  = errors.New("machine not found")
	ErrGroupNotFound    = errors.New("sync group not found")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrStateNotFound    = errors.New("sync state not found")
)

// Store provides the persistence interface for the witness. All methods must
// be safe for concurrent use. Reads that feed a reconciliation pass must
// return a consistent view (single transaction).
type Store interface {
	// Machine operations

	// CreateMachine registers a new machine.
	CreateMachine(ctx context.Context, m *model.Machine) error

	// GetMachine returns a machine by ID, or ErrMachineNotFound.
	GetMachine(ctx context.Context, id string) (*model.Machine, error)

	// GetMachineByHostname returns a machine by its declared hostname.
	GetMachineByHostname(ctx context.Context, hostname string) (*model.Machine, error)

	// ListMachines returns all machines, including soft-removed ones.
	ListMachines(ctx context.Context) ([]model.Machine, error)

	// UpdateMachineLastSeen records a heartbeat.
	UpdateMachineLastSeen(ctx context.Context, id string, t time.Time) error

	// RemoveMachine soft-removes a machine. The row survives while groups
	// reference it.
	RemoveMachine(ctx context.Context, id string) error

	// Snapshot operations

	// UpsertSnapshots ingests a report for one machine. Keyed by
	// (machine, pool, dataset, name); an existing record may only have its
	// size corrected, never its timestamp.
	UpsertSnapshots(ctx context.Context, machineID string, recs []model.SnapshotRecord) error

	// SnapshotsForMachines returns every record for the given machines in a
	// single consistent read.
	SnapshotsForMachines(ctx context.Context, machineIDs []string) ([]model.SnapshotRecord, error)

	// Group operations

	CreateGroup(ctx context.Context, g *model.SyncGroup) error
	UpdateGroup(ctx context.Context, g *model.SyncGroup) error
	DeleteGroup(ctx context.Context, id string) error
	GetGroup(ctx context.Context, id string) (*model.SyncGroup, error)
	ListGroups(ctx context.Context) ([]model.SyncGroup, error)
	ListEnabledGroups(ctx context.Context) ([]model.SyncGroup, error)

	// GroupsForMachine returns the enabled groups the machine belongs to.
	GroupsForMachine(ctx context.Context, machineID string) ([]model.SyncGroup, error)

	// Sync state operations

	// StatesForGroup returns all reconciliation states for a group.
	StatesForGroup(ctx context.Context, groupID string) ([]model.SyncState, error)

	// GetState returns the state for one (group, machine, dataset) triple,
	// or ErrStateNotFound.
	GetState(ctx context.Context, groupID, machineID, dataset string) (*model.SyncState, error)

	// UpsertState writes a single state row outside a pass (completion and
	// failure reports from targets).
	UpsertState(ctx context.Context, st *model.SyncState) error

	// CommitPass applies the outcome of one reconciliation pass in a single
	// transaction: upserts the given states and replaces the group's
	// conflict set. Partial commits are not permitted.
	CommitPass(ctx context.Context, groupID string, states []model.SyncState, conflicts []model.Conflict) error

	// Conflict operations

	ConflictsForGroup(ctx context.Context, groupID string) ([]model.Conflict, error)
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)

	// MarkConflictResolved records the strategy applied to a conflict.
	MarkConflictResolved(ctx context.Context, id string, strategy model.ResolutionStrategy) error

	// Close closes the underlying connection.
	Close() error
}
