package witness

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"zw-go/internal/model"
)

var (
	// ErrMachineRemoved is returned when a soft-removed machine tries to
	// report or authenticate.
	ErrMachineRemoved = errors.New("machine has been removed")
	// ErrUnauthorized is returned when an API key does not match.
	ErrUnauthorized = errors.New("invalid api key")
	// ErrStaleReport is returned when a completion report does not match the
	// pending instruction; the state is left untouched.
	ErrStaleReport = errors.New("report does not match pending instruction")
	// ErrAlreadyResolved is returned when resolving a conflict twice.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// RegisterMachine registers a machine by hostname, or returns the existing
// registration. Re-registering is how an agent recovers its identity after a
// reinstall, so the call is idempotent and hands the API key back.
func (e *Engine) RegisterMachine(ctx context.Context, hostname, platform, address, sshUser string, sshPort int) (*model.Machine, error) {
	existing, err := e.store.GetMachineByHostname(ctx, hostname)
	if err == nil {
		if existing.Removed {
			return nil, ErrMachineRemoved
		}
		if err := e.store.UpdateMachineLastSeen(ctx, existing.ID, e.clock.Now()); err != nil {
			return nil, fmt.Errorf("recording registration heartbeat: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrMachineNotFound) {
		return nil, err
	}

	if sshPort == 0 {
		sshPort = 22
	}
	now := e.clock.Now()
	m := &model.Machine{
		ID:       e.idgen.New(),
		Hostname: hostname,
		Platform: platform,
		Address:  address,
		SSHUser:  sshUser,
		SSHPort:  sshPort,
		APIKey:   e.idgen.New(),
		LastSeen: &now,
	}
	if err := e.store.CreateMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("registering machine %s: %w", hostname, err)
	}
	e.logger.Info("machine registered", "machine", m.ID, "hostname", hostname)
	return m, nil
}

// AuthenticateMachine verifies a machine's API key.
func (e *Engine) AuthenticateMachine(ctx context.Context, machineID, apiKey string) (*model.Machine, error) {
	m, err := e.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m.Removed {
		return nil, ErrMachineRemoved
	}
	if subtle.ConstantTimeCompare([]byte(m.APIKey), []byte(apiKey)) != 1 {
		return nil, ErrUnauthorized
	}
	return m, nil
}

// Heartbeat records that a machine is reachable.
func (e *Engine) Heartbeat(ctx context.Context, machineID string) error {
	return e.store.UpdateMachineLastSeen(ctx, machineID, e.clock.Now())
}

// ReportSnapshots ingests a snapshot report from a machine. Reports are the
// only way snapshot records enter the catalog; a report also counts as a
// heartbeat.
func (e *Engine) ReportSnapshots(ctx context.Context, machineID string, recs []model.SnapshotRecord) error {
	m, err := e.store.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	if m.Removed {
		return ErrMachineRemoved
	}
	for i := range recs {
		recs[i].MachineID = machineID
		if recs[i].ID == "" {
			recs[i].ID = e.idgen.New()
		}
	}
	if err := e.store.UpsertSnapshots(ctx, machineID, recs); err != nil {
		return fmt.Errorf("ingesting %d snapshots from %s: %w", len(recs), machineID, err)
	}
	if err := e.store.UpdateMachineLastSeen(ctx, machineID, e.clock.Now()); err != nil {
		return err
	}
	e.logger.Debug("snapshot report ingested", "machine", machineID, "records", len(recs))
	return nil
}

// ReportCompletion handles a target's report that an instruction finished.
// in_sync is only ever entered from syncing, and only when the finished
// snapshot matches the pending one exactly; anything else is a stale report.
func (e *Engine) ReportCompletion(ctx context.Context, groupID, machineID, dataset, snapshot string) error {
	st, err := e.store.GetState(ctx, groupID, machineID, dataset)
	if err != nil {
		return err
	}
	if st.Status != model.StatusSyncing || st.PendingSnapshot != snapshot {
		e.logger.Warn("stale completion report ignored",
			"group", groupID, "machine", machineID, "dataset", dataset,
			"reported", snapshot, "pending", st.PendingSnapshot, "status", st.Status)
		return ErrStaleReport
	}
	now := e.clock.Now()
	st.Status = model.StatusInSync
	st.PendingSnapshot = ""
	st.LastError = ""
	st.LastSync = &now
	st.LastCheck = &now
	if err := e.store.UpsertState(ctx, st); err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}
	e.logger.Info("sync completed", "group", groupID, "machine", machineID, "dataset", dataset, "snapshot", snapshot)
	return nil
}

// ReportFailure handles a target's report that an instruction failed.
func (e *Engine) ReportFailure(ctx context.Context, groupID, machineID, dataset, reason string) error {
	st, err := e.store.GetState(ctx, groupID, machineID, dataset)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	st.Status = model.StatusError
	st.PendingSnapshot = ""
	st.LastError = reason
	st.LastCheck = &now
	if err := e.store.UpsertState(ctx, st); err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	e.logger.Warn("sync failed", "group", groupID, "machine", machineID, "dataset", dataset, "reason", reason)
	return nil
}

// GetInstructions computes the current instructions targeting a machine. Each
// of the machine's enabled groups gets a fresh pass; a pass already in flight
// for a group contributes its cached result instead of blocking.
func (e *Engine) GetInstructions(ctx context.Context, machineID string) ([]model.Instruction, error) {
	groups, err := e.store.GroupsForMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	var out []model.Instruction
	for _, g := range groups {
		result, err := e.RunPass(ctx, g.ID)
		if err != nil && !errors.Is(err, ErrPassInFlight) {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				continue
			}
			return nil, fmt.Errorf("pass for group %s: %w", g.ID, err)
		}
		if result == nil {
			continue
		}
		for _, in := range result.Instructions {
			if in.TargetMachine == machineID {
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// ResolveConflict applies a strategy to a conflict on an operator's behalf
// and nudges the losing machines back to out_of_sync so the next pass
// converges them onto the canonical copy.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy model.ResolutionStrategy) (*model.Conflict, error) {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, ErrAlreadyResolved
	}

	group, err := e.store.GetGroup(ctx, c.GroupID)
	if err != nil {
		return nil, err
	}

	canonical, chosen := e.resolver.Canonical(*c, strategy, len(group.MemberIDs))
	if !chosen && strategy != model.ResolveIgnore {
		return nil, fmt.Errorf("strategy %q cannot resolve a conflict", strategy)
	}

	if err := e.store.MarkConflictResolved(ctx, conflictID, strategy); err != nil {
		return nil, err
	}
	c.Resolved = true
	c.ResolvedBy = strategy

	if chosen {
		now := e.clock.Now()
		for _, m := range c.Machines {
			if m.MachineID == canonical.MachineID {
				continue
			}
			st, err := e.store.GetState(ctx, c.GroupID, m.MachineID, c.Dataset)
			if errors.Is(err, ErrStateNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if st.Status == model.StatusSyncing {
				continue
			}
			st.Status = model.StatusOutOfSync
			st.LastCheck = &now
			if err := e.store.UpsertState(ctx, st); err != nil {
				return nil, err
			}
		}
		e.logger.Info("conflict resolved", "conflict", conflictID, "strategy", strategy, "canonical", canonical.MachineID)
	} else {
		e.logger.Info("conflict ignored", "conflict", conflictID)
	}
	return c, nil
}

// GroupSummary aggregates a group's reconciliation picture for operators.
type GroupSummary struct {
	Group               model.SyncGroup
	StatusCounts        map[model.SyncStatus]int
	States              []model.SyncState
	UnresolvedConflicts int
	Degraded            bool
	Members             []MachineHealth
}

// SummarizeGroup builds the status summary for one group from stored state;
// it never triggers a pass.
func (e *Engine) SummarizeGroup(ctx context.Context, groupID string) (*GroupSummary, error) {
	group, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	states, err := e.store.StatesForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	conflicts, err := e.store.ConflictsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	summary := &GroupSummary{
		Group:        *group,
		StatusCounts: make(map[model.SyncStatus]int),
		States:       states,
		Degraded:     e.Degraded(groupID),
	}
	for _, st := range states {
		summary.StatusCounts[st.Status]++
	}
	for _, c := range conflicts {
		if !c.Resolved {
			summary.UnresolvedConflicts++
		}
	}

	now := e.clock.Now()
	for _, id := range group.MemberIDs {
		m, err := e.store.GetMachine(ctx, id)
		if err != nil {
			return nil, err
		}
		summary.Members = append(summary.Members, MachineHealth{
			Machine:      *m,
			Connectivity: ConnectivityOf(*m, now, e.params.HeartbeatTimeout),
		})
	}
	return summary, nil
}

// MachinesHealth lists all machines with derived connectivity.
func (e *Engine) MachinesHealth(ctx context.Context) ([]MachineHealth, error) {
	machines, err := e.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	out := make([]MachineHealth, 0, len(machines))
	for _, m := range machines {
		out = append(out, MachineHealth{
			Machine:      m,
			Connectivity: ConnectivityOf(m, now, e.params.HeartbeatTimeout),
		})
	}
	return out, nil
}

// CreateGroup validates and persists a new sync group, assigning its ID.
func (e *Engine) CreateGroup(ctx context.Context, g *model.SyncGroup) error {
	g.ID = e.idgen.New()
	if err := e.checkGroup(ctx, g); err != nil {
		return err
	}
	if err := e.store.CreateGroup(ctx, g); err != nil {
		return fmt.Errorf("creating group %s: %w", g.Name, err)
	}
	e.logger.Info("group created", "group", g.ID, "name", g.Name, "members", len(g.MemberIDs))
	return nil
}

// UpdateGroup validates and persists changes to an existing group.
func (e *Engine) UpdateGroup(ctx context.Context, g *model.SyncGroup) error {
	if err := e.checkGroup(ctx, g); err != nil {
		return err
	}
	if err := e.store.UpdateGroup(ctx, g); err != nil {
		return fmt.Errorf("updating group %s: %w", g.ID, err)
	}
	e.logger.Info("group updated", "group", g.ID, "name", g.Name)
	return nil
}

// DeleteGroup removes a group and its states and conflicts.
func (e *Engine) DeleteGroup(ctx context.Context, id string) error {
	if err := e.store.DeleteGroup(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.failures, id)
	delete(e.degraded, id)
	delete(e.lastPass, id)
	e.mu.Unlock()
	e.logger.Info("group deleted", "group", id)
	return nil
}

// checkGroup enforces topology invariants and member existence before a group
// is written.
func (e *Engine) checkGroup(ctx context.Context, g *model.SyncGroup) error {
	if g.Name == "" {
		return &ConfigError{GroupID: g.ID, Reason: "group name is required"}
	}
	if g.Topology == "" {
		g.Topology = model.TopologyBidirectional
	}
	if g.Strategy == "" {
		g.Strategy = model.ResolveManual
	}
	if err := ValidateGroup(g); err != nil {
		return err
	}
	for _, id := range g.MemberIDs {
		m, err := e.store.GetMachine(ctx, id)
		if err != nil {
			return fmt.Errorf("member %s: %w", id, err)
		}
		if m.Removed {
			return &ConfigError{GroupID: g.ID, Reason: fmt.Sprintf("member %s has been removed", id)}
		}
	}
	return nil
}

// RunAllPasses runs one pass for every enabled group. Used by the scheduler
// tick and the one-shot CLI command.
func (e *Engine) RunAllPasses(ctx context.Context) error {
	groups, err := e.store.ListEnabledGroups(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, g := range groups {
		if _, err := e.RunPass(ctx, g.ID); err != nil && !errors.Is(err, ErrPassInFlight) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
