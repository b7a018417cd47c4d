package witness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"zw-go/internal/model"
)

// ErrPassInFlight is returned when a pass trigger is coalesced because the
// group already has a recomputation running. The caller should fall back to
// the engine's cached result; the in-flight pass would supersede this one
// anyway.
var ErrPassInFlight = errors.New("reconciliation pass already in flight")

// ConfigError marks a group misconfiguration. The group's pass is skipped
// entirely; other groups are unaffected.
type ConfigError struct {
	GroupID string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("group %s misconfigured: %s", e.GroupID, e.Reason)
}

// Params are the engine's tuning knobs, typically derived from config.
type Params struct {
	Window             time.Duration
	CheckpointSuffix   string
	HeartbeatTimeout   time.Duration
	SyncTimeout        time.Duration
	StoreTimeout       time.Duration
	DegradedAfter      int
	SizeMismatchRatio  float64
	TimestampTolerance time.Duration
	MajorityAbstention bool
}

// DefaultParams returns the engine defaults: a 72 hour window with daily
// midnight checkpoints.
func DefaultParams() Params {
	return Params{
		Window:             72 * time.Hour,
		CheckpointSuffix:   "-000000",
		HeartbeatTimeout:   5 * time.Minute,
		SyncTimeout:        time.Hour,
		StoreTimeout:       30 * time.Second,
		DegradedAfter:      3,
		SizeMismatchRatio:  0.1,
		TimestampTolerance: 2 * time.Second,
		MajorityAbstention: true,
	}
}

// PassResult is everything one reconciliation pass produced.
type PassResult struct {
	GroupID      string
	Instructions []model.Instruction
	States       []model.SyncState
	Conflicts    []model.Conflict
	Anomalies    []Anomaly
}

// Engine is the reconciliation core: a pure function of catalog plus current
// state, re-run to fixpoint each pass. All mutation flows through the state
// transition write at the end of a pass.
type Engine struct {
	store    Store
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	params   Params
	gate     Gate
	detector Detector
	resolver Resolver
	cmdgen   CommandGenerator
	metrics  *Metrics

	mu       sync.Mutex
	inflight map[string]bool
	failures map[string]int
	degraded map[string]bool
	lastPass map[string]*PassResult
}

// NewEngine creates an Engine with the provided dependencies. metrics may be
// nil.
func NewEngine(store Store, logger Logger, clock Clock, idgen IDGenerator, params Params, metrics *Metrics) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
		params: params,
		gate: Gate{
			Window:           params.Window,
			CheckpointSuffix: params.CheckpointSuffix,
		},
		detector: Detector{
			SizeRatio:          params.SizeMismatchRatio,
			TimestampTolerance: params.TimestampTolerance,
		},
		resolver: Resolver{MajorityAbstention: params.MajorityAbstention},
		metrics:  metrics,
		inflight: make(map[string]bool),
		failures: make(map[string]int),
		degraded: make(map[string]bool),
		lastPass: make(map[string]*PassResult),
	}
}

// RunPass executes one full reconciliation pass for a group: a consistent
// catalog read, pure computation, and a single all-or-nothing state write.
// Passes for different groups run concurrently; within one group at most one
// recomputation is in flight, and an overlapping trigger is coalesced into
// ErrPassInFlight with the previous result.
func (e *Engine) RunPass(ctx context.Context, groupID string) (*PassResult, error) {
	e.mu.Lock()
	if e.inflight[groupID] {
		cached := e.lastPass[groupID]
		e.mu.Unlock()
		e.countPass("coalesced")
		return cached, ErrPassInFlight
	}
	e.inflight[groupID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, groupID)
		e.mu.Unlock()
	}()

	started := e.clock.Now()
	result, err := e.runPassLocked(ctx, groupID)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			e.countPass("config_error")
			e.logger.Warn("pass skipped", "group", groupID, "reason", cfgErr.Reason)
			return nil, err
		}
		e.noteFailure(groupID, err)
		return nil, err
	}

	e.mu.Lock()
	e.failures[groupID] = 0
	delete(e.degraded, groupID)
	degraded := len(e.degraded)
	e.lastPass[groupID] = result
	e.mu.Unlock()
	e.setDegradedGauge(degraded)

	e.countPass("ok")
	if e.metrics != nil {
		e.metrics.PassDuration.Observe(e.clock.Now().Sub(started).Seconds())
		e.metrics.InstructionsTotal.Add(float64(len(result.Instructions)))
		for _, c := range result.Conflicts {
			if !c.Resolved {
				e.metrics.ConflictsTotal.WithLabelValues(string(c.Kind)).Inc()
			}
		}
	}
	e.logger.Info("pass complete",
		"group", groupID,
		"instructions", len(result.Instructions),
		"conflicts", len(result.Conflicts),
		"anomalies", len(result.Anomalies))
	return result, nil
}

func (e *Engine) runPassLocked(ctx context.Context, groupID string) (*PassResult, error) {
	group, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("loading group: %w", err)
	}
	if !group.Enabled {
		return &PassResult{GroupID: groupID}, nil
	}
	if err := ValidateGroup(group); err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()

	view, prevStates, prevConflicts, err := e.readCatalog(readCtx, group)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	result := e.compute(view, prevStates, prevConflicts)

	writeCtx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()
	if err := e.store.CommitPass(writeCtx, groupID, result.States, result.Conflicts); err != nil {
		return nil, fmt.Errorf("committing pass: %w", err)
	}
	return result, nil
}

// readCatalog captures the consistent input to a pass: members, their
// records, and the current states and conflicts.
func (e *Engine) readCatalog(ctx context.Context, group *model.SyncGroup) (*CatalogView, []model.SyncState, []model.Conflict, error) {
	machines := make(map[string]model.Machine, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		m, err := e.store.GetMachine(ctx, id)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading member %s: %w", id, err)
		}
		machines[id] = *m
	}
	records, err := e.store.SnapshotsForMachines(ctx, group.MemberIDs)
	if err != nil {
		return nil, nil, nil, err
	}
	states, err := e.store.StatesForGroup(ctx, group.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	conflicts, err := e.store.ConflictsForGroup(ctx, group.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &CatalogView{
		Group:    *group,
		Machines: machines,
		Records:  records,
		ReadAt:   e.clock.Now(),
	}, states, conflicts, nil
}

type stateKey struct {
	machineID string
	dataset   string
}

// compute is the pure core of a pass: normalize, detect conflicts, gate,
// build actions, and derive the next state for every (machine, dataset).
func (e *Engine) compute(view *CatalogView, prevStates []model.SyncState, prevConflicts []model.Conflict) *PassResult {
	group := view.Group
	now := view.ReadAt

	datasets, anomalies := Normalize(view.Records)
	for _, a := range anomalies {
		e.logger.Warn("dataset excluded from pass", "group", group.ID, "dataset", a.Dataset, "reason", a.Reason)
	}

	prev := make(map[stateKey]model.SyncState, len(prevStates))
	for _, st := range prevStates {
		prev[stateKey{st.MachineID, st.Dataset}] = st
	}

	result := &PassResult{GroupID: group.ID, Anomalies: anomalies}

	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	nextStates := make(map[stateKey]model.SyncState)
	for _, dsName := range names {
		ds := datasets[dsName]

		conflicts := Detect(e.detector, group.ID, ds)
		conflicts = carryResolutions(conflicts, prevConflicts, now, e.idgen)

		forcedOut := e.autoResolve(&group, conflicts)

		blocked := false
		for _, c := range conflicts {
			if Blocking(c, group.Strategy) {
				blocked = true
				break
			}
		}

		if blocked {
			for _, targetID := range targetIDs(group) {
				if _, ok := ds.Machines[targetID]; !ok {
					continue
				}
				st := e.nextState(prev, group.ID, targetID, dsName, now)
				st.Status = model.StatusConflict
				nextStates[stateKey{targetID, dsName}] = st
			}
			result.Conflicts = append(result.Conflicts, conflicts...)
			continue
		}

		// Diverged names that remain unresolved must never serve as common
		// ancestors, so they are pruned from the view before comparison.
		pruned := pruneDisputed(ds, conflicts)

		instructions := BuildActions(view, pruned, e.gate, &e.cmdgen)
		instrByTarget := make(map[string]model.Instruction, len(instructions))
		for _, in := range instructions {
			instrByTarget[in.TargetMachine] = in
		}

		for _, targetID := range targetIDs(group) {
			key := stateKey{targetID, dsName}
			_, seen := ds.Machines[targetID]
			in, hasInstr := instrByTarget[targetID]
			if !seen && !hasInstr {
				continue
			}
			st := e.nextState(prev, group.ID, targetID, dsName, now)

			switch {
			case hasInstr:
				st.Status = model.StatusSyncing
				st.PendingSnapshot = in.EndSnapshot
				st.LastError = ""
			case st.Status == model.StatusSyncing:
				// Awaiting a completion report; treat silence beyond the
				// timeout as failure rather than leaving it hanging.
				if st.LastCheck != nil && now.Sub(*st.LastCheck) > e.params.SyncTimeout {
					st.Status = model.StatusError
					st.LastError = fmt.Sprintf("no completion report for %s within %s", st.PendingSnapshot, e.params.SyncTimeout)
					st.PendingSnapshot = ""
				} else {
					// Keep LastCheck as the moment the instruction was
					// issued so the timeout is measured from there.
					nextStates[key] = st
					continue
				}
			case forcedOut[targetID]:
				st.Status = model.StatusOutOfSync
			default:
				st.Status = e.settledStatus(group, pruned, targetID, now)
				if st.Status == model.StatusInSync && prev[key].Status != model.StatusInSync {
					t := now
					st.LastSync = &t
				}
			}
			st.LastCheck = &now
			nextStates[key] = st
		}

		result.Instructions = append(result.Instructions, instructions...)
		result.Conflicts = append(result.Conflicts, conflicts...)
	}

	keys := make([]stateKey, 0, len(nextStates))
	for k := range nextStates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dataset != keys[j].dataset {
			return keys[i].dataset < keys[j].dataset
		}
		return keys[i].machineID < keys[j].machineID
	})
	for _, k := range keys {
		result.States = append(result.States, nextStates[k])
	}
	return result
}

// nextState loads the previous row for the triple or builds the initial
// out_of_sync state for a newly observed one.
func (e *Engine) nextState(prev map[stateKey]model.SyncState, groupID, machineID, dataset string, now time.Time) model.SyncState {
	if st, ok := prev[stateKey{machineID, dataset}]; ok {
		return st
	}
	return model.SyncState{
		ID:        e.idgen.New(),
		GroupID:   groupID,
		MachineID: machineID,
		Dataset:   dataset,
		Status:    model.StatusOutOfSync,
	}
}

// settledStatus derives the status of a target that received no instruction
// and is not mid-sync: in sync when nothing eligible is outstanding, out of
// sync when a real gap exists but its members are still inside the recency
// window.
func (e *Engine) settledStatus(group model.SyncGroup, ds *DatasetView, targetID string, now time.Time) model.SyncStatus {
	tgt, ok := ds.Machines[targetID]
	if !ok {
		tgt = &MachineDataset{MachineID: targetID}
	}
	gapExists := false
	for sourceID, src := range ds.Machines {
		if sourceID == targetID {
			continue
		}
		if group.Topology == model.TopologyDirectional && sourceID != group.HubMachineID {
			continue
		}
		pair := ComparePair(src, tgt)
		if pair.FullyReconciled() {
			continue
		}
		if !e.gate.Significant(src, tgt, now) {
			// Trivially behind; adequately in sync for this pass.
			continue
		}
		gapExists = true
		break
	}
	if gapExists {
		return model.StatusOutOfSync
	}
	return model.StatusInSync
}

// autoResolve applies a non-manual, non-ignore group strategy to this pass's
// conflicts: a canonical variant is chosen, the conflict is recorded as
// resolved, and the holders are forced out_of_sync so the next pass
// re-evaluates against the canonical copy.
func (e *Engine) autoResolve(group *model.SyncGroup, conflicts []model.Conflict) map[string]bool {
	forced := make(map[string]bool)
	if group.Strategy == "" || group.Strategy == model.ResolveManual || group.Strategy == model.ResolveIgnore {
		return forced
	}
	for i := range conflicts {
		c := &conflicts[i]
		if c.Resolved || c.Kind == model.ConflictMissing {
			continue
		}
		canonical, ok := e.resolver.Canonical(*c, group.Strategy, len(group.MemberIDs))
		if !ok {
			continue
		}
		c.Resolved = true
		c.ResolvedBy = group.Strategy
		for _, m := range c.Machines {
			if m.MachineID != canonical.MachineID {
				forced[m.MachineID] = true
			}
		}
		e.logger.Info("conflict auto-resolved",
			"group", group.ID, "dataset", c.Dataset, "snapshot", c.Snapshot,
			"kind", c.Kind, "strategy", group.Strategy, "canonical", canonical.MachineID)
	}
	return forced
}

// carryResolutions preserves identity and resolution status for conflicts
// that recur: the same (dataset, snapshot, kind) supersedes its previous
// record instead of accumulating, and a recorded resolution survives until
// the disagreement itself disappears.
func carryResolutions(conflicts []model.Conflict, prev []model.Conflict, now time.Time, idgen IDGenerator) []model.Conflict {
	type key struct {
		dataset, snapshot string
		kind              model.ConflictKind
	}
	previous := make(map[key]model.Conflict, len(prev))
	for _, c := range prev {
		previous[key{c.Dataset, c.Snapshot, c.Kind}] = c
	}
	for i := range conflicts {
		c := &conflicts[i]
		if old, ok := previous[key{c.Dataset, c.Snapshot, c.Kind}]; ok {
			c.ID = old.ID
			c.Resolved = old.Resolved
			c.ResolvedBy = old.ResolvedBy
			c.DetectedAt = old.DetectedAt
		} else {
			c.ID = idgen.New()
			c.DetectedAt = now
		}
	}
	return conflicts
}

// pruneDisputed removes snapshots named by unresolved diverged conflicts
// from every machine's view, so they cannot be matched as common ancestors.
func pruneDisputed(ds *DatasetView, conflicts []model.Conflict) *DatasetView {
	disputed := make(map[string]struct{})
	for _, c := range conflicts {
		if c.Kind == model.ConflictDiverged && !c.Resolved {
			disputed[c.Snapshot] = struct{}{}
		}
	}
	if len(disputed) == 0 {
		return ds
	}
	out := &DatasetView{Name: ds.Name, Machines: make(map[string]*MachineDataset, len(ds.Machines))}
	for id, md := range ds.Machines {
		kept := &MachineDataset{MachineID: md.MachineID, Pool: md.Pool}
		for _, s := range md.Snapshots {
			if _, ok := disputed[s.Name]; !ok {
				kept.Snapshots = append(kept.Snapshots, s)
			}
		}
		out.Machines[id] = kept
	}
	return out
}

// targetIDs lists the members that can be sync targets: everyone in a
// bidirectional group, every non-hub member in a directional one.
func targetIDs(group model.SyncGroup) []string {
	ids := make([]string, 0, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		if group.Topology == model.TopologyDirectional && id == group.HubMachineID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateGroup enforces the topology invariants that must hold before a
// pass may run.
func ValidateGroup(group *model.SyncGroup) error {
	if len(group.MemberIDs) < 2 {
		return &ConfigError{GroupID: group.ID, Reason: "fewer than 2 members"}
	}
	if group.Topology == model.TopologyDirectional {
		if group.HubMachineID == "" {
			return &ConfigError{GroupID: group.ID, Reason: "directional topology requires a hub machine"}
		}
		member := false
		for _, id := range group.MemberIDs {
			if id == group.HubMachineID {
				member = true
				break
			}
		}
		if !member {
			return &ConfigError{GroupID: group.ID, Reason: "hub machine is not a group member"}
		}
	}
	return nil
}

// noteFailure tracks consecutive transient failures and flips the group to
// degraded once the threshold is crossed.
func (e *Engine) noteFailure(groupID string, err error) {
	e.countPass("transient_error")
	e.mu.Lock()
	e.failures[groupID]++
	n := e.failures[groupID]
	crossed := n >= e.params.DegradedAfter && !e.degraded[groupID]
	if crossed {
		e.degraded[groupID] = true
	}
	degraded := len(e.degraded)
	e.mu.Unlock()
	if crossed {
		e.setDegradedGauge(degraded)
		e.logger.Error("group degraded after repeated pass failures", "group", groupID, "failures", n, "error", err)
	} else {
		e.logger.Warn("pass aborted, previous state intact", "group", groupID, "failures", n, "error", err)
	}
}

// Degraded reports whether a group has exceeded the consecutive failure
// threshold without a successful pass since.
func (e *Engine) Degraded(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded[groupID]
}

// LastPass returns the cached result of the most recent successful pass for
// a group, if any.
func (e *Engine) LastPass(groupID string) (*PassResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.lastPass[groupID]
	return r, ok
}

func (e *Engine) countPass(result string) {
	if e.metrics != nil {
		e.metrics.PassesTotal.WithLabelValues(result).Inc()
	}
}

func (e *Engine) setDegradedGauge(n int) {
	if e.metrics != nil {
		e.metrics.DegradedGroups.Set(float64(n))
	}
}
