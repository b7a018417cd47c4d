package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zw-go/internal/database/migrations"
	"zw-go/internal/model"
	"zw-go/internal/witness"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the witness Store interface on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) a SQLite database at path and migrates it
// to the latest schema. path may be ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing, already migrated connection.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite connection. Exported for tools
// and tests that need a properly configured handle.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; the pool must never open
	// a second one.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string { return s.path }

// CheckMigrations verifies the schema matches this binary's migrations.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// SnapshotTo writes a complete copy of the database to destPath using
// VACUUM INTO. Used by the archive subsystem.
func (s *SQLiteStore) SnapshotTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("copying database: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Machine operations

func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, hostname, platform, address, ssh_user, ssh_port, api_key, last_seen, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Hostname, m.Platform, m.Address, m.SSHUser, m.SSHPort, m.APIKey, nullTime(m.LastSeen), m.Removed)
	if err != nil {
		return fmt.Errorf("creating machine: %w", err)
	}
	return nil
}

const machineColumns = "id, hostname, platform, address, ssh_user, ssh_port, api_key, last_seen, removed"

func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE id = ?", id)
	return scanMachine(row)
}

func (s *SQLiteStore) GetMachineByHostname(ctx context.Context, hostname string) (*model.Machine, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE hostname = ?", hostname)
	return scanMachine(row)
}

func (s *SQLiteStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+machineColumns+" FROM machines ORDER BY hostname")
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	defer rows.Close()

	var machines []model.Machine
	for rows.Next() {
		m, err := scanMachineRow(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

func (s *SQLiteStore) UpdateMachineLastSeen(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE machines SET last_seen = ? WHERE id = ?", t, id)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return requireRow(res, witness.ErrMachineNotFound)
}

func (s *SQLiteStore) RemoveMachine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE machines SET removed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("removing machine: %w", err)
	}
	return requireRow(res, witness.ErrMachineNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row *sql.Row) (*model.Machine, error) {
	m, err := scanMachineRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, witness.ErrMachineNotFound
	}
	return m, err
}

func scanMachineRow(row rowScanner) (*model.Machine, error) {
	var m model.Machine
	var lastSeen sql.NullTime
	err := row.Scan(&m.ID, &m.Hostname, &m.Platform, &m.Address, &m.SSHUser, &m.SSHPort, &m.APIKey, &lastSeen, &m.Removed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning machine: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		m.LastSeen = &t
	}
	return &m, nil
}

// Snapshot operations

func (s *SQLiteStore) UpsertSnapshots(ctx context.Context, machineID string, recs []model.SnapshotRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Identity is (machine, pool, dataset, name); a repeat report may only
	// correct the size, never the timestamp.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshots (id, machine_id, pool, dataset, name, created_at, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (machine_id, pool, dataset, name) DO UPDATE SET size = excluded.size`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.ID, machineID, r.Pool, r.Dataset, r.Name, r.CreatedAt, r.Size); err != nil {
			return fmt.Errorf("upserting snapshot %s@%s: %w", r.Dataset, r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshots: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SnapshotsForMachines(ctx context.Context, machineIDs []string) ([]model.SnapshotRecord, error) {
	if len(machineIDs) == 0 {
		return nil, nil
	}

	// Single transaction so a pass sees one consistent catalog even while
	// machines keep reporting.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(machineIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(machineIDs))
	for i, id := range machineIDs {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, machine_id, pool, dataset, name, created_at, size
		FROM snapshots WHERE machine_id IN (`+placeholders+`)
		ORDER BY machine_id, dataset, created_at, name`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var recs []model.SnapshotRecord
	for rows.Next() {
		var r model.SnapshotRecord
		if err := rows.Scan(&r.ID, &r.MachineID, &r.Pool, &r.Dataset, &r.Name, &r.CreatedAt, &r.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, tx.Commit()
}

// Group operations

func (s *SQLiteStore) CreateGroup(ctx context.Context, g *model.SyncGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_groups (id, name, enabled, topology, hub_machine_id, pass_interval_seconds, strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Enabled, string(g.Topology), nullString(g.HubMachineID),
		int64(g.PassInterval/time.Second), string(g.Strategy))
	if err != nil {
		return fmt.Errorf("creating group: %w", err)
	}
	if err := insertMembers(ctx, tx, g.ID, g.MemberIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateGroup(ctx context.Context, g *model.SyncGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_groups
		SET name = ?, enabled = ?, topology = ?, hub_machine_id = ?, pass_interval_seconds = ?, strategy = ?
		WHERE id = ?`,
		g.Name, g.Enabled, string(g.Topology), nullString(g.HubMachineID),
		int64(g.PassInterval/time.Second), string(g.Strategy), g.ID)
	if err != nil {
		return fmt.Errorf("updating group: %w", err)
	}
	if err := requireRow(res, witness.ErrGroupNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", g.ID); err != nil {
		return fmt.Errorf("clearing members: %w", err)
	}
	if err := insertMembers(ctx, tx, g.ID, g.MemberIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_groups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	return requireRow(res, witness.ErrGroupNotFound)
}

const groupColumns = "id, name, enabled, topology, hub_machine_id, pass_interval_seconds, strategy"

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*model.SyncGroup, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM sync_groups WHERE id = ?", id)
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, witness.ErrGroupNotFound
		}
		return nil, err
	}
	if g.MemberIDs, err = s.membersOf(ctx, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]model.SyncGroup, error) {
	return s.listGroups(ctx, "SELECT "+groupColumns+" FROM sync_groups ORDER BY name")
}

func (s *SQLiteStore) ListEnabledGroups(ctx context.Context) ([]model.SyncGroup, error) {
	return s.listGroups(ctx, "SELECT "+groupColumns+" FROM sync_groups WHERE enabled = 1 ORDER BY name")
}

func (s *SQLiteStore) GroupsForMachine(ctx context.Context, machineID string) ([]model.SyncGroup, error) {
	return s.listGroups(ctx, `
		SELECT g.id, g.name, g.enabled, g.topology, g.hub_machine_id, g.pass_interval_seconds, g.strategy
		FROM sync_groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.machine_id = ? AND g.enabled = 1
		ORDER BY g.name`, machineID)
}

func (s *SQLiteStore) listGroups(ctx context.Context, query string, args ...any) ([]model.SyncGroup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	var groups []model.SyncGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].MemberIDs, err = s.membersOf(ctx, groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *SQLiteStore) membersOf(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT machine_id FROM group_members WHERE group_id = ? ORDER BY machine_id", groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertMembers(ctx context.Context, tx *sql.Tx, groupID string, memberIDs []string) error {
	for _, id := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO group_members (group_id, machine_id) VALUES (?, ?)", groupID, id); err != nil {
			return fmt.Errorf("adding member %s: %w", id, err)
		}
	}
	return nil
}

func scanGroup(row rowScanner) (*model.SyncGroup, error) {
	var g model.SyncGroup
	var topology, strategy string
	var hub sql.NullString
	var intervalSeconds int64
	err := row.Scan(&g.ID, &g.Name, &g.Enabled, &topology, &hub, &intervalSeconds, &strategy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning group: %w", err)
	}
	g.Topology = model.Topology(topology)
	g.HubMachineID = hub.String
	g.PassInterval = time.Duration(intervalSeconds) * time.Second
	g.Strategy = model.ResolutionStrategy(strategy)
	return &g, nil
}

// Sync state operations

const stateColumns = "id, group_id, machine_id, dataset, status, pending_snapshot, last_sync, last_check, last_error"

func (s *SQLiteStore) StatesForGroup(ctx context.Context, groupID string) ([]model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM sync_states WHERE group_id = ? ORDER BY dataset, machine_id", groupID)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer rows.Close()

	var states []model.SyncState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) GetState(ctx context.Context, groupID, machineID, dataset string) (*model.SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM sync_states WHERE group_id = ? AND machine_id = ? AND dataset = ?",
		groupID, machineID, dataset)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, witness.ErrStateNotFound
	}
	return st, err
}

func (s *SQLiteStore) UpsertState(ctx context.Context, st *model.SyncState) error {
	return upsertState(ctx, s.db, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertState(ctx context.Context, db execer, st *model.SyncState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_states (id, group_id, machine_id, dataset, status, pending_snapshot, last_sync, last_check, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, machine_id, dataset) DO UPDATE SET
			status = excluded.status,
			pending_snapshot = excluded.pending_snapshot,
			last_sync = excluded.last_sync,
			last_check = excluded.last_check,
			last_error = excluded.last_error`,
		st.ID, st.GroupID, st.MachineID, st.Dataset, string(st.Status),
		st.PendingSnapshot, nullTime(st.LastSync), nullTime(st.LastCheck), st.LastError)
	if err != nil {
		return fmt.Errorf("upserting state: %w", err)
	}
	return nil
}

func scanState(row rowScanner) (*model.SyncState, error) {
	var st model.SyncState
	var status string
	var lastSync, lastCheck sql.NullTime
	err := row.Scan(&st.ID, &st.GroupID, &st.MachineID, &st.Dataset, &status,
		&st.PendingSnapshot, &lastSync, &lastCheck, &st.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning state: %w", err)
	}
	st.Status = model.SyncStatus(status)
	if lastSync.Valid {
		t := lastSync.Time
		st.LastSync = &t
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		st.LastCheck = &t
	}
	return &st, nil
}

// CommitPass applies one reconciliation pass atomically: every computed state
// is upserted and the group's conflict set is replaced. Either everything
// lands or nothing does.
func (s *SQLiteStore) CommitPass(ctx context.Context, groupID string, states []model.SyncState, conflicts []model.Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range states {
		if err := upsertState(ctx, tx, &states[i]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM conflicts WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("clearing conflicts: %w", err)
	}
	for i := range conflicts {
		c := &conflicts[i]
		machines, err := json.Marshal(c.Machines)
		if err != nil {
			return fmt.Errorf("encoding conflict machines: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conflicts (id, group_id, dataset, snapshot, kind, severity, machines, resolved, resolved_by, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.GroupID, c.Dataset, c.Snapshot, string(c.Kind), string(c.Severity),
			string(machines), c.Resolved, string(c.ResolvedBy), c.DetectedAt)
		if err != nil {
			return fmt.Errorf("inserting conflict %s@%s: %w", c.Dataset, c.Snapshot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pass: %w", err)
	}
	return nil
}

// Conflict operations

const conflictColumns = "id, group_id, dataset, snapshot, kind, severity, machines, resolved, resolved_by, detected_at"

func (s *SQLiteStore) ConflictsForGroup(ctx context.Context, groupID string) ([]model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM conflicts WHERE group_id = ? ORDER BY dataset, snapshot, kind", groupID)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, witness.ErrConflictNotFound
	}
	return c, err
}

func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id string, strategy model.ResolutionStrategy) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conflicts SET resolved = 1, resolved_by = ? WHERE id = ?", string(strategy), id)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	return requireRow(res, witness.ErrConflictNotFound)
}

func scanConflict(row rowScanner) (*model.Conflict, error) {
	var c model.Conflict
	var kind, severity, resolvedBy, machines string
	err := row.Scan(&c.ID, &c.GroupID, &c.Dataset, &c.Snapshot, &kind, &severity,
		&machines, &c.Resolved, &resolvedBy, &c.DetectedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning conflict: %w", err)
	}
	c.Kind = model.ConflictKind(kind)
	c.Severity = model.ConflictSeverity(severity)
	c.ResolvedBy = model.ResolutionStrategy(resolvedBy)
	if err := json.Unmarshal([]byte(machines), &c.Machines); err != nil {
		return nil, fmt.Errorf("decoding conflict machines: %w", err)
	}
	return &c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Compile-time check that SQLiteStore implements the Store interface.
var _ witness.Store = (*SQLiteStore)(nil)
