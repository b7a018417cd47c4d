package witness

import (
	"fmt"
	"sort"
	"strings"

	"zw-go/internal/model"
)

// Anomaly records why a dataset was excluded from a pass. Other datasets in
// the same group proceed normally.
type Anomaly struct {
	Dataset string
	Reason  string
}

// LogicalDataset derives the pool-independent dataset identity from a
// reported record: the dataset name with the machine-local pool prefix
// stripped.
func LogicalDataset(pool, dataset string) string {
	if strings.HasPrefix(dataset, pool+"/") {
		return dataset[len(pool)+1:]
	}
	return dataset
}

// SnapshotLabel extracts the snapshot name from a possibly fully qualified
// reported name ("tank/data@backup-20240115" -> "backup-20240115").
func SnapshotLabel(name string) string {
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Normalize groups raw snapshot records by logical dataset, independent of
// each machine's pool naming. Pure function of the records; no side effects.
//
// Two distinct pools on the same machine must not collapse into one dataset
// key on that machine: such a collision is a configuration error and the
// dataset is excluded with a recorded anomaly rather than silently merged.
func Normalize(records []model.SnapshotRecord) (map[string]*DatasetView, []Anomaly) {
	views := make(map[string]*DatasetView)
	// (dataset, machine) -> pool observed first
	pools := make(map[[2]string]string)
	collided := make(map[string]string) // dataset -> reason

	for _, rec := range records {
		logical := LogicalDataset(rec.Pool, rec.Dataset)
		key := [2]string{logical, rec.MachineID}
		if prev, ok := pools[key]; ok && prev != rec.Pool {
			collided[logical] = fmt.Sprintf(
				"pool collision on machine %s: pools %q and %q both back dataset %q",
				rec.MachineID, prev, rec.Pool, logical)
			continue
		}
		pools[key] = rec.Pool

		view, ok := views[logical]
		if !ok {
			view = &DatasetView{Name: logical, Machines: make(map[string]*MachineDataset)}
			views[logical] = view
		}
		md, ok := view.Machines[rec.MachineID]
		if !ok {
			md = &MachineDataset{MachineID: rec.MachineID, Pool: rec.Pool}
			view.Machines[rec.MachineID] = md
		}
		md.Snapshots = append(md.Snapshots, Snapshot{
			Name:      SnapshotLabel(rec.Name),
			CreatedAt: rec.CreatedAt,
			Size:      rec.Size,
		})
	}

	var anomalies []Anomaly
	for ds, reason := range collided {
		delete(views, ds)
		anomalies = append(anomalies, Anomaly{Dataset: ds, Reason: reason})
	}
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Dataset < anomalies[j].Dataset })

	for _, view := range views {
		for _, md := range view.Machines {
			sort.Slice(md.Snapshots, func(i, j int) bool {
				a, b := md.Snapshots[i], md.Snapshots[j]
				if !a.CreatedAt.Equal(b.CreatedAt) {
					return a.CreatedAt.Before(b.CreatedAt)
				}
				return a.Name < b.Name
			})
		}
	}

	return views, anomalies
}
