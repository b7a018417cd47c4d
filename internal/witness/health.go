package witness

import (
	"time"

	"zw-go/internal/model"
)

// ConnectivityOf derives a machine's reachability from its last heartbeat.
// Never stored; recomputed on every read.
func ConnectivityOf(m model.Machine, now time.Time, timeout time.Duration) model.Connectivity {
	if m.LastSeen == nil {
		return model.ConnectivityUnknown
	}
	if now.Sub(*m.LastSeen) < timeout {
		return model.ConnectivityOnline
	}
	return model.ConnectivityOffline
}

// MachineHealth is a machine together with its derived connectivity.
type MachineHealth struct {
	Machine      model.Machine
	Connectivity model.Connectivity
}
