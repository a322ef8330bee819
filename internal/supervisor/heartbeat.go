package supervisor

import (
	"time"

	"opsline/internal/store"
)

const SchemaVersion = 1

// LockFile is the single-instance lock held by a running worker.
const LockFile = "worker.lock"

// Heartbeat is the worker lifecycle file. The worker rewrites it after every
// tick; supervisors only read it.
type Heartbeat struct {
	SchemaVersion int       `json:"schemaVersion"`
	PID           int       `json:"pid"`
	WorkerID      string    `json:"workerId"`
	StartedAt     time.Time `json:"startedAt"`
	LastTickAt    time.Time `json:"lastTickAt"`
	LastStepID    string    `json:"lastStepId,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// ReadHeartbeat returns the current lifecycle file, if any.
func ReadHeartbeat(st *store.Store) (Heartbeat, bool) {
	var hb Heartbeat
	if err := st.ReadDoc(store.WorkerDoc, &hb); err != nil || hb.PID == 0 {
		return Heartbeat{}, false
	}
	return hb, true
}

func WriteHeartbeat(st *store.Store, hb Heartbeat) error {
	hb.SchemaVersion = SchemaVersion
	return st.WriteDoc(store.WorkerDoc, hb)
}
