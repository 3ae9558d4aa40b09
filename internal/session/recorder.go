package session

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/maxdollinger/ember.io/internal/db"
)

// Recorder receives session lifecycle notifications. Recording must never
// interfere with the lifecycle itself, so implementations swallow their own
// failures.
type Recorder interface {
	SessionCreated(id, backend string)
	StateChanged(id string, state State)
	SpawnLatency(id string, latency time.Duration)
	Step(id, step, detail string)
	NeedsAttention(id, note string)
}

// NopRecorder discards everything. Default in tests.
type NopRecorder struct{}

func (NopRecorder) SessionCreated(string, string)      {}
func (NopRecorder) StateChanged(string, State)         {}
func (NopRecorder) SpawnLatency(string, time.Duration) {}
func (NopRecorder) Step(string, string, string)        {}
func (NopRecorder) NeedsAttention(string, string)      {}

// DBRecorder persists lifecycle records to sqlite for operator follow-up.
type DBRecorder struct {
	DB     *sql.DB
	Logger *slog.Logger
}

func (r *DBRecorder) SessionCreated(id, backend string) {
	if err := db.InsertSession(r.DB, id, backend); err != nil {
		r.logger().Warn("failed to record session", "vm_id", id, "error", err)
	}
}

func (r *DBRecorder) StateChanged(id string, state State) {
	if err := db.UpdateSessionState(r.DB, id, string(state)); err != nil {
		r.logger().Warn("failed to record state change", "vm_id", id, "state", state, "error", err)
	}
}

func (r *DBRecorder) SpawnLatency(id string, latency time.Duration) {
	if err := db.SetSpawnLatency(r.DB, id, latency); err != nil {
		r.logger().Warn("failed to record spawn latency", "vm_id", id, "error", err)
	}
}

func (r *DBRecorder) Step(id, step, detail string) {
	if err := db.InsertEvent(r.DB, id, step, detail); err != nil {
		r.logger().Warn("failed to record session event", "vm_id", id, "step", step, "error", err)
	}
}

func (r *DBRecorder) NeedsAttention(id, note string) {
	if err := db.MarkNeedsAttention(r.DB, id, note); err != nil {
		r.logger().Warn("failed to flag session for follow-up", "vm_id", id, "error", err)
	}
}

func (r *DBRecorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
