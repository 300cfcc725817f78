package model

import "time"

// Formation is the launch policy applied to a batch of sessions.
type Formation string

const (
	// FormationParallel launches every member concurrently.
	FormationParallel Formation = "PARALLEL"
	// FormationConvoy launches members one at a time with a fixed delay
	// between launches.
	FormationConvoy Formation = "CONVOY"
	// FormationStaggered launches the even-indexed cohort first and the
	// odd-indexed cohort one delay interval later.
	FormationStaggered Formation = "STAGGERED"
)

// Valid reports whether f names a known formation.
func (f Formation) Valid() bool {
	switch f {
	case FormationParallel, FormationConvoy, FormationStaggered:
		return true
	}
	return false
}

// BatchMovementSession groups member sessions launched together under one
// formation policy. The record persists only the grouping; displayed batch
// state is derived from the members, never stored as independent truth.
type BatchMovementSession struct {
	ID         string   `json:"id"`
	SessionIDs []string `json:"session_ids"`

	Formation      Formation     `json:"formation"`
	LaunchInterval time.Duration `json:"launch_interval_ns"`

	// State is the last explicitly set batch state, used only as the
	// fallback when no member state dominates.
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (b *BatchMovementSession) Clone() *BatchMovementSession {
	if b == nil {
		return nil
	}
	out := *b
	out.SessionIDs = append([]string(nil), b.SessionIDs...)
	return &out
}
