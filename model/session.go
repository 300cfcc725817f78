package model

import "time"

// SessionState is the lifecycle state of a movement session.
type SessionState string

const (
	StateMoving        SessionState = "MOVING"
	StatePaused        SessionState = "PAUSED"
	StateExecutingTask SessionState = "EXECUTING_TASK"
	StateCompleted     SessionState = "COMPLETED"
	StateCancelled     SessionState = "CANCELLED"
)

// Terminal reports whether the state is final. Terminal sessions are never
// resumed, only retained until cleanup.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Active reports whether a session in this state belongs in the active set.
func (s SessionState) Active() bool {
	return !s.Terminal()
}

// EntityType identifies the kind of rescue asset being simulated.
type EntityType string

const (
	EntityVehicle    EntityType = "vehicle"
	EntityTeam       EntityType = "team"
	EntityUAV        EntityType = "uav"
	EntityRoboticDog EntityType = "robotic_dog"
	EntityUSV        EntityType = "usv"
)

// Waypoint is an in-route stop where the asset performs a task of fixed
// duration before continuing. PointIndex refers to a point of the session
// route; execution happens when the simulation reaches that point.
type Waypoint struct {
	PointIndex int    `json:"point_index"`
	TaskType   string `json:"task_type"`
	// TaskDuration is how long the asset holds at the waypoint.
	TaskDuration time.Duration `json:"task_duration_ns"`
	Executed     bool          `json:"executed"`
	ExecutedAt   *time.Time    `json:"executed_at,omitempty"`
}

// MovementSession is the unit of simulated motion: one entity moving along
// one route. The owning simulation loop is the only writer after start;
// control operations mutate it through the manager, never directly.
type MovementSession struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	// ResourceID links to an external attribute record consulted once at
	// start for speed resolution. Optional.
	ResourceID string `json:"resource_id,omitempty"`

	Route []GeoPoint `json:"route"`
	// TotalDistance and SegmentDistances are computed once at start and
	// immutable for the session's life. Metres.
	TotalDistance    float64   `json:"total_distance_m"`
	SegmentDistances []float64 `json:"segment_distances_m,omitempty"`

	// Speed is metres per second, resolved once at start.
	Speed float64 `json:"speed_mps"`
	// Traveled is monotonically non-decreasing, clamped to TotalDistance.
	Traveled        float64 `json:"traveled_m"`
	SegmentIndex    int     `json:"segment_index"`
	SegmentProgress float64 `json:"segment_progress"`
	Heading         float64 `json:"heading_deg"`

	State SessionState `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
	// PausedAt is set while the session sits in PAUSED or EXECUTING_TASK;
	// nil while moving. Together with AccumulatedPause it keeps elapsed-time
	// math correct across pause/resume cycles and process restarts.
	PausedAt *time.Time `json:"paused_at,omitempty"`
	// CompletedAt is set when the session reaches either terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// AccumulatedPause is the total time already spent paused or executing
	// waypoint tasks, excluding any gate the session is currently inside.
	AccumulatedPause time.Duration `json:"accumulated_pause_ns"`

	Waypoints []Waypoint `json:"waypoints,omitempty"`
}

// EffectiveElapsed returns wall-clock time since start minus all pause time,
// including the still-open gate when the session is currently paused or
// executing a task. This is the sole basis for position computation, which
// is what makes a mid-route restart resume at the correct position.
func (s *MovementSession) EffectiveElapsed(now time.Time) time.Duration {
	elapsed := now.Sub(s.StartedAt) - s.AccumulatedPause
	if s.PausedAt != nil {
		elapsed -= now.Sub(*s.PausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// NextPendingWaypoint returns the first waypoint not yet executed, in route
// order, or -1 when none remain. Route order is the only execution order.
func (s *MovementSession) NextPendingWaypoint() (int, *Waypoint) {
	for i := range s.Waypoints {
		if !s.Waypoints[i].Executed {
			return i, &s.Waypoints[i]
		}
	}
	return -1, nil
}

// ProgressPercent is traveled distance over total, in [0, 100].
func (s *MovementSession) ProgressPercent() float64 {
	if s.TotalDistance <= 0 {
		return 0
	}
	p := s.Traveled / s.TotalDistance * 100
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s *MovementSession) Clone() *MovementSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Route = append([]GeoPoint(nil), s.Route...)
	out.SegmentDistances = append([]float64(nil), s.SegmentDistances...)
	out.Waypoints = append([]Waypoint(nil), s.Waypoints...)
	for i := range out.Waypoints {
		if t := out.Waypoints[i].ExecutedAt; t != nil {
			c := *t
			out.Waypoints[i].ExecutedAt = &c
		}
	}
	if s.PausedAt != nil {
		c := *s.PausedAt
		out.PausedAt = &c
	}
	if s.CompletedAt != nil {
		c := *s.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}
