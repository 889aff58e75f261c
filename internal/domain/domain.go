package domain

import "time"

// Review statuses as reported by the proctoring vendor.
const (
	StatusInProgress   = "In Progress"
	StatusValid        = "Valid"
	StatusInvalidID    = "Invalid (ID)"
	StatusInvalidRules = "Invalid (Rules)"
)

// CompletionState is the host platform's per-user, per-activity progress status.
type CompletionState int

const (
	Incomplete   CompletionState = 0
	Complete     CompletionState = 1
	CompleteFail CompletionState = 3
)

func (s CompletionState) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case CompleteFail:
		return "complete_fail"
	}
	return "unknown"
}

// TrackingMode is how an activity tracks completion.
type TrackingMode int

const (
	TrackingNone      TrackingMode = 0
	TrackingManual    TrackingMode = 1
	TrackingAutomatic TrackingMode = 2
)

// Context levels an integration point may be bound at. Only module-level
// points are processed by the sync engine.
const (
	LevelSite   = "site"
	LevelCourse = "course"
	LevelModule = "module"
)

// IntegrationPoint binds one remote proctoring application to one course
// activity. Created by host-side configuration; read-only to the engine.
type IntegrationPoint struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	APIKey        string    `json:"api_key"`
	CourseID      int64     `json:"course_id"`
	ActivityID    int64     `json:"activity_id"`
	ContextLevel  string    `json:"context_level" enum:"site,course,module"`
	CreatedAt     time.Time `json:"created_at"`
}

// Flag is a remote-side annotation on a participant session.
type Flag struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

// ParticipantRecord is one user's proctoring review outcome for one activity
// session, normalized from the vendor payload. Immutable once constructed.
type ParticipantRecord struct {
	Identifier   string    `json:"identifier"`
	ReviewStatus string    `json:"review_status"`
	CreatedAt    time.Time `json:"created_at"`
	ModifiedAt   time.Time `json:"modified_at"`
	ResubmitURL  string    `json:"resubmit_url,omitempty"`
	Flags        []Flag    `json:"flags,omitempty"`
}

// CompletionRecord is the host completion subsystem's state for one
// (activity, user) pair.
type CompletionRecord struct {
	ActivityID   int64           `json:"activity_id"`
	UserID       int64           `json:"user_id"`
	State        CompletionState `json:"state"`
	TimeModified time.Time       `json:"time_modified"`
	OverrideBy   int64           `json:"override_by,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type Course struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	CompletionEnabled bool      `json:"completion_enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

type Activity struct {
	ID        int64        `json:"id"`
	CourseID  int64        `json:"course_id"`
	Name      string       `json:"name"`
	Tracking  TrackingMode `json:"tracking"`
	CreatedAt time.Time    `json:"created_at"`
}

// SyncRun is one reconciliation pass as recorded by the scheduler surface.
type SyncRun struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status" enum:"running,ok,failed"`
	PointsTotal    int        `json:"points_total"`
	PointsSkipped  int        `json:"points_skipped"`
	RecordsSeen    int        `json:"records_seen"`
	RecordsUpdated int        `json:"records_updated"`
	Error          string     `json:"error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PointID    string `json:"point_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
	RevokedAt string `json:"revoked_at,omitempty" format:"date-time"`
}
