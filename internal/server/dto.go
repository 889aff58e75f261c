package server

import (
	"time"

	"proctorsync/internal/domain"
	"proctorsync/internal/engine"
)

type CreatePointRequest struct {
	ApplicationID string `json:"application_id"`
	APIKey        string `json:"api_key"`
	CourseID      int64  `json:"course_id"`
	ActivityID    int64  `json:"activity_id"`
	ContextLevel  string `json:"context_level,omitempty" enum:"site,course,module"`
}

// PointResponse never echoes the vendor API key; only a recognizable suffix.
type PointResponse struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	APIKeyHint    string    `json:"api_key_hint,omitempty"`
	CourseID      int64     `json:"course_id"`
	ActivityID    int64     `json:"activity_id"`
	ContextLevel  string    `json:"context_level"`
	CreatedAt     time.Time `json:"created_at"`
}

type CompletionResponse struct {
	ActivityID   int64     `json:"activity_id"`
	UserID       int64     `json:"user_id"`
	State        string    `json:"state"`
	TimeModified time.Time `json:"time_modified"`
	OverrideBy   int64     `json:"override_by,omitempty"`
}

type RunSyncResponse struct {
	Run    domain.SyncRun       `json:"run"`
	Points []engine.PointReport `json:"points"`
}

func pointResponse(p domain.IntegrationPoint) PointResponse {
	return PointResponse{
		ID:            p.ID,
		ApplicationID: p.ApplicationID,
		APIKeyHint:    keyHint(p.APIKey),
		CourseID:      p.CourseID,
		ActivityID:    p.ActivityID,
		ContextLevel:  p.ContextLevel,
		CreatedAt:     p.CreatedAt,
	}
}

func completionResponse(rec domain.CompletionRecord) CompletionResponse {
	return CompletionResponse{
		ActivityID:   rec.ActivityID,
		UserID:       rec.UserID,
		State:        rec.State.String(),
		TimeModified: rec.TimeModified,
		OverrideBy:   rec.OverrideBy,
	}
}

func keyHint(key string) string {
	if len(key) <= 4 {
		return ""
	}
	return "..." + key[len(key)-4:]
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
