// Package engine drives one reconciliation pass: it enumerates integration
// points, pages through remote participant updates, resolves each record to a
// local user and activity, derives the target completion state and applies it
// idempotently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"proctorsync/internal/domain"
	"proctorsync/internal/events"
	"proctorsync/internal/identifier"
	"proctorsync/internal/policy"
	"proctorsync/internal/remote"
	"proctorsync/internal/session"
)

// Host is the platform collaborator surface. Implementations own integration
// points and completion records; the engine holds only run-scoped copies.
type Host interface {
	ListEligibleIntegrationPoints(ctx context.Context) ([]domain.IntegrationPoint, error)
	SiteCompletionEnabled(ctx context.Context) (bool, error)
	SiteCreatedAt(ctx context.Context) (time.Time, error)
	GetCourse(ctx context.Context, courseID int64) (domain.Course, error)
	ActivityCompletionMode(ctx context.Context, activityID int64) (domain.TrackingMode, error)
	ResolveUser(ctx context.Context, userID int64) (domain.User, error)
	IsEnrolled(ctx context.Context, activityID, userID int64) (bool, error)
	CompletionRecord(ctx context.Context, activityID, userID int64) (domain.CompletionRecord, error)
	SetCompletionRecord(ctx context.Context, rec domain.CompletionRecord) error
	LastActivityTime(ctx context.Context, userID, courseID int64) (time.Time, error)
}

// Remote is the vendor API read surface.
type Remote interface {
	FetchUpdated(ctx context.Context, apiKey, appID string, since time.Time) ParticipantIter
	CloseSession(ctx context.Context, appID string, activityID, userID int64) error
}

// ParticipantIter yields participant records in the order the vendor returns
// them. ok=false with nil error means the sequence is exhausted.
type ParticipantIter interface {
	Next(ctx context.Context) (domain.ParticipantRecord, bool, error)
}

// Notifier delivers the status-change email. Failures are logged, never
// propagated: the completion write is the authoritative side effect.
type Notifier interface {
	StatusChanged(ctx context.Context, user domain.User, rec domain.ParticipantRecord, courseID int64) error
}

// EventSink records sync events for operators.
type EventSink interface {
	Record(ctx context.Context, evtType, pointID, entityKind, entityID string, payload events.EventPayload) error
}

// Skip reasons for integration points.
const (
	SkipSiteCompletionOff   = "site_completion_disabled"
	SkipCourseCompletionOff = "course_completion_disabled"
	SkipNotModuleLevel      = "not_module_level"
	SkipMissingCredentials  = "missing_credentials"
	SkipTrackingDisabled    = "activity_tracking_disabled"
	SkipCourseMissing       = "course_not_found"
	SkipActivityMissing     = "activity_not_found"
	SkipRemoteUnauthorized  = "remote_unauthorized"
	SkipRemoteUnavailable   = "remote_unavailable"
	SkipRemoteMalformed     = "remote_malformed"
)

type Engine struct {
	Host     Host
	Remote   Remote
	Notifier Notifier
	Events   EventSink
	Log      *zap.Logger
	Timeouts session.TimeoutManager
	// Workers bounds concurrent integration points. 1 means sequential;
	// correctness never depends on concurrency.
	Workers int
	Now     func() time.Time
}

func New(host Host, rem Remote, notifier Notifier, sink EventSink, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Host:     host,
		Remote:   rem,
		Notifier: notifier,
		Events:   sink,
		Log:      log,
		Timeouts: session.Default(),
		Workers:  1,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunOptions carries scheduler-owned state into a pass.
type RunOptions struct {
	// LastRun is when the previous successful pass started; zero on the first
	// run. Watermark persistence belongs to the scheduler surface, not here.
	LastRun time.Time
	// RunID labels this pass. Generated when empty, so schedulers that persist
	// a run row up front can pick the ID themselves.
	RunID string
}

// PointReport is the outcome for one integration point.
type PointReport struct {
	PointID        string `json:"point_id"`
	SkipReason     string `json:"skip_reason,omitempty"`
	RecordsSeen    int    `json:"records_seen"`
	RecordsSkipped int    `json:"records_skipped"`
	Updated        int    `json:"updated"`
	Notified       int    `json:"notified"`
	SessionsClosed int    `json:"sessions_closed"`
}

// RunReport summarizes one pass.
type RunReport struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Points   []PointReport
}

func (r RunReport) Totals() (seen, updated, skippedPoints int) {
	for _, p := range r.Points {
		seen += p.RecordsSeen
		updated += p.Updated
		if p.SkipReason != "" {
			skippedPoints++
		}
	}
	return
}

// Run executes one reconciliation pass. Only a failure to enumerate
// integration points aborts the run; every other failure is contained to one
// point or one record and retried on the next scheduled run through the
// watermark.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	report := RunReport{RunID: runID, Started: e.now()}
	log := e.Log.With(zap.String("run_id", report.RunID))

	points, err := e.Host.ListEligibleIntegrationPoints(ctx)
	if err != nil {
		return report, fmt.Errorf("list integration points: %w", err)
	}
	log.Info("sync pass started", zap.Int("points", len(points)))

	siteCompletion, err := e.Host.SiteCompletionEnabled(ctx)
	if err != nil {
		return report, fmt.Errorf("site completion check: %w", err)
	}
	siteCreated, err := e.Host.SiteCreatedAt(ctx)
	if err != nil {
		return report, fmt.Errorf("site created lookup: %w", err)
	}

	report.Points = make([]PointReport, len(points))
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	if workers == 1 {
		for i, p := range points {
			report.Points[i] = e.processPoint(ctx, log, p, opts.LastRun, siteCompletion, siteCreated)
		}
	} else {
		// Independent points may run concurrently; each (activity,user) pair
		// is touched by at most one point per run, so no shared-state locking
		// is needed beyond the indexed report slot.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		var mu sync.Mutex
		for i, p := range points {
			g.Go(func() error {
				pr := e.processPoint(gctx, log, p, opts.LastRun, siteCompletion, siteCreated)
				mu.Lock()
				report.Points[i] = pr
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	report.Finished = e.now()
	seen, updated, skipped := report.Totals()
	log.Info("sync pass finished",
		zap.Int("records_seen", seen), zap.Int("records_updated", updated),
		zap.Int("points_skipped", skipped))
	return report, ctx.Err()
}

// processPoint runs the gate chain, then streams participant updates. Each
// gate failure produces a named skip, never an error that aborts the run.
func (e *Engine) processPoint(ctx context.Context, log *zap.Logger, p domain.IntegrationPoint, lastRun time.Time, siteCompletion bool, siteCreated time.Time) PointReport {
	report := PointReport{PointID: p.ID}
	log = log.With(zap.String("point_id", p.ID), zap.Int64("course_id", p.CourseID), zap.Int64("activity_id", p.ActivityID))

	skip := func(reason string, fields ...zap.Field) PointReport {
		report.SkipReason = reason
		log.Info("integration point skipped", append(fields, zap.String("reason", reason))...)
		e.recordEvent(ctx, "point.skipped", p.ID, "point", p.ID, events.EventPayload{"reason": reason})
		return report
	}

	if !siteCompletion {
		return skip(SkipSiteCompletionOff)
	}
	if p.ContextLevel != domain.LevelModule {
		return skip(SkipNotModuleLevel, zap.String("context_level", p.ContextLevel))
	}
	if p.APIKey == "" || p.ApplicationID == "" {
		return skip(SkipMissingCredentials)
	}
	course, err := e.Host.GetCourse(ctx, p.CourseID)
	if err != nil {
		return skip(SkipCourseMissing, zap.Error(err))
	}
	if !course.CompletionEnabled {
		return skip(SkipCourseCompletionOff)
	}
	mode, err := e.Host.ActivityCompletionMode(ctx, p.ActivityID)
	if err != nil {
		return skip(SkipActivityMissing, zap.Error(err))
	}
	if mode == domain.TrackingNone {
		return skip(SkipTrackingDisabled)
	}

	watermark := maxTime(lastRun, siteCreated, course.CreatedAt, p.CreatedAt)
	log.Debug("fetching participant updates", zap.Time("since", watermark))

	it := e.Remote.FetchUpdated(ctx, p.APIKey, p.ApplicationID, watermark)
	for {
		// A cancelled run finishes the in-flight record but starts no new one.
		if ctx.Err() != nil {
			log.Warn("run cancelled, stopping point early")
			return report
		}
		rec, ok, err := it.Next(ctx)
		if err != nil {
			return skip(remoteSkipReason(err), zap.Error(err))
		}
		if !ok {
			break
		}
		report.RecordsSeen++
		e.processRecord(ctx, log, p, rec, &report)
	}

	log.Info("integration point processed",
		zap.Int("records_seen", report.RecordsSeen), zap.Int("updated", report.Updated),
		zap.Int("records_skipped", report.RecordsSkipped))
	return report
}

// processRecord applies the per-record pipeline. All failures here are
// record-local: logged, counted, and the batch continues.
func (e *Engine) processRecord(ctx context.Context, log *zap.Logger, p domain.IntegrationPoint, rec domain.ParticipantRecord, report *PointReport) {
	log = log.With(zap.String("participant", rec.Identifier))

	skipRecord := func(msg string, fields ...zap.Field) {
		report.RecordsSkipped++
		log.Info("participant record skipped: "+msg, fields...)
	}

	if !identifier.IsAlnum(rec.Identifier) {
		skipRecord("identifier not alphanumeric")
		return
	}
	id, err := identifier.Decode(rec.Identifier)
	if err != nil {
		skipRecord("identifier malformed", zap.Error(err))
		return
	}
	if id.CourseID != p.CourseID {
		skipRecord("identifier is for a different course", zap.Int64("decoded_course_id", id.CourseID))
		return
	}
	user, err := e.Host.ResolveUser(ctx, id.UserID)
	if err != nil {
		skipRecord("no local user", zap.Int64("user_id", id.UserID), zap.Error(err))
		return
	}
	log = log.With(zap.Int64("user_id", user.ID))

	enrolled, err := e.Host.IsEnrolled(ctx, p.ActivityID, user.ID)
	if err != nil {
		skipRecord("enrollment check failed", zap.Error(err))
		return
	}
	if !enrolled {
		// No completion change for an unenrolled user, but their remote
		// session should not stay open.
		e.closeSession(ctx, log, p, user.ID, report, "unenrolled")
		skipRecord("user no longer enrolled")
		return
	}

	lastActivity, err := e.Host.LastActivityTime(ctx, user.ID, p.CourseID)
	if err != nil {
		skipRecord("last activity lookup failed", zap.Error(err))
		return
	}
	now := e.now()
	if !lastActivity.IsZero() && e.Timeouts.ShouldClose(lastActivity, now) {
		// Closing a stale session and updating completion are independent;
		// processing continues below.
		e.closeSession(ctx, log, p, user.ID, report, "timeout")
	}

	targetState, err := policy.TargetState(rec.ReviewStatus)
	if err != nil {
		skipRecord("review status not recognized", zap.Error(err))
		return
	}

	current, err := e.Host.CompletionRecord(ctx, p.ActivityID, user.ID)
	if err != nil {
		skipRecord("completion read failed", zap.Error(err))
		return
	}
	if current.State == targetState {
		// Idempotence: unchanged remote data must not re-notify or
		// re-timestamp.
		log.Debug("completion state already current", zap.String("state", targetState.String()))
		return
	}

	updated := domain.CompletionRecord{
		ActivityID:   p.ActivityID,
		UserID:       user.ID,
		State:        targetState,
		TimeModified: now,
		OverrideBy:   user.ID,
	}
	if err := e.Host.SetCompletionRecord(ctx, updated); err != nil {
		skipRecord("completion write failed", zap.Error(err))
		return
	}
	report.Updated++
	log.Info("completion state updated",
		zap.String("from", current.State.String()), zap.String("to", targetState.String()))
	e.recordEvent(ctx, "completion.updated", p.ID, "completion", fmt.Sprintf("%d:%d", p.ActivityID, user.ID), events.EventPayload{
		"from":   current.State.String(),
		"to":     targetState.String(),
		"status": rec.ReviewStatus,
	})

	if err := e.Notifier.StatusChanged(ctx, user, rec, p.CourseID); err != nil {
		// Best-effort: the completion write above stands.
		log.Warn("notification failed", zap.Error(err))
		return
	}
	report.Notified++
	e.recordEvent(ctx, "notification.sent", p.ID, "user", fmt.Sprintf("%d", user.ID), events.EventPayload{
		"status": rec.ReviewStatus,
	})
}

func (e *Engine) closeSession(ctx context.Context, log *zap.Logger, p domain.IntegrationPoint, userID int64, report *PointReport, cause string) {
	if err := e.Remote.CloseSession(ctx, p.ApplicationID, p.ActivityID, userID); err != nil {
		log.Warn("close session failed", zap.String("cause", cause), zap.Error(err))
		return
	}
	report.SessionsClosed++
	e.recordEvent(ctx, "session.closed", p.ID, "user", fmt.Sprintf("%d", userID), events.EventPayload{"cause": cause})
}

func (e *Engine) recordEvent(ctx context.Context, evtType, pointID, entityKind, entityID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Record(ctx, evtType, pointID, entityKind, entityID, payload); err != nil {
		e.Log.Warn("event write failed", zap.String("type", evtType), zap.Error(err))
	}
}

func remoteSkipReason(err error) string {
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		return SkipRemoteUnauthorized
	case errors.Is(err, remote.ErrMalformed):
		return SkipRemoteMalformed
	default:
		return SkipRemoteUnavailable
	}
}

func maxTime(ts ...time.Time) time.Time {
	var max time.Time
	for _, t := range ts {
		if t.After(max) {
			max = t
		}
	}
	return max
}
