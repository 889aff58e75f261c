package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proctorsync/internal/domain"
)

// Repo is the host-platform data surface: integration points, users,
// enrollments and completion records. The engine consumes it through narrow
// interfaces and never touches the database directly.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- settings ---

func (r Repo) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// SiteCompletionEnabled reports the site-wide completion switch. Enabled
// unless explicitly turned off.
func (r Repo) SiteCompletionEnabled(ctx context.Context) (bool, error) {
	v, err := r.GetSetting(ctx, "completion_enabled")
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v != "0", nil
}

// SiteCreatedAt returns the site creation time, zero if never recorded.
func (r Repo) SiteCreatedAt(ctx context.Context) (time.Time, error) {
	v, err := r.GetSetting(ctx, "site_created")
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var epoch int64
	if _, err := fmt.Sscanf(v, "%d", &epoch); err != nil {
		return time.Time{}, fmt.Errorf("setting site_created %q: %w", v, err)
	}
	return time.Unix(epoch, 0).UTC(), nil
}

// --- courses and activities ---

func (r Repo) InsertCourse(ctx context.Context, c domain.Course) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO courses(id,name,completion_enabled,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, boolToInt(c.CompletionEnabled), c.CreatedAt.Unix())
	return err
}

func (r Repo) GetCourse(ctx context.Context, id int64) (domain.Course, error) {
	var c domain.Course
	var enabled int
	var created int64
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,completion_enabled,created_at FROM courses WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &enabled, &created)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CompletionEnabled = enabled != 0
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, nil
}

func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activities(id,course_id,name,tracking,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.CourseID, a.Name, int(a.Tracking), a.CreatedAt.Unix())
	return err
}

func (r Repo) GetActivity(ctx context.Context, id int64) (domain.Activity, error) {
	var a domain.Activity
	var tracking int
	var created int64
	err := r.DB.QueryRowContext(ctx, `SELECT id,course_id,name,tracking,created_at FROM activities WHERE id=?`, id).
		Scan(&a.ID, &a.CourseID, &a.Name, &tracking, &created)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Tracking = domain.TrackingMode(tracking)
	a.CreatedAt = time.Unix(created, 0).UTC()
	return a, nil
}

// ActivityCompletionMode returns how the activity tracks completion.
func (r Repo) ActivityCompletionMode(ctx context.Context, activityID int64) (domain.TrackingMode, error) {
	a, err := r.GetActivity(ctx, activityID)
	if err != nil {
		return domain.TrackingNone, err
	}
	return a.Tracking, nil
}

// --- users and enrollments ---

func (r Repo) InsertUser(ctx context.Context, u domain.User, createdAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,username,email,first_name,last_name,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.FirstName, u.LastName, createdAt.Unix())
	return err
}

func (r Repo) ResolveUser(ctx context.Context, userID int64) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,username,email,first_name,last_name FROM users WHERE id=?`, userID).
		Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) Enroll(ctx context.Context, activityID, userID int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO enrollments(activity_id,user_id,created_at) VALUES (?,?,?)`,
		activityID, userID, at.Unix())
	return err
}

func (r Repo) Unenroll(ctx context.Context, activityID, userID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM enrollments WHERE activity_id=? AND user_id=?`, activityID, userID)
	return err
}

func (r Repo) IsEnrolled(ctx context.Context, activityID, userID int64) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM enrollments WHERE activity_id=? AND user_id=? LIMIT 1`, activityID, userID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// --- completion records ---

// CompletionRecord returns the current record for (activity, user). A pair
// with no row yet reads as Incomplete with a zero TimeModified.
func (r Repo) CompletionRecord(ctx context.Context, activityID, userID int64) (domain.CompletionRecord, error) {
	rec := domain.CompletionRecord{ActivityID: activityID, UserID: userID}
	var state int
	var modified, overrideBy int64
	err := r.DB.QueryRowContext(ctx, `SELECT state,time_modified,override_by FROM completion WHERE activity_id=? AND user_id=?`,
		activityID, userID).Scan(&state, &modified, &overrideBy)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	rec.State = domain.CompletionState(state)
	rec.TimeModified = time.Unix(modified, 0).UTC()
	rec.OverrideBy = overrideBy
	return rec, nil
}

// SetCompletionRecord upserts the record in a single statement so the
// per-(activity,user) update is atomic.
func (r Repo) SetCompletionRecord(ctx context.Context, rec domain.CompletionRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO completion(activity_id,user_id,state,time_modified,override_by) VALUES (?,?,?,?,?)
		ON CONFLICT(activity_id,user_id) DO UPDATE SET state=excluded.state, time_modified=excluded.time_modified, override_by=excluded.override_by`,
		rec.ActivityID, rec.UserID, int(rec.State), rec.TimeModified.Unix(), rec.OverrideBy)
	return err
}

func (r Repo) ListCompletion(ctx context.Context, courseID int64) ([]domain.CompletionRecord, error) {
	query := `SELECT c.activity_id,c.user_id,c.state,c.time_modified,c.override_by FROM completion c`
	var args []any
	if courseID != 0 {
		query += ` JOIN activities a ON a.id=c.activity_id WHERE a.course_id=?`
		args = append(args, courseID)
	}
	query += ` ORDER BY c.activity_id, c.user_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionRecord
	for rows.Next() {
		var rec domain.CompletionRecord
		var state int
		var modified int64
		if err := rows.Scan(&rec.ActivityID, &rec.UserID, &state, &modified, &rec.OverrideBy); err != nil {
			return nil, err
		}
		rec.State = domain.CompletionState(state)
		rec.TimeModified = time.Unix(modified, 0).UTC()
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- last access ---

func (r Repo) TouchLastAccess(ctx context.Context, userID, courseID int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO last_access(user_id,course_id,time_accessed) VALUES (?,?,?)
		ON CONFLICT(user_id,course_id) DO UPDATE SET time_accessed=excluded.time_accessed`,
		userID, courseID, at.Unix())
	return err
}

// LastActivityTime returns when the user last touched the course, zero if
// never.
func (r Repo) LastActivityTime(ctx context.Context, userID, courseID int64) (time.Time, error) {
	var at int64
	err := r.DB.QueryRowContext(ctx, `SELECT time_accessed FROM last_access WHERE user_id=? AND course_id=?`, userID, courseID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(at, 0).UTC(), nil
}

// --- integration points ---

func (r Repo) InsertIntegrationPoint(ctx context.Context, p domain.IntegrationPoint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO integration_points(id,application_id,api_key,course_id,activity_id,context_level,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.ApplicationID, p.APIKey, p.CourseID, p.ActivityID, p.ContextLevel, p.CreatedAt.Unix())
	return err
}

func (r Repo) GetIntegrationPoint(ctx context.Context, id string) (domain.IntegrationPoint, error) {
	var p domain.IntegrationPoint
	var created int64
	err := r.DB.QueryRowContext(ctx, `SELECT id,application_id,api_key,course_id,activity_id,context_level,created_at FROM integration_points WHERE id=?`, id).
		Scan(&p.ID, &p.ApplicationID, &p.APIKey, &p.CourseID, &p.ActivityID, &p.ContextLevel, &created)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

// ListEligibleIntegrationPoints enumerates all configured points. Gate checks
// (credentials, context level, tracking) happen in the engine so skips are
// observable per point.
func (r Repo) ListEligibleIntegrationPoints(ctx context.Context) ([]domain.IntegrationPoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,api_key,course_id,activity_id,context_level,created_at FROM integration_points ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntegrationPoint
	for rows.Next() {
		var p domain.IntegrationPoint
		var created int64
		if err := rows.Scan(&p.ID, &p.ApplicationID, &p.APIKey, &p.CourseID, &p.ActivityID, &p.ContextLevel, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(created, 0).UTC()
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteIntegrationPoint(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM integration_points WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sync runs ---

func (r Repo) InsertSyncRun(ctx context.Context, run domain.SyncRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_runs(id,started_at,status) VALUES (?,?,?)`,
		run.ID, run.StartedAt.Unix(), run.Status)
	return err
}

func (r Repo) FinishSyncRun(ctx context.Context, run domain.SyncRun) error {
	if run.FinishedAt == nil {
		return errors.New("finished_at required")
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE sync_runs SET finished_at=?,status=?,points_total=?,points_skipped=?,records_seen=?,records_updated=?,error=? WHERE id=?`,
		run.FinishedAt.Unix(), run.Status, run.PointsTotal, run.PointsSkipped, run.RecordsSeen, run.RecordsUpdated, nullable(run.Error), run.ID)
	return err
}

// LastSuccessfulRun returns when the last run with status ok started, zero if
// none. The watermark for the next pass builds on this.
func (r Repo) LastSuccessfulRun(ctx context.Context) (time.Time, error) {
	var started int64
	err := r.DB.QueryRowContext(ctx, `SELECT started_at FROM sync_runs WHERE status='ok' ORDER BY started_at DESC LIMIT 1`).Scan(&started)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(started, 0).UTC(), nil
}

func (r Repo) ListSyncRuns(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,started_at,finished_at,status,points_total,points_skipped,records_seen,records_updated,COALESCE(error,'') FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncRun
	for rows.Next() {
		var run domain.SyncRun
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&run.ID, &started, &finished, &run.Status, &run.PointsTotal, &run.PointsSkipped, &run.RecordsSeen, &run.RecordsUpdated, &run.Error); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(started, 0).UTC()
		if finished.Valid {
			t := time.Unix(finished.Int64, 0).UTC()
			run.FinishedAt = &t
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, evtType string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(point_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	var args []any
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PointID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
