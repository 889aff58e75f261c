package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"proctorsync/internal/db"
	"proctorsync/internal/domain"
	"proctorsync/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// running migrations again must be a no-op
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestSiteCompletionDefaultsOn(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	on, err := r.SiteCompletionEnabled(ctx)
	if err != nil || !on {
		t.Fatalf("want enabled by default, got %v err %v", on, err)
	}
	if err := r.SetSetting(ctx, "completion_enabled", "0"); err != nil {
		t.Fatalf("set: %v", err)
	}
	on, err = r.SiteCompletionEnabled(ctx)
	if err != nil || on {
		t.Fatalf("want disabled after toggle, got %v err %v", on, err)
	}
}

func TestCourseAndActivityRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	c := domain.Course{ID: 5, Name: "Bio 101", CompletionEnabled: true, CreatedAt: created}
	if err := r.InsertCourse(ctx, c); err != nil {
		t.Fatalf("insert course: %v", err)
	}
	got, err := r.GetCourse(ctx, 5)
	if err != nil {
		t.Fatalf("get course: %v", err)
	}
	if got != c {
		t.Fatalf("course round trip: want %+v got %+v", c, got)
	}
	if _, err := r.GetCourse(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing course should be ErrNotFound, got %v", err)
	}

	a := domain.Activity{ID: 42, CourseID: 5, Name: "Final exam", Tracking: domain.TrackingAutomatic, CreatedAt: created}
	if err := r.InsertActivity(ctx, a); err != nil {
		t.Fatalf("insert activity: %v", err)
	}
	mode, err := r.ActivityCompletionMode(ctx, 42)
	if err != nil || mode != domain.TrackingAutomatic {
		t.Fatalf("tracking mode: got %v err %v", mode, err)
	}
}

func TestEnrollmentLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := r.InsertUser(ctx, domain.User{ID: 7, Username: "lee", Email: "lee@example.com"}, now); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := r.Enroll(ctx, 42, 7, now); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	// enrolling twice is a no-op
	if err := r.Enroll(ctx, 42, 7, now); err != nil {
		t.Fatalf("re-enroll: %v", err)
	}
	enrolled, err := r.IsEnrolled(ctx, 42, 7)
	if err != nil || !enrolled {
		t.Fatalf("want enrolled, got %v err %v", enrolled, err)
	}
	if err := r.Unenroll(ctx, 42, 7); err != nil {
		t.Fatalf("unenroll: %v", err)
	}
	enrolled, err = r.IsEnrolled(ctx, 42, 7)
	if err != nil || enrolled {
		t.Fatalf("want not enrolled, got %v err %v", enrolled, err)
	}
}

func TestCompletionUpsert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	rec, err := r.CompletionRecord(ctx, 42, 7)
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if rec.State != domain.Incomplete || !rec.TimeModified.IsZero() {
		t.Fatalf("missing row should read as incomplete, got %+v", rec)
	}

	modified := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	want := domain.CompletionRecord{ActivityID: 42, UserID: 7, State: domain.Complete, TimeModified: modified, OverrideBy: 7}
	if err := r.SetCompletionRecord(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	want.State = domain.CompleteFail
	if err := r.SetCompletionRecord(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.CompletionRecord(ctx, 42, 7)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("want %+v got %+v", want, got)
	}
}

func TestLastActivityTime(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	at, err := r.LastActivityTime(ctx, 7, 5)
	if err != nil || !at.IsZero() {
		t.Fatalf("never-accessed should be zero, got %v err %v", at, err)
	}
	touched := time.Date(2024, 3, 10, 11, 48, 0, 0, time.UTC)
	if err := r.TouchLastAccess(ctx, 7, 5, touched); err != nil {
		t.Fatalf("touch: %v", err)
	}
	at, err = r.LastActivityTime(ctx, 7, 5)
	if err != nil || !at.Equal(touched) {
		t.Fatalf("want %v got %v err %v", touched, at, err)
	}
}

func TestIntegrationPointCRUD(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p := domain.IntegrationPoint{
		ID:            "pt-1",
		ApplicationID: "app-1",
		APIKey:        "secret",
		CourseID:      5,
		ActivityID:    42,
		ContextLevel:  domain.LevelModule,
		CreatedAt:     time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := r.InsertIntegrationPoint(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetIntegrationPoint(ctx, "pt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != p {
		t.Fatalf("round trip: want %+v got %+v", p, got)
	}
	items, err := r.ListEligibleIntegrationPoints(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v %v", items, err)
	}
	if err := r.DeleteIntegrationPoint(ctx, "pt-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteIntegrationPoint(ctx, "pt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestSyncRunWatermark(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	at, err := r.LastSuccessfulRun(ctx)
	if err != nil || !at.IsZero() {
		t.Fatalf("no runs yet should be zero, got %v err %v", at, err)
	}

	started := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	run := domain.SyncRun{ID: "r1", StartedAt: started, Status: "running"}
	if err := r.InsertSyncRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	// a running (or failed) run must not advance the watermark
	at, err = r.LastSuccessfulRun(ctx)
	if err != nil || !at.IsZero() {
		t.Fatalf("running run should not count, got %v err %v", at, err)
	}

	finished := started.Add(time.Minute)
	run.FinishedAt = &finished
	run.Status = "ok"
	run.RecordsSeen = 3
	run.RecordsUpdated = 2
	if err := r.FinishSyncRun(ctx, run); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	at, err = r.LastSuccessfulRun(ctx)
	if err != nil || !at.Equal(started) {
		t.Fatalf("want watermark %v, got %v err %v", started, at, err)
	}

	runs, err := r.ListSyncRuns(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v %v", runs, err)
	}
	if runs[0].RecordsSeen != 3 || runs[0].RecordsUpdated != 2 || runs[0].Status != "ok" {
		t.Fatalf("run stats lost: %+v", runs[0])
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	hash := HashAPIKey("psk_secret")
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", Name: "ops", KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || key.ID != "k1" {
		t.Fatalf("lookup: %+v %v", key, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown hash should be ErrNotFound, got %v", err)
	}
	if err := r.RevokeAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked key should be ErrNotFound, got %v", err)
	}
}
