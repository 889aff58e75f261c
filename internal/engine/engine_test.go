package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"proctorsync/internal/domain"
	"proctorsync/internal/events"
	"proctorsync/internal/identifier"
	"proctorsync/internal/remote"
	"proctorsync/internal/session"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeHost struct {
	mu             sync.Mutex
	points         []domain.IntegrationPoint
	siteCompletion bool
	siteCreated    time.Time
	courses        map[int64]domain.Course
	tracking       map[int64]domain.TrackingMode
	users          map[int64]domain.User
	enrolled       map[string]bool
	completion     map[string]domain.CompletionRecord
	lastActivity   map[int64]time.Time
	writes         []domain.CompletionRecord
}

func key(activityID, userID int64) string { return fmt.Sprintf("%d:%d", activityID, userID) }

func (h *fakeHost) ListEligibleIntegrationPoints(context.Context) ([]domain.IntegrationPoint, error) {
	return h.points, nil
}
func (h *fakeHost) SiteCompletionEnabled(context.Context) (bool, error) { return h.siteCompletion, nil }
func (h *fakeHost) SiteCreatedAt(context.Context) (time.Time, error)   { return h.siteCreated, nil }
func (h *fakeHost) GetCourse(_ context.Context, id int64) (domain.Course, error) {
	c, ok := h.courses[id]
	if !ok {
		return domain.Course{}, errors.New("no such course")
	}
	return c, nil
}
func (h *fakeHost) ActivityCompletionMode(_ context.Context, id int64) (domain.TrackingMode, error) {
	m, ok := h.tracking[id]
	if !ok {
		return 0, errors.New("no such activity")
	}
	return m, nil
}
func (h *fakeHost) ResolveUser(_ context.Context, id int64) (domain.User, error) {
	u, ok := h.users[id]
	if !ok {
		return domain.User{}, errors.New("no such user")
	}
	return u, nil
}
func (h *fakeHost) IsEnrolled(_ context.Context, activityID, userID int64) (bool, error) {
	return h.enrolled[key(activityID, userID)], nil
}
func (h *fakeHost) CompletionRecord(_ context.Context, activityID, userID int64) (domain.CompletionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completion[key(activityID, userID)], nil
}
func (h *fakeHost) SetCompletionRecord(_ context.Context, rec domain.CompletionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completion[key(rec.ActivityID, rec.UserID)] = rec
	h.writes = append(h.writes, rec)
	return nil
}
func (h *fakeHost) LastActivityTime(_ context.Context, userID, courseID int64) (time.Time, error) {
	return h.lastActivity[userID], nil
}

type sliceIter struct {
	recs []domain.ParticipantRecord
	err  error
	idx  int
}

func (it *sliceIter) Next(context.Context) (domain.ParticipantRecord, bool, error) {
	if it.err != nil {
		return domain.ParticipantRecord{}, false, it.err
	}
	if it.idx >= len(it.recs) {
		return domain.ParticipantRecord{}, false, nil
	}
	rec := it.recs[it.idx]
	it.idx++
	return rec, true, nil
}

type fakeRemote struct {
	mu        sync.Mutex
	recs      []domain.ParticipantRecord
	fetchErr  error
	gotSince  time.Time
	closed    []string
	closeErrs map[string]error
}

func (r *fakeRemote) FetchUpdated(_ context.Context, apiKey, appID string, since time.Time) ParticipantIter {
	r.mu.Lock()
	r.gotSince = since
	r.mu.Unlock()
	return &sliceIter{recs: r.recs, err: r.fetchErr}
}
func (r *fakeRemote) CloseSession(_ context.Context, appID string, activityID, userID int64) error {
	k := key(activityID, userID)
	if err := r.closeErrs[k]; err != nil {
		return err
	}
	r.mu.Lock()
	r.closed = append(r.closed, k)
	r.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.ParticipantRecord
	err  error
}

func (n *fakeNotifier) StatusChanged(_ context.Context, user domain.User, rec domain.ParticipantRecord, courseID int64) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	n.sent = append(n.sent, rec)
	n.mu.Unlock()
	return nil
}

type fakeSink struct {
	mu    sync.Mutex
	types []string
}

func (s *fakeSink) Record(_ context.Context, evtType, pointID, entityKind, entityID string, _ events.EventPayload) error {
	s.mu.Lock()
	s.types = append(s.types, evtType)
	s.mu.Unlock()
	return nil
}

func testPoint() domain.IntegrationPoint {
	return domain.IntegrationPoint{
		ID:            "pt-1",
		ApplicationID: "app-1",
		APIKey:        "secret",
		CourseID:      5,
		ActivityID:    42,
		ContextLevel:  domain.LevelModule,
		CreatedAt:     testNow.Add(-30 * 24 * time.Hour),
	}
}

func newTestEnv(recs ...domain.ParticipantRecord) (*Engine, *fakeHost, *fakeRemote, *fakeNotifier, *fakeSink) {
	host := &fakeHost{
		points:         []domain.IntegrationPoint{testPoint()},
		siteCompletion: true,
		siteCreated:    testNow.Add(-365 * 24 * time.Hour),
		courses:        map[int64]domain.Course{5: {ID: 5, Name: "Bio 101", CompletionEnabled: true, CreatedAt: testNow.Add(-60 * 24 * time.Hour)}},
		tracking:       map[int64]domain.TrackingMode{42: domain.TrackingAutomatic},
		users:          map[int64]domain.User{7: {ID: 7, Username: "lee", Email: "lee@example.com"}},
		enrolled:       map[string]bool{key(42, 7): true},
		completion:     map[string]domain.CompletionRecord{},
		lastActivity:   map[int64]time.Time{7: testNow.Add(-time.Minute)},
	}
	rem := &fakeRemote{recs: recs, closeErrs: map[string]error{}}
	notifier := &fakeNotifier{}
	sink := &fakeSink{}
	e := New(host, rem, notifier, sink, nil)
	e.Now = func() time.Time { return testNow }
	return e, host, rem, notifier, sink
}

func record(courseID, userID int64, status string) domain.ParticipantRecord {
	return domain.ParticipantRecord{
		Identifier:   identifier.Encode(courseID, userID),
		ReviewStatus: status,
		ModifiedAt:   testNow.Add(-time.Hour),
	}
}

func TestRunValidReviewCompletesAndNotifies(t *testing.T) {
	e, host, _, notifier, sink := newTestEnv(record(5, 7, domain.StatusValid))

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(host.writes) != 1 {
		t.Fatalf("expected 1 completion write, got %d", len(host.writes))
	}
	w := host.writes[0]
	if w.State != domain.Complete || w.ActivityID != 42 || w.UserID != 7 {
		t.Fatalf("unexpected write %+v", w)
	}
	if w.TimeModified != testNow || w.OverrideBy != 7 {
		t.Fatalf("write metadata wrong: %+v", w)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].ReviewStatus != domain.StatusValid {
		t.Fatalf("expected 1 notification, got %+v", notifier.sent)
	}
	pr := report.Points[0]
	if pr.SkipReason != "" || pr.RecordsSeen != 1 || pr.Updated != 1 || pr.Notified != 1 {
		t.Fatalf("unexpected report %+v", pr)
	}
	if !contains(sink.types, "completion.updated") || !contains(sink.types, "notification.sent") {
		t.Fatalf("missing events: %v", sink.types)
	}
}

func TestRunInvalidRulesMarksCompleteFail(t *testing.T) {
	e, host, _, _, _ := newTestEnv(record(5, 7, domain.StatusInvalidRules))

	if _, err := e.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := host.completion[key(42, 7)]
	if got.State != domain.CompleteFail {
		t.Fatalf("want CompleteFail, got %v", got.State)
	}
}

func TestRunInProgressResetsToIncomplete(t *testing.T) {
	e, host, _, notifier, _ := newTestEnv(record(5, 7, domain.StatusInProgress))
	host.completion[key(42, 7)] = domain.CompletionRecord{ActivityID: 42, UserID: 7, State: domain.Complete}

	if _, err := e.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := host.completion[key(42, 7)].State; got != domain.Incomplete {
		t.Fatalf("want Incomplete, got %v", got)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("state change should notify")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	e, host, _, notifier, _ := newTestEnv(record(5, 7, domain.StatusValid))

	if _, err := e.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(host.writes) != 1 {
		t.Fatalf("second run must not rewrite completion, writes=%d", len(host.writes))
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("second run must not re-notify, sent=%d", len(notifier.sent))
	}
	if pr := report.Points[0]; pr.Updated != 0 || pr.RecordsSeen != 1 {
		t.Fatalf("unexpected second-run report %+v", pr)
	}
}

func TestRunSkipsRecordForOtherCourse(t *testing.T) {
	e, host, _, _, _ := newTestEnv(record(99, 7, domain.StatusValid))

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(host.writes) != 0 {
		t.Fatalf("record for another course must not write")
	}
	if pr := report.Points[0]; pr.RecordsSkipped != 1 {
		t.Fatalf("expected 1 skipped record, got %+v", pr)
	}
}

func TestRunSkipsMalformedIdentifiers(t *testing.T) {
	e, host, _, _, _ := newTestEnv(
		domain.ParticipantRecord{Identifier: "not hex!", ReviewStatus: domain.StatusValid},
		domain.ParticipantRecord{Identifier: "abc", ReviewStatus: domain.StatusValid},
	)
	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(host.writes) != 0 {
		t.Fatalf("malformed identifiers must not write")
	}
	if pr := report.Points[0]; pr.RecordsSkipped != 2 {
		t.Fatalf("expected 2 skipped records, got %+v", pr)
	}
}

func TestRunUnknownStatusSkipsRecord(t *testing.T) {
	e, host, _, _, _ := newTestEnv(record(5, 7, "Pending Review"))

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(host.writes) != 0 {
		t.Fatalf("unknown status must not write")
	}
	if pr := report.Points[0]; pr.RecordsSkipped != 1 {
		t.Fatalf("expected skip, got %+v", pr)
	}
}

func TestRunUnenrolledClosesSessionWithoutWriting(t *testing.T) {
	e, host, rem, notifier, sink := newTestEnv(record(5, 7, domain.StatusValid))
	host.enrolled[key(42, 7)] = false

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(host.writes) != 0 || len(notifier.sent) != 0 {
		t.Fatalf("unenrolled user must not get writes or mail")
	}
	if len(rem.closed) != 1 || rem.closed[0] != key(42, 7) {
		t.Fatalf("session should be closed, closed=%v", rem.closed)
	}
	pr := report.Points[0]
	if pr.SessionsClosed != 1 || pr.RecordsSkipped != 1 {
		t.Fatalf("unexpected report %+v", pr)
	}
	if !contains(sink.types, "session.closed") {
		t.Fatalf("missing session.closed event: %v", sink.types)
	}
}

func TestRunTimeoutClosesSessionAndStillUpdates(t *testing.T) {
	e, host, rem, _, _ := newTestEnv(record(5, 7, domain.StatusValid))
	// Last activity 12 minutes ago: past the 10 minute deadline, inside the
	// 4 minute grace window.
	host.lastActivity[7] = testNow.Add(-12 * time.Minute)

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rem.closed) != 1 {
		t.Fatalf("stale session should be closed, closed=%v", rem.closed)
	}
	if len(host.writes) != 1 || host.writes[0].State != domain.Complete {
		t.Fatalf("timeout close must not block the completion update: %+v", host.writes)
	}
	if pr := report.Points[0]; pr.SessionsClosed != 1 || pr.Updated != 1 {
		t.Fatalf("unexpected report %+v", pr)
	}
}

func TestRunOldStaleSessionOutsideGraceStaysOpen(t *testing.T) {
	e, host, rem, _, _ := newTestEnv(record(5, 7, domain.StatusValid))
	host.lastActivity[7] = testNow.Add(-time.Hour)

	if _, err := e.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rem.closed) != 0 {
		t.Fatalf("session past the grace window should not be re-closed")
	}
	if len(host.writes) != 1 {
		t.Fatalf("completion update should still happen")
	}
}

func TestRunNotifierFailureKeepsCompletionWrite(t *testing.T) {
	e, host, _, notifier, _ := newTestEnv(record(5, 7, domain.StatusValid))
	notifier.err = errors.New("smtp down")

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(host.writes) != 1 {
		t.Fatalf("completion write must survive a failed notification")
	}
	if pr := report.Points[0]; pr.Updated != 1 || pr.Notified != 0 {
		t.Fatalf("unexpected report %+v", pr)
	}
}

func TestRunGateSkips(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*fakeHost)
		reason string
	}{
		{"site completion off", func(h *fakeHost) { h.siteCompletion = false }, SkipSiteCompletionOff},
		{"course completion off", func(h *fakeHost) {
			c := h.courses[5]
			c.CompletionEnabled = false
			h.courses[5] = c
		}, SkipCourseCompletionOff},
		{"course level point", func(h *fakeHost) { h.points[0].ContextLevel = domain.LevelCourse }, SkipNotModuleLevel},
		{"missing api key", func(h *fakeHost) { h.points[0].APIKey = "" }, SkipMissingCredentials},
		{"missing app id", func(h *fakeHost) { h.points[0].ApplicationID = "" }, SkipMissingCredentials},
		{"tracking disabled", func(h *fakeHost) { h.tracking[42] = domain.TrackingNone }, SkipTrackingDisabled},
		{"course missing", func(h *fakeHost) { delete(h.courses, 5) }, SkipCourseMissing},
		{"activity missing", func(h *fakeHost) { delete(h.tracking, 42) }, SkipActivityMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, host, rem, _, _ := newTestEnv(record(5, 7, domain.StatusValid))
			tc.mutate(host)

			report, err := e.Run(context.Background(), RunOptions{})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if pr := report.Points[0]; pr.SkipReason != tc.reason {
				t.Fatalf("want skip %q, got %+v", tc.reason, pr)
			}
			if rem.gotSince != (time.Time{}) {
				t.Fatalf("skipped point must not hit the remote API")
			}
			if len(host.writes) != 0 {
				t.Fatalf("skipped point must not write")
			}
		})
	}
}

func TestRunRemoteErrorsSkipPoint(t *testing.T) {
	cases := []struct {
		err    error
		reason string
	}{
		{remote.ErrUnauthorized, SkipRemoteUnauthorized},
		{remote.ErrUnavailable, SkipRemoteUnavailable},
		{remote.ErrMalformed, SkipRemoteMalformed},
	}
	for _, tc := range cases {
		e, _, rem, _, _ := newTestEnv()
		rem.fetchErr = tc.err

		report, err := e.Run(context.Background(), RunOptions{})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if pr := report.Points[0]; pr.SkipReason != tc.reason {
			t.Fatalf("err %v: want skip %q, got %+v", tc.err, tc.reason, pr)
		}
	}
}

func TestRunWatermarkIsNewestOfOrigins(t *testing.T) {
	e, host, rem, _, _ := newTestEnv()
	lastRun := testNow.Add(-24 * time.Hour)

	if _, err := e.Run(context.Background(), RunOptions{LastRun: lastRun}); err != nil {
		t.Fatalf("run: %v", err)
	}
	// lastRun is newer than site, course and point creation times.
	if !rem.gotSince.Equal(lastRun) {
		t.Fatalf("want watermark %v, got %v", lastRun, rem.gotSince)
	}

	// First run ever: the point creation time wins.
	rem.gotSince = time.Time{}
	if _, err := e.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rem.gotSince.Equal(host.points[0].CreatedAt) {
		t.Fatalf("want watermark %v, got %v", host.points[0].CreatedAt, rem.gotSince)
	}
}

func TestRunCancelledContextStopsEarly(t *testing.T) {
	e, host, _, _, _ := newTestEnv(record(5, 7, domain.StatusValid))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if len(host.writes) != 0 {
		t.Fatalf("cancelled run must not process records")
	}
}

func TestRunConcurrentPointsAllProcessed(t *testing.T) {
	e, host, _, _, _ := newTestEnv(record(5, 7, domain.StatusValid))
	second := testPoint()
	second.ID = "pt-2"
	second.ActivityID = 43
	host.points = append(host.points, second)
	host.tracking[43] = domain.TrackingAutomatic
	host.enrolled[key(43, 7)] = true
	e.Workers = 4
	e.Timeouts = session.Default()

	report, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Points) != 2 {
		t.Fatalf("want 2 point reports, got %d", len(report.Points))
	}
	for _, pr := range report.Points {
		if pr.RecordsSeen != 1 {
			t.Fatalf("point %s saw %d records", pr.PointID, pr.RecordsSeen)
		}
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
