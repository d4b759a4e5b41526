package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/classroll/internal/archive"
	"github.com/kozaktomas/classroll/internal/attendance"
	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/database/mock"
	"github.com/kozaktomas/classroll/internal/dispatch"
	"github.com/kozaktomas/classroll/internal/events"
	"github.com/kozaktomas/classroll/internal/faceclient"
	"github.com/kozaktomas/classroll/internal/imaging"
	"github.com/kozaktomas/classroll/internal/matcher"
)

// fakeDetector returns the same detections for every frame.
type fakeDetector struct {
	mu    sync.Mutex
	dets  []faceclient.Detection
	calls atomic.Int64

	// failures makes the next N calls fail with faceclient.ErrUnavailable
	failures atomic.Int64
	// started receives once per call when set; release blocks calls until closed
	started chan struct{}
	release chan struct{}
	// delay stalls every call regardless of ctx, like a slow service
	delay time.Duration
}

func (f *fakeDetector) set(dets ...faceclient.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dets = dets
}

func (f *fakeDetector) Detect(ctx context.Context, _ []byte) ([]faceclient.Detection, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failures.Load() > 0 && f.failures.Add(-1) >= 0 {
		return nil, faceclient.ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]faceclient.Detection(nil), f.dets...), nil
}

// atDistance returns a unit vector whose cosine distance to alice is d and
// at least 1 to everyone else.
func atDistance(d float64) []float32 {
	a := math.Acos(1 - d)
	return []float32{float32(math.Cos(a)), 0, float32(-math.Sin(a))}
}

func face(emb []float32) faceclient.Detection {
	return faceclient.Detection{Embedding: emb, BBox: imaging.BBox{100, 100, 250, 260}, Score: 0.99}
}

func frameBytes(t *testing.T, light, dark uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 640, 480))
	for y := range 480 {
		for x := range 640 {
			v := dark
			if (x/8+y/8)%2 == 0 {
				v = light
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func goodFrame(t *testing.T) []byte { return frameBytes(t, 190, 60) }
func darkFrame(t *testing.T) []byte { return frameBytes(t, 5, 5) }

type env struct {
	svc       *Service
	store     *mock.MockStore
	templates *mock.MockTemplateStore
	det       *fakeDetector
	hub       *events.Hub
	session   int64
}

func newEnv(t *testing.T, tweak ...func(*config.Config)) *env {
	t.Helper()
	cfg := config.Defaults()
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.RetryInitial = time.Millisecond
	cfg.Pipeline.RetryMax = 5 * time.Millisecond
	for _, f := range tweak {
		f(cfg)
	}

	templates := mock.NewMockTemplateStore()
	templates.Enroll("C1", "alice", "bob", "carol")
	templates.AddTemplate("alice", []float32{1, 0, 0})
	templates.AddTemplate("bob", []float32{0, 1, 0})
	templates.AddTemplate("carol", []float32{0, 0, 1})

	store := mock.NewMockStore()
	e := &env{
		store:     store,
		templates: templates,
		det:       &fakeDetector{},
		hub:       events.NewHub(256, nil),
		session:   store.AddSession(database.ClassSession{ClassID: "C1"}),
	}

	svc, err := New(cfg, Deps{
		Sessions:   store,
		Attendance: store,
		Templates:  templates,
		Detector:   e.det,
		Archiver:   archive.New(t.TempDir(), nil),
		Hub:        e.hub,
	})
	require.NoError(t, err)
	e.svc = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
		e.hub.Close()
	})
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()
	s, err := e.svc.StartSession(context.Background(), e.session)
	require.NoError(t, err)
	require.Equal(t, database.SessionOngoing, s.Status)
}

func (e *env) presentCount(t *testing.T) int {
	t.Helper()
	s, err := e.store.GetSession(context.Background(), e.session)
	require.NoError(t, err)
	return s.PresentCount
}

func (e *env) rows(t *testing.T) []database.Attendance {
	t.Helper()
	rows, err := e.svc.Attendance(context.Background(), e.session)
	require.NoError(t, err)
	return rows
}

func waitJob(t *testing.T, h *dispatch.Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job did not finish")
	return res, err
}

func submit(t *testing.T, e *env, data []byte) (FrameResult, error) {
	t.Helper()
	ack, err := e.svc.SubmitFrame(context.Background(), e.session, data)
	require.NoError(t, err)
	res, err := waitJob(t, ack.Handle())
	if err != nil {
		return FrameResult{}, err
	}
	return res.(FrameResult), nil
}

// next returns the next event of the given type, skipping others.
func next(t *testing.T, sub *events.Subscription, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if evt.Type == typ {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return events.Event{}
		}
	}
}

func TestStartSession(t *testing.T) {
	e := newEnv(t)
	sub := e.svc.Subscribe(e.session)
	defer sub.Close()

	s, err := e.svc.StartSession(context.Background(), e.session)
	require.NoError(t, err)
	assert.Equal(t, 3, s.ExpectedCount)
	assert.Equal(t, 1, e.templates.LoadCalls(), "roster is preloaded")
	next(t, sub, events.TypeSessionStarted)

	_, err = e.svc.StartSession(context.Background(), e.session)
	assert.ErrorIs(t, err, database.ErrInvalidTransition)
}

func TestFramesOfOneStudentMarkOnce(t *testing.T) {
	e := newEnv(t)
	sub := e.svc.Subscribe(e.session)
	defer sub.Close()
	e.start(t)
	e.det.set(face(atDistance(0.2)))

	for i := range 5 {
		res, err := submit(t, e, goodFrame(t))
		require.NoError(t, err)
		require.Len(t, res.Faces, 1)
		f := res.Faces[0]
		assert.Equal(t, matcher.OutcomeRecognized, f.Outcome)
		assert.Equal(t, "alice", f.StudentID)
		assert.InDelta(t, 0.8, f.Confidence, 1e-4)
		assert.True(t, f.Verified)
		assert.Equal(t, i == 0, f.Marked)
		assert.Equal(t, i > 0, f.AlreadyMarked)
	}

	rows := e.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].StudentID)
	assert.Equal(t, database.MethodBiometric, rows[0].Method)
	assert.InDelta(t, 0.8, *rows[0].Confidence, 1e-4)
	assert.Equal(t, 1, e.presentCount(t))

	evt := next(t, sub, events.TypeSessionProgress)
	assert.Equal(t, events.Progress{Present: 1, Expected: 3, FramesProcessed: 1, FacesRecognized: 1}, evt.Payload)

	stats, ok := e.svc.Stats(e.session)
	require.True(t, ok)
	assert.Equal(t, int64(5), stats.FramesProcessed)
	assert.Equal(t, int64(5), stats.FacesRecognized)
}

func TestDarkFrameRejectedBeforeMatching(t *testing.T) {
	e := newEnv(t)
	sub := e.svc.Subscribe(e.session)
	defer sub.Close()
	e.start(t)
	e.det.set(face(atDistance(0.2)))

	_, err := e.svc.SubmitFrame(context.Background(), e.session, darkFrame(t))
	require.ErrorIs(t, err, imaging.ErrQualityRejected)
	var qe *imaging.QualityError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Quality.Reasons, imaging.ReasonTooDark)

	assert.Zero(t, e.det.calls.Load())
	assert.Empty(t, e.rows(t))

	evt := next(t, sub, events.TypeFrameRejected)
	assert.Equal(t, "quality_rejected", evt.Payload.(events.Problem).Kind)
}

func TestUndecodableFrame(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	_, err := e.svc.SubmitFrame(context.Background(), e.session, []byte("not an image"))
	assert.ErrorIs(t, err, imaging.ErrDecode)
	assert.Zero(t, e.det.calls.Load())
}

func TestStopWithQueuedFrames(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Pipeline.Workers = 1 })
	e.start(t)
	e.det.set(face(atDistance(0.1)))
	e.det.started = make(chan struct{}, 1)
	e.det.release = make(chan struct{})

	var acks []*Ack
	for range 3 {
		ack, err := e.svc.SubmitFrame(context.Background(), e.session, goodFrame(t))
		require.NoError(t, err)
		acks = append(acks, ack)
	}
	<-e.det.started // first frame is in flight, two are queued

	ended, err := e.svc.StopSession(context.Background(), e.session)
	require.NoError(t, err)
	require.NotNil(t, ended.Summary)
	assert.Zero(t, ended.Summary.Recorded)
	close(e.det.release)

	for _, ack := range acks {
		_, err := waitJob(t, ack.Handle())
		assert.ErrorIs(t, err, database.ErrSessionNotActive)
	}
	assert.Empty(t, e.rows(t))

	s, err := e.svc.Session(context.Background(), e.session)
	require.NoError(t, err)
	assert.Equal(t, database.SessionCompleted, s.Status)
}

func TestTerminalSessionsRejectWrites(t *testing.T) {
	for _, end := range []string{"stop", "dismiss", "cancel"} {
		t.Run(end, func(t *testing.T) {
			e := newEnv(t)
			e.start(t)
			ctx := context.Background()

			var err error
			switch end {
			case "stop":
				_, err = e.svc.StopSession(ctx, e.session)
			case "dismiss":
				_, err = e.svc.DismissSession(ctx, database.Dismissal{SessionID: e.session, Reason: "fire drill"})
			case "cancel":
				_, err = e.svc.CancelSession(ctx, e.session)
			}
			require.NoError(t, err)

			_, err = e.svc.SubmitFrame(ctx, e.session, goodFrame(t))
			assert.ErrorIs(t, err, database.ErrSessionNotActive)

			_, err = e.svc.Mark(ctx, attendance.Mark{SessionID: e.session, StudentID: "alice"}, database.StatusPresent)
			assert.ErrorIs(t, err, database.ErrSessionNotActive)

			_, err = e.svc.Correct(ctx, attendance.Correction{
				SessionID: e.session, StudentID: "alice", Status: database.StatusAbsent, Reason: "late fix",
			})
			assert.ErrorIs(t, err, database.ErrSessionNotActive)

			assert.Empty(t, e.rows(t))
		})
	}
}

func TestRosterMissLoadsOnceForConcurrentFrames(t *testing.T) {
	e := newEnv(t)
	other := e.store.AddSession(database.ClassSession{ClassID: "C1"})
	ctx := context.Background()

	e.start(t)
	_, err := e.svc.StartSession(ctx, other)
	require.NoError(t, err)
	require.Equal(t, 1, e.templates.LoadCalls())

	e.svc.InvalidateRoster("C1")
	e.templates.LoadDelay = 50 * time.Millisecond
	e.det.set(face(atDistance(0.2)))

	var acks []*Ack
	for _, id := range []int64{e.session, other} {
		ack, err := e.svc.SubmitFrame(ctx, id, goodFrame(t))
		require.NoError(t, err)
		acks = append(acks, ack)
	}
	for _, ack := range acks {
		_, err := waitJob(t, ack.Handle())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.templates.LoadCalls())
}

func TestConcurrentMarks(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for range 10 {
		wg.Go(func() {
			res, err := e.svc.Mark(ctx, attendance.Mark{SessionID: e.session, StudentID: "bob", MarkedBy: "prof"}, database.StatusLate)
			if assert.NoError(t, err) && !res.AlreadyMarked {
				created.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, e.rows(t), 1)
	assert.Equal(t, 1, e.presentCount(t))
	assert.Equal(t, e.store.CountPresentRows(e.session), e.presentCount(t))
}

func TestPresentCountMatchesRows(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	ctx := context.Background()

	bob := face([]float32{0, 1, 0})
	bob.BBox = imaging.BBox{400, 100, 560, 260}
	e.det.set(face(atDistance(0.1)), bob)
	_, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	assert.Equal(t, e.store.CountPresentRows(e.session), e.presentCount(t))

	_, err = e.svc.Mark(ctx, attendance.Mark{SessionID: e.session, StudentID: "carol"}, database.StatusAbsent)
	require.NoError(t, err)
	assert.Equal(t, e.store.CountPresentRows(e.session), e.presentCount(t))

	_, err = e.svc.Correct(ctx, attendance.Correction{SessionID: e.session, StudentID: "bob", Status: database.StatusExcused, Reason: "doctor"})
	require.NoError(t, err)
	assert.Equal(t, e.store.CountPresentRows(e.session), e.presentCount(t))
	assert.Equal(t, 1, e.presentCount(t))

	sum, err := e.svc.Summary(ctx, e.session)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Present)
	assert.Equal(t, 1, sum.Absent)
	assert.Equal(t, 1, sum.Excused)
}

func TestLowConfidenceNeedsCorroboration(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Recognition.MinMatches = 2 })
	e.start(t)
	e.det.set(face(atDistance(0.45)))

	res, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	assert.Equal(t, matcher.OutcomeRecognized, res.Faces[0].Outcome)
	assert.False(t, res.Faces[0].Verified)
	assert.False(t, res.Faces[0].Marked)
	assert.Empty(t, e.rows(t))

	res, err = submit(t, e, goodFrame(t))
	require.NoError(t, err)
	assert.True(t, res.Faces[0].Marked)
	assert.Len(t, e.rows(t), 1)
}

func TestUnknownFaceArchived(t *testing.T) {
	e := newEnv(t)
	sub := e.svc.Subscribe(e.session)
	defer sub.Close()
	e.start(t)
	e.det.set(face([]float32{0, -1, 0}))

	res, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	assert.Equal(t, matcher.OutcomeNoMatch, res.Faces[0].Outcome)
	assert.Empty(t, res.Faces[0].StudentID)

	evt := next(t, sub, events.TypeUnknownFace)
	ref := evt.Payload.(events.UnknownFace).Ref
	assert.NotEmpty(t, ref)

	records, err := e.svc.UnknownFaces(e.session)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ref, records[0].Ref)
	assert.Empty(t, e.rows(t))
}

func TestUnknownFaceNotArchivedWhenDisabled(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Recognition.ArchiveUnknown = false })
	sub := e.svc.Subscribe(e.session)
	defer sub.Close()
	e.start(t)
	e.det.set(face([]float32{0, -1, 0}))

	_, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	evt := next(t, sub, events.TypeUnknownFace)
	assert.Empty(t, evt.Payload.(events.UnknownFace).Ref)

	records, err := e.svc.UnknownFaces(e.session)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSmallFacesIgnored(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	small := face(atDistance(0.1))
	small.BBox = imaging.BBox{10, 10, 60, 60}
	e.det.set(small)

	res, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	assert.Equal(t, matcher.OutcomeFaceTooSmall, res.Faces[0].Outcome)
	assert.Empty(t, e.rows(t))
}

func TestTransientDetectorFailureRetried(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	e.det.set(face(atDistance(0.1)))
	e.det.failures.Store(2)

	ack, err := e.svc.SubmitFrame(context.Background(), e.session, goodFrame(t))
	require.NoError(t, err)
	_, err = waitJob(t, ack.Handle())
	require.NoError(t, err)
	assert.Equal(t, 3, ack.Handle().Attempts())
	assert.Len(t, e.rows(t), 1)
}

func TestStaleFrameNotApplied(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Pipeline.FrameTTL = 50 * time.Millisecond })
	e.start(t)
	e.det.set(face(atDistance(0.1)))
	e.det.delay = 300 * time.Millisecond

	ack, err := e.svc.SubmitFrame(context.Background(), e.session, goodFrame(t))
	require.NoError(t, err)
	_, err = waitJob(t, ack.Handle())
	assert.ErrorIs(t, err, dispatch.ErrStale)
	assert.Equal(t, int64(1), e.det.calls.Load(), "stale frames are not retried")

	assert.Empty(t, e.rows(t))
	assert.Zero(t, e.presentCount(t))
	stats, ok := e.svc.Stats(e.session)
	require.True(t, ok)
	assert.Zero(t, stats.FramesProcessed)
}

func TestRetriedFrameCountedOnce(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Recognition.MinMatches = 2 })
	e.start(t)
	bob := faceclient.Detection{Embedding: []float32{0, 1, 0}, BBox: imaging.BBox{300, 100, 450, 260}, Score: 0.99}
	// alice is a low-confidence hit seen before bob's mark fails once
	e.det.set(face(atDistance(0.45)), bob)
	e.store.InsertFailures.Store(1)

	res, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	require.Len(t, res.Faces, 2)
	assert.False(t, res.Faces[0].Marked, "a retry must not corroborate alice again")
	assert.True(t, res.Faces[1].Marked)

	rows := e.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0].StudentID)

	stats, ok := e.svc.Stats(e.session)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.FramesProcessed)
	assert.Equal(t, int64(2), stats.FacesDetected)
	assert.Equal(t, int64(2), stats.FacesRecognized)
}

func TestExhaustedRetriesPublishError(t *testing.T) {
	e := newEnv(t)
	sub := e.svc.Subscribe(e.session)
	defer sub.Close()
	e.start(t)
	e.det.set(face(atDistance(0.1)))
	e.store.InsertFailures.Store(10)

	ack, err := e.svc.SubmitFrame(context.Background(), e.session, goodFrame(t))
	require.NoError(t, err)
	_, err = waitJob(t, ack.Handle())
	assert.ErrorIs(t, err, database.ErrTransient)

	evt := next(t, sub, events.TypeError)
	p := evt.Payload.(events.Problem)
	assert.Equal(t, "retries_exhausted", p.Kind)
	assert.Equal(t, ack.JobID, p.JobID)
	assert.Empty(t, e.rows(t))
}

func TestSubmitFrames(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	e.det.set()

	items, err := e.svc.SubmitFrames(context.Background(), e.session, [][]byte{goodFrame(t), darkFrame(t), goodFrame(t)})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.NotNil(t, items[0].Ack)
	assert.Nil(t, items[1].Ack)
	assert.Contains(t, items[1].Error, "too_dark")
	assert.NotNil(t, items[2].Ack)

	_, err = e.svc.SubmitFrames(context.Background(), e.session, make([][]byte, 21))
	assert.ErrorIs(t, err, ErrTooManyFrames)
}

func TestUpdateSettings(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	s := e.svc.Settings()
	assert.Equal(t, 50, s.Sensitivity)

	bad := s
	bad.Sensitivity = 150
	assert.Error(t, e.svc.UpdateSettings(bad))
	assert.Equal(t, 50, e.svc.Settings().Sensitivity)

	strict := s
	strict.Sensitivity = 10
	require.NoError(t, e.svc.UpdateSettings(strict))
	assert.Equal(t, 10, e.svc.Settings().Sensitivity)

	// distance 0.2 no longer matches at threshold 0.1
	e.det.set(face(atDistance(0.2)))
	res, err := submit(t, e, goodFrame(t))
	require.NoError(t, err)
	assert.Equal(t, matcher.OutcomeNoMatch, res.Faces[0].Outcome)
}

func TestDismissRecordsReason(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.DismissSession(ctx, database.Dismissal{SessionID: e.session, InstructorID: "prof", Reason: "holiday"})
	require.NoError(t, err)

	d, err := e.svc.Dismissal(ctx, e.session)
	require.NoError(t, err)
	assert.Equal(t, "holiday", d.Reason)

	_, err = e.svc.StartSession(ctx, e.session)
	assert.ErrorIs(t, err, database.ErrInvalidTransition)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(config.Defaults(), Deps{})
	assert.Error(t, err)

	cfg := config.Defaults()
	cfg.Recognition.MinMatches = 0
	store := mock.NewMockStore()
	_, err = New(cfg, Deps{Sessions: store, Attendance: store, Templates: mock.NewMockTemplateStore(), Detector: &fakeDetector{}})
	assert.Error(t, err)
}

func TestMarksNeedActiveSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, m := range []attendance.Mark{
		{SessionID: e.session, StudentID: "alice"},
		{SessionID: e.session, StudentID: "bob", Method: database.MethodBiometric, Confidence: new(float64)},
	} {
		_, err := e.svc.Mark(ctx, m, database.StatusPresent)
		assert.ErrorIs(t, err, database.ErrSessionNotActive, "session was never started")
	}
	assert.Empty(t, e.rows(t))

	e.start(t)
	res, err := e.svc.Mark(ctx, attendance.Mark{SessionID: e.session, StudentID: "alice"}, database.StatusPresent)
	require.NoError(t, err)
	assert.False(t, res.AlreadyMarked)
}
