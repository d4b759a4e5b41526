package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/classroll/internal/archive"
	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/database/mock"
	"github.com/kozaktomas/classroll/internal/events"
	"github.com/kozaktomas/classroll/internal/faceclient"
	"github.com/kozaktomas/classroll/internal/imaging"
	"github.com/kozaktomas/classroll/internal/pipeline"
)

// stubDetector returns the same detections for every frame
type stubDetector struct {
	mu   sync.Mutex
	dets []faceclient.Detection
}

func (d *stubDetector) set(dets ...faceclient.Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dets = dets
}

func (d *stubDetector) Detect(context.Context, []byte) ([]faceclient.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]faceclient.Detection(nil), d.dets...), nil
}

func face(emb ...float32) faceclient.Detection {
	return faceclient.Detection{Embedding: emb, BBox: imaging.BBox{100, 100, 250, 260}, Score: 0.99}
}

// testEnv is a pipeline service backed by in-memory stores with class C1
// enrolling alice, bob and carol.
type testEnv struct {
	svc     *pipeline.Service
	store   *mock.MockStore
	det     *stubDetector
	session int64
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.RetryInitial = time.Millisecond
	cfg.Pipeline.RetryMax = 5 * time.Millisecond

	templates := mock.NewMockTemplateStore()
	templates.Enroll("C1", "alice", "bob", "carol")
	templates.AddTemplate("alice", []float32{1, 0, 0})
	templates.AddTemplate("bob", []float32{0, 1, 0})
	templates.AddTemplate("carol", []float32{0, 0, 1})

	store := mock.NewMockStore()
	hub := events.NewHub(256, nil)
	e := &testEnv{
		store:   store,
		det:     &stubDetector{},
		session: store.AddSession(database.ClassSession{ClassID: "C1"}),
	}

	logger := slogDiscard()
	svc, err := pipeline.New(cfg, pipeline.Deps{
		Sessions:   store,
		Attendance: store,
		Templates:  templates,
		Detector:   e.det,
		Archiver:   archive.New(t.TempDir(), logger),
		Hub:        hub,
		Logger:     logger,
	})
	require.NoError(t, err)
	e.svc = svc
	e.router = testRouter(svc, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
		hub.Close()
	})
	return e
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRouter mounts the handlers the way the web server does.
func testRouter(svc *pipeline.Service, logger *slog.Logger) chi.Router {
	sessions := NewSessionsHandler(svc, logger)
	frames := NewFramesHandler(svc, logger)
	stream := NewEventsHandler(svc)
	rosters := NewRosterHandler(svc)
	settings := NewSettingsHandler(svc, logger)

	r := chi.NewRouter()
	r.Get("/sessions", sessions.List)
	r.Post("/sessions", sessions.Create)
	r.Get("/sessions/active", sessions.Active)
	r.Get("/sessions/{id}", sessions.Get)
	r.Post("/sessions/{id}/start", sessions.Start)
	r.Post("/sessions/{id}/stop", sessions.Stop)
	r.Post("/sessions/{id}/dismiss", sessions.Dismiss)
	r.Get("/sessions/{id}/dismissal", sessions.Dismissal)
	r.Post("/sessions/{id}/cancel", sessions.Cancel)
	r.Get("/sessions/{id}/stats", sessions.Stats)
	r.Get("/sessions/{id}/summary", sessions.Summary)
	r.Get("/sessions/{id}/attendance", sessions.Attendance)
	r.Post("/sessions/{id}/attendance", sessions.Mark)
	r.Put("/sessions/{id}/attendance/{studentId}", sessions.Correct)
	r.Post("/sessions/{id}/frames", frames.Submit)
	r.Get("/sessions/{id}/unknown-faces", frames.UnknownFaces)
	r.Get("/unknown-faces/image", frames.UnknownFaceImage)
	r.Get("/sessions/{id}/events", stream.Stream)
	r.Post("/classes/{id}/roster/preload", rosters.Preload)
	r.Delete("/classes/{id}/roster", rosters.Invalidate)
	r.Delete("/rosters", rosters.Clear)
	r.Get("/stats", rosters.Stats)
	r.Get("/settings", settings.Get)
	r.Put("/settings", settings.Update)
	return r
}

// do sends a request through the test router. Bodies that are not
// []byte are sent as JSON.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "image/png"
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, sessionPath(e.session, "start"), nil)
	assertStatusCode(t, rec, http.StatusOK)
}

func sessionPath(id int64, suffix string) string {
	path := "/sessions/" + strconv.FormatInt(id, 10)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

// goodFrame is a 640x480 checkerboard that passes the quality gate.
func goodFrame(t *testing.T) []byte {
	t.Helper()
	return frameBytes(t, 190, 60)
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

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
