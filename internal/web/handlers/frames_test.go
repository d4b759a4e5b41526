package handlers

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/classroll/internal/archive"
	"github.com/kozaktomas/classroll/internal/matcher"
	"github.com/kozaktomas/classroll/internal/pipeline"
)

func TestFramesHandler_SessionNotActive(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, sessionPath(e.session, "frames"), goodFrame(t))
	assertStatusCode(t, rec, http.StatusConflict)
}

func TestFramesHandler_RawFrameWait(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	e.det.set(face(1, 0, 0))

	rec := e.do(t, http.MethodPost, sessionPath(e.session, "frames")+"?wait=true", goodFrame(t))
	assertStatusCode(t, rec, http.StatusOK)
	var resp FrameResponse
	parseJSONResponse(t, rec, &resp)
	require.NotNil(t, resp.Ack)
	assert.NotEmpty(t, resp.JobID)
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Faces, 1)
	f := resp.Result.Faces[0]
	assert.Equal(t, matcher.OutcomeRecognized, f.Outcome)
	assert.Equal(t, "alice", f.StudentID)
	assert.True(t, f.Marked)

	rec = e.do(t, http.MethodGet, sessionPath(e.session, "attendance"), nil)
	assertStatusCode(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"student_id":"alice"`)
}

func TestFramesHandler_Queued(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)

	rec := e.do(t, http.MethodPost, sessionPath(e.session, "frames"), goodFrame(t))
	assertStatusCode(t, rec, http.StatusAccepted)
	var resp FrameResponse
	parseJSONResponse(t, rec, &resp)
	require.NotNil(t, resp.Ack)
	assert.NotEmpty(t, resp.FrameID)
	assert.Nil(t, resp.Result)
}

func TestFramesHandler_JSONBatch(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)

	frame := base64.StdEncoding.EncodeToString(goodFrame(t))
	rec := e.do(t, http.MethodPost, sessionPath(e.session, "frames"), FrameRequest{
		Frame:  "data:image/png;base64," + frame,
		Frames: []string{frame},
	})
	assertStatusCode(t, rec, http.StatusAccepted)
	var items []pipeline.BatchItem
	parseJSONResponse(t, rec, &items)
	require.Len(t, items, 2)
	for i, item := range items {
		assert.Equal(t, i, item.Index)
		assert.Empty(t, item.Error)
		assert.NotNil(t, item.Ack)
	}
}

func TestFramesHandler_BadInput(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)

	rec := e.do(t, http.MethodPost, sessionPath(e.session, "frames"), FrameRequest{})
	assertStatusCode(t, rec, http.StatusBadRequest)
	assertJSONError(t, rec, "no frames provided")

	rec = e.do(t, http.MethodPost, sessionPath(e.session, "frames"), FrameRequest{Frame: "!!!"})
	assertStatusCode(t, rec, http.StatusBadRequest)

	rec = e.do(t, http.MethodPost, sessionPath(e.session, "frames"), []byte("not an image"))
	assertStatusCode(t, rec, http.StatusBadRequest)

	rec = e.do(t, http.MethodPost, sessionPath(e.session, "frames"), frameBytes(t, 5, 5))
	assertStatusCode(t, rec, http.StatusUnprocessableEntity)
}

func TestFramesHandler_UnknownFaces(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	e.det.set(face(-1, 0, 0))

	rec := e.do(t, http.MethodPost, sessionPath(e.session, "frames")+"?wait=true", goodFrame(t))
	assertStatusCode(t, rec, http.StatusOK)
	var resp FrameResponse
	parseJSONResponse(t, rec, &resp)
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Faces, 1)
	assert.Equal(t, matcher.OutcomeNoMatch, resp.Result.Faces[0].Outcome)

	// Archiving runs as its own job after the frame resolves.
	var records []archive.Record
	require.Eventually(t, func() bool {
		rec = e.do(t, http.MethodGet, sessionPath(e.session, "unknown-faces"), nil)
		parseJSONResponse(t, rec, &records)
		return len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec = e.do(t, http.MethodGet, "/unknown-faces/image?ref="+url.QueryEscape(records[0].Ref), nil)
	assertStatusCode(t, rec, http.StatusOK)
	assertContentType(t, rec, "image/jpeg")
	assert.NotZero(t, rec.Body.Len())

	rec = e.do(t, http.MethodGet, "/unknown-faces/image", nil)
	assertStatusCode(t, rec, http.StatusBadRequest)

	rec = e.do(t, http.MethodGet, "/unknown-faces/image?ref=../../etc/passwd", nil)
	assertStatusCode(t, rec, http.StatusBadRequest)
}
