package attendance

import (
	"context"
	"sync"
	"testing"

	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/database/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conf(v float64) *float64 { return &v }

func setup(t *testing.T, expected int) (*Recorder, *mock.MockStore, int64) {
	t.Helper()
	store := mock.NewMockStore()
	id := store.AddSession(database.ClassSession{
		ClassID:       "CS101",
		Status:        database.SessionOngoing,
		ExpectedCount: expected,
	})
	return NewRecorder(store, nil), store, id
}

func presentCount(t *testing.T, store *mock.MockStore, id int64) int {
	t.Helper()
	s, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s.PresentCount
}

func TestMarkPresent(t *testing.T) {
	rec, store, id := setup(t, 3)
	ctx := context.Background()

	res, err := rec.MarkPresent(ctx, Mark{
		SessionID:  id,
		StudentID:  "alice",
		Method:     database.MethodBiometric,
		Confidence: conf(0.8),
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadyMarked)
	assert.Equal(t, database.StatusPresent, res.Attendance.Status)
	assert.NotZero(t, res.Attendance.ID)
	assert.Equal(t, 1, presentCount(t, store, id))

	again, err := rec.MarkPresent(ctx, Mark{
		SessionID:  id,
		StudentID:  "alice",
		Method:     database.MethodBiometric,
		Confidence: conf(0.95),
	})
	require.NoError(t, err)
	assert.True(t, again.AlreadyMarked)
	assert.Equal(t, res.Attendance.ID, again.Attendance.ID)
	assert.InDelta(t, 0.8, *again.Attendance.Confidence, 1e-9, "first mark wins")
	assert.Equal(t, 1, presentCount(t, store, id))
}

func TestMarkPresent_Concurrent(t *testing.T) {
	rec, store, id := setup(t, 3)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 20 {
		wg.Go(func() {
			res, err := rec.MarkPresent(ctx, Mark{
				SessionID:  id,
				StudentID:  "alice",
				Method:     database.MethodBiometric,
				Confidence: conf(0.8),
			})
			if !assert.NoError(t, err) {
				return
			}
			if !res.AlreadyMarked {
				mu.Lock()
				created++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	rows, err := rec.List(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, presentCount(t, store, id))
	assert.Equal(t, store.CountPresentRows(id), presentCount(t, store, id))
}

func TestMark_Validation(t *testing.T) {
	rec, store, id := setup(t, 3)
	ctx := context.Background()

	tests := []struct {
		name string
		mark Mark
	}{
		{"missing student", Mark{SessionID: id, Method: database.MethodManual}},
		{"missing session", Mark{StudentID: "alice"}},
		{"biometric without confidence", Mark{SessionID: id, StudentID: "alice", Method: database.MethodBiometric}},
		{"confidence above one", Mark{SessionID: id, StudentID: "alice", Method: database.MethodBiometric, Confidence: conf(1.2)}},
		{"negative confidence", Mark{SessionID: id, StudentID: "alice", Method: database.MethodBiometric, Confidence: conf(-0.1)}},
		{"unknown method", Mark{SessionID: id, StudentID: "alice", Method: "telepathy"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rec.MarkPresent(ctx, tc.mark)
			assert.ErrorIs(t, err, ErrInvalidMark)
		})
	}
	assert.Zero(t, store.InsertCalls())
}

func TestMark_DefaultsToManual(t *testing.T) {
	rec, _, id := setup(t, 3)

	res, err := rec.MarkLate(context.Background(), Mark{SessionID: id, StudentID: "bob", MarkedBy: "prof"})
	require.NoError(t, err)
	assert.Equal(t, database.MethodManual, res.Attendance.Method)
	assert.Equal(t, database.StatusLate, res.Attendance.Status)
	assert.Nil(t, res.Attendance.Confidence)
}

func TestMark_StatusesAndCounter(t *testing.T) {
	rec, store, id := setup(t, 0)
	ctx := context.Background()

	_, err := rec.MarkPresent(ctx, Mark{SessionID: id, StudentID: "a"})
	require.NoError(t, err)
	_, err = rec.MarkLate(ctx, Mark{SessionID: id, StudentID: "b"})
	require.NoError(t, err)
	_, err = rec.MarkAbsent(ctx, Mark{SessionID: id, StudentID: "c"})
	require.NoError(t, err)
	res, err := rec.MarkExcused(ctx, Mark{SessionID: id, StudentID: "d", Notes: "medical"})
	require.NoError(t, err)
	assert.Equal(t, "Excused: medical", res.Attendance.Notes)

	sum, err := rec.Summary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Present)
	assert.Equal(t, 1, sum.Late)
	assert.Equal(t, 1, sum.Absent)
	assert.Equal(t, 1, sum.Excused)
	assert.Equal(t, 4, sum.Recorded)
	assert.Equal(t, 2, sum.PresentCount)
	assert.Equal(t, store.CountPresentRows(id), presentCount(t, store, id))
}

func TestMark_TerminalSession(t *testing.T) {
	store := mock.NewMockStore()
	rec := NewRecorder(store, nil)
	ctx := context.Background()

	for _, status := range []database.SessionStatus{
		database.SessionCompleted, database.SessionDismissed, database.SessionCancelled,
	} {
		id := store.AddSession(database.ClassSession{ClassID: "CS101", Status: status})

		_, err := rec.MarkPresent(ctx, Mark{SessionID: id, StudentID: "alice"})
		assert.ErrorIs(t, err, database.ErrSessionNotActive, "mark on %s", status)

		_, err = rec.UpdateStatus(ctx, Correction{SessionID: id, StudentID: "alice", Status: database.StatusAbsent, Reason: "x"})
		assert.ErrorIs(t, err, database.ErrSessionNotActive, "correction on %s", status)

		rows, err := rec.List(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, rows)
	}
}

func TestMark_CapacityExceeded(t *testing.T) {
	rec, _, id := setup(t, 1)
	ctx := context.Background()

	_, err := rec.MarkPresent(ctx, Mark{SessionID: id, StudentID: "a"})
	require.NoError(t, err)
	_, err = rec.MarkPresent(ctx, Mark{SessionID: id, StudentID: "b"})
	assert.ErrorIs(t, err, database.ErrCapacityExceeded)
}

func TestUpdateStatus(t *testing.T) {
	rec, store, id := setup(t, 3)
	ctx := context.Background()

	_, err := rec.MarkPresent(ctx, Mark{
		SessionID:  id,
		StudentID:  "alice",
		Method:     database.MethodBiometric,
		Confidence: conf(0.9),
	})
	require.NoError(t, err)
	require.Equal(t, 1, presentCount(t, store, id))

	a, err := rec.UpdateStatus(ctx, Correction{
		SessionID:   id,
		StudentID:   "alice",
		Status:      database.StatusAbsent,
		Reason:      "left after roll call",
		CorrectedBy: "prof",
	})
	require.NoError(t, err)
	assert.Equal(t, database.StatusAbsent, a.Status)
	assert.Equal(t, "Corrected: left after roll call", a.Notes)
	assert.Equal(t, database.MethodBiometric, a.Method, "method is kept")
	assert.Equal(t, 0, presentCount(t, store, id))

	a, err = rec.UpdateStatus(ctx, Correction{SessionID: id, StudentID: "alice", Status: database.StatusExcused, Reason: "doctor"})
	require.NoError(t, err)
	assert.Equal(t, "Excused: doctor", a.Notes)

	a, err = rec.UpdateStatus(ctx, Correction{SessionID: id, StudentID: "bob", Status: database.StatusLate, Reason: "bus"})
	require.NoError(t, err)
	assert.Equal(t, database.MethodManual, a.Method)
	assert.Equal(t, 1, presentCount(t, store, id))

	_, err = rec.UpdateStatus(ctx, Correction{SessionID: id, StudentID: "bob", Status: "gone"})
	assert.ErrorIs(t, err, ErrInvalidMark)
}

func TestReconcile(t *testing.T) {
	rec, store, id := setup(t, 0)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		_, err := rec.MarkPresent(ctx, Mark{SessionID: id, StudentID: s})
		require.NoError(t, err)
	}
	n, err := rec.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, presentCount(t, store, id))
}
