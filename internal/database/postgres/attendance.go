package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/classroll/internal/database"
)

var _ database.AttendanceWriter = (*AttendanceRepository)(nil)

// AttendanceRepository provides PostgreSQL-backed attendance storage. Writes
// lock the session row, so they serialize with lifecycle transitions and with
// each other for the same session.
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

const attendanceColumns = "id, session_id, student_id, status, method, confidence, marked_by, timestamp, notes"

func scanAttendance(scanner interface{ Scan(...any) error }, a *database.Attendance) error {
	var confidence sql.NullFloat64
	err := scanner.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.Status, &a.Method,
		&confidence, &a.MarkedBy, &a.Timestamp, &a.Notes)
	if err != nil {
		return err
	}
	a.Confidence = nil
	if confidence.Valid {
		a.Confidence = &confidence.Float64
	}
	return nil
}

// lockActive locks the session row against lifecycle changes and returns
// database.ErrSessionNotActive for terminal sessions.
func lockActive(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	var status database.SessionStatus
	err := tx.QueryRowContext(ctx,
		"SELECT status FROM class_sessions WHERE id = $1 FOR NO KEY UPDATE", sessionID).Scan(&status)
	if err != nil {
		return classify(fmt.Sprintf("lock session %d", sessionID), err)
	}
	if status.Terminal() {
		return fmt.Errorf("session %d is %s: %w", sessionID, status, database.ErrSessionNotActive)
	}
	return nil
}

// addPresent moves the present counter by delta. The table constraint keeps
// it within the expected count.
func addPresent(ctx context.Context, tx *sql.Tx, sessionID int64, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		"UPDATE class_sessions SET present_count = present_count + $2 WHERE id = $1", sessionID, delta)
	return classify("update present count", err)
}

// GetAttendance returns the row for (session, student)
func (r *AttendanceRepository) GetAttendance(ctx context.Context, sessionID int64, studentID string) (*database.Attendance, error) {
	var a database.Attendance
	err := scanAttendance(r.pool.QueryRow(ctx, "SELECT "+attendanceColumns+`
		FROM attendance WHERE session_id = $1 AND student_id = $2`, sessionID, studentID), &a)
	if err != nil {
		return nil, classify("get attendance", err)
	}
	return &a, nil
}

// ListAttendance returns all rows of a session ordered by timestamp
func (r *AttendanceRepository) ListAttendance(ctx context.Context, sessionID int64) ([]database.Attendance, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+attendanceColumns+`
		FROM attendance WHERE session_id = $1 ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, classify("list attendance", err)
	}
	defer rows.Close()

	var out []database.Attendance
	for rows.Next() {
		var a database.Attendance
		if err := scanAttendance(rows, &a); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate attendance", err)
	}
	return out, nil
}

// SummarizeAttendance aggregates the rows of a session
func (r *AttendanceRepository) SummarizeAttendance(ctx context.Context, sessionID int64) (*database.AttendanceSummary, error) {
	sum := &database.AttendanceSummary{SessionID: sessionID}
	err := r.pool.QueryRow(ctx, `
		SELECT s.expected_count, s.present_count,
			COUNT(a.id) FILTER (WHERE a.status = 'present'),
			COUNT(a.id) FILTER (WHERE a.status = 'late'),
			COUNT(a.id) FILTER (WHERE a.status = 'absent'),
			COUNT(a.id) FILTER (WHERE a.status = 'excused'),
			COUNT(a.id)
		FROM class_sessions s
		LEFT JOIN attendance a ON a.session_id = s.id
		WHERE s.id = $1
		GROUP BY s.id`, sessionID,
	).Scan(&sum.Expected, &sum.PresentCount, &sum.Present, &sum.Late, &sum.Absent, &sum.Excused, &sum.Recorded)
	if err != nil {
		return nil, classify("summarize attendance", err)
	}
	return sum, nil
}

// InsertAttendance creates the row unless one exists for (session, student)
func (r *AttendanceRepository) InsertAttendance(ctx context.Context, a *database.Attendance) (bool, error) {
	created := false
	err := r.pool.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockActive(ctx, tx, a.SessionID); err != nil {
			return err
		}

		var stored database.Attendance
		err := scanAttendance(tx.QueryRowContext(ctx, `
			INSERT INTO attendance (session_id, student_id, status, method, confidence, marked_by, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id, student_id) DO NOTHING
			RETURNING `+attendanceColumns,
			a.SessionID, a.StudentID, a.Status, a.Method, a.Confidence, a.MarkedBy, a.Notes), &stored)
		if errors.Is(err, sql.ErrNoRows) {
			// lost the race or marked before
			err = scanAttendance(tx.QueryRowContext(ctx, "SELECT "+attendanceColumns+`
				FROM attendance WHERE session_id = $1 AND student_id = $2`, a.SessionID, a.StudentID), &stored)
			if err != nil {
				return classify("get attendance", err)
			}
			*a = stored
			return nil
		}
		if err != nil {
			return classify("insert attendance", err)
		}

		if stored.Status.CountsPresent() {
			if err := addPresent(ctx, tx, a.SessionID, 1); err != nil {
				return err
			}
		}
		*a = stored
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// CorrectAttendance overwrites status and notes of the row, creating it when
// missing. Last writer wins.
func (r *AttendanceRepository) CorrectAttendance(ctx context.Context, a *database.Attendance) error {
	return r.pool.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockActive(ctx, tx, a.SessionID); err != nil {
			return err
		}

		delta := 0
		if a.Status.CountsPresent() {
			delta++
		}
		var previous database.AttendanceStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM attendance WHERE session_id = $1 AND student_id = $2`,
			a.SessionID, a.StudentID).Scan(&previous)
		switch {
		case err == nil:
			if previous.CountsPresent() {
				delta--
			}
		case !errors.Is(err, sql.ErrNoRows):
			return classify("get attendance", err)
		}

		var stored database.Attendance
		err = scanAttendance(tx.QueryRowContext(ctx, `
			INSERT INTO attendance (session_id, student_id, status, method, confidence, marked_by, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id, student_id) DO UPDATE SET
				status = EXCLUDED.status,
				method = EXCLUDED.method,
				confidence = EXCLUDED.confidence,
				marked_by = EXCLUDED.marked_by,
				notes = EXCLUDED.notes,
				timestamp = NOW()
			RETURNING `+attendanceColumns,
			a.SessionID, a.StudentID, a.Status, a.Method, a.Confidence, a.MarkedBy, a.Notes), &stored)
		if err != nil {
			return classify("correct attendance", err)
		}
		if err := addPresent(ctx, tx, a.SessionID, delta); err != nil {
			return err
		}
		*a = stored
		return nil
	})
}

// ReconcilePresentCount recomputes the present counter from the rows
func (r *AttendanceRepository) ReconcilePresentCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		UPDATE class_sessions SET present_count = (
			SELECT COUNT(*) FROM attendance
			WHERE session_id = $1 AND status IN ('present', 'late')
		)
		WHERE id = $1
		RETURNING present_count`, sessionID).Scan(&n)
	if err != nil {
		return 0, classify("reconcile present count", err)
	}
	return n, nil
}
