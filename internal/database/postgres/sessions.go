package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kozaktomas/classroll/internal/database"
)

var _ database.SessionWriter = (*SessionRepository)(nil)

// SessionRepository provides PostgreSQL-backed class session storage
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, class_id, scheduled_start, scheduled_end, status, expected_count,
	present_count, notes, created_by, started_at, ended_at`

func scanSession(scanner interface{ Scan(...any) error }) (*database.ClassSession, error) {
	var (
		s                 database.ClassSession
		started, finished sql.NullTime
	)
	err := scanner.Scan(&s.ID, &s.ClassID, &s.ScheduledStart, &s.ScheduledEnd, &s.Status,
		&s.ExpectedCount, &s.PresentCount, &s.Notes, &s.CreatedBy, &started, &finished)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		s.StartedAt = &started.Time
	}
	if finished.Valid {
		s.EndedAt = &finished.Time
	}
	return &s, nil
}

// GetSession returns the session or database.ErrNotFound
func (r *SessionRepository) GetSession(ctx context.Context, id int64) (*database.ClassSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM class_sessions WHERE id = $1", id))
	if err != nil {
		return nil, classify(fmt.Sprintf("get session %d", id), err)
	}
	return s, nil
}

// ListSessions returns sessions in any of the given statuses, all when none given
func (r *SessionRepository) ListSessions(ctx context.Context, statuses ...database.SessionStatus) ([]database.ClassSession, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, "SELECT "+sessionColumns+` FROM class_sessions
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY id`, pq.Array(filter))
	if err != nil {
		return nil, classify("list sessions", err)
	}
	defer rows.Close()

	var out []database.ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate sessions", err)
	}
	return out, nil
}

// GetDismissal returns the dismissal of a session
func (r *SessionRepository) GetDismissal(ctx context.Context, sessionID int64) (*database.Dismissal, error) {
	var (
		d           database.Dismissal
		rescheduled sql.NullTime
	)
	err := r.pool.QueryRow(ctx, `
		SELECT session_id, instructor_id, reason, dismissed_at, rescheduled_to, notes, status
		FROM session_dismissals WHERE session_id = $1`, sessionID,
	).Scan(&d.SessionID, &d.InstructorID, &d.Reason, &d.DismissedAt, &rescheduled, &d.Notes, &d.Status)
	if err != nil {
		return nil, classify("get dismissal", err)
	}
	if rescheduled.Valid {
		d.RescheduledTo = &rescheduled.Time
	}
	return &d, nil
}

// CreateSession stores a new scheduled session
func (r *SessionRepository) CreateSession(ctx context.Context, s *database.ClassSession) error {
	s.Status = database.SessionScheduled
	err := r.pool.QueryRow(ctx, `
		INSERT INTO class_sessions (class_id, scheduled_start, scheduled_end, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		s.ClassID, s.ScheduledStart, s.ScheduledEnd, s.Status, s.Notes, s.CreatedBy,
	).Scan(&s.ID)
	return classify("create session", err)
}

// transition locks the session row, checks the lifecycle and writes the new
// status. expected is stored when not nil.
func transition(ctx context.Context, tx *sql.Tx, id int64, to database.SessionStatus, expected *int) (*database.ClassSession, error) {
	var from database.SessionStatus
	err := tx.QueryRowContext(ctx, "SELECT status FROM class_sessions WHERE id = $1 FOR UPDATE", id).Scan(&from)
	if err != nil {
		return nil, classify(fmt.Sprintf("lock session %d", id), err)
	}
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, from, to)
	}

	now := time.Now()
	s, err := scanSession(tx.QueryRowContext(ctx, `
		UPDATE class_sessions SET
			status = $2,
			expected_count = COALESCE($3, expected_count),
			started_at = CASE WHEN $2 = 'ongoing' THEN $4 ELSE started_at END,
			ended_at = CASE WHEN $2 IN ('completed', 'dismissed', 'cancelled') THEN $4 ELSE ended_at END
		WHERE id = $1
		RETURNING `+sessionColumns,
		id, to, expected, now))
	if err != nil {
		return nil, classify(fmt.Sprintf("transition session %d", id), err)
	}
	return s, nil
}

// TransitionSession moves the session to a new status
func (r *SessionRepository) TransitionSession(ctx context.Context, id int64, to database.SessionStatus) (*database.ClassSession, error) {
	var s *database.ClassSession
	err := r.pool.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		s, err = transition(ctx, tx, id, to, nil)
		return err
	})
	return s, err
}

// StartSession transitions to ongoing and records the expected count
func (r *SessionRepository) StartSession(ctx context.Context, id int64, expected int) (*database.ClassSession, error) {
	var s *database.ClassSession
	err := r.pool.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		s, err = transition(ctx, tx, id, database.SessionOngoing, &expected)
		return err
	})
	return s, err
}

// DismissSession transitions to dismissed and stores the dismissal record
func (r *SessionRepository) DismissSession(ctx context.Context, d *database.Dismissal) (*database.ClassSession, error) {
	var s *database.ClassSession
	err := r.pool.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		s, err = transition(ctx, tx, d.SessionID, database.SessionDismissed, nil)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_dismissals
				(session_id, instructor_id, reason, dismissed_at, rescheduled_to, notes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.SessionID, d.InstructorID, d.Reason, d.DismissedAt, d.RescheduledTo, d.Notes, d.Status)
		return classify("save dismissal", err)
	})
	return s, err
}
