package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kozaktomas/classroll/internal/database"
)

var _ database.TemplateReader = (*Pool)(nil)

// The legacy schema enrolls students in courses; a class belongs to a course.
const enrolled = `
	FROM students s
	JOIN student_courses sc ON sc.student_id = s.student_id
	JOIN classes c ON c.course_code = sc.course_code
	WHERE c.class_id = ? AND s.is_active = 1 AND sc.status = 'Active'
`

// classify marks connection failures and lock timeouts as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 1040, 2006, 2013: // lock wait, deadlock, too many connections, gone away, lost
			return fmt.Errorf("%s: %w: %w", op, database.ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, database.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// scanEncodings decodes face_encoding blobs, skipping students whose blob is
// not a float64 array.
func (p *Pool) scanEncodings(rows *sql.Rows) ([]database.StudentTemplate, error) {
	defer rows.Close()

	var out []database.StudentTemplate
	for rows.Next() {
		var (
			studentID string
			blob      []byte
			updated   time.Time
		)
		if err := rows.Scan(&studentID, &blob, &updated); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		vec, err := database.DecodeFloat64Blob(blob)
		if err != nil {
			p.logger.Warn("skipping undecodable face encoding", "student_id", studentID, "error", err)
			continue
		}
		out = append(out, database.StudentTemplate{
			ID:         int64(len(out) + 1),
			StudentID:  studentID,
			Embedding:  vec,
			SourceHash: database.SourceHash(vec),
			CreatedAt:  updated,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return out, nil
}

// LoadTemplatesForClass returns the face encodings of active students enrolled
// in the class's course. Students have at most one legacy encoding.
func (p *Pool) LoadTemplatesForClass(ctx context.Context, classID string) ([]database.StudentTemplate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT s.student_id, s.face_encoding, s.updated_at`+enrolled+`
		AND s.face_encoding IS NOT NULL
		ORDER BY s.student_id`, classID)
	if err != nil {
		return nil, classify("query class encodings", err)
	}
	return p.scanEncodings(rows)
}

// GetTemplate returns the encoding of a single student
func (p *Pool) GetTemplate(ctx context.Context, studentID string) ([]database.StudentTemplate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id, face_encoding, updated_at
		FROM students
		WHERE student_id = ? AND face_encoding IS NOT NULL`, studentID)
	if err != nil {
		return nil, classify("query student encoding", err)
	}
	return p.scanEncodings(rows)
}

// ClassVersion fingerprints the roster without reading the blobs: the number
// of encodings, their checksum sum and the latest student update.
func (p *Pool) ClassVersion(ctx context.Context, classID string) (string, error) {
	var (
		count    int64
		checksum sql.NullInt64
		updated  sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT s.student_id), SUM(DISTINCT CRC32(s.face_encoding)), MAX(s.updated_at)`+enrolled+`
		AND s.face_encoding IS NOT NULL`, classID).Scan(&count, &checksum, &updated)
	if err != nil {
		return "", classify("query class version", err)
	}
	version := strconv.FormatInt(count, 10) + "-" + strconv.FormatInt(checksum.Int64, 16)
	if updated.Valid {
		version += "-" + strconv.FormatInt(updated.Time.Unix(), 10)
	}
	return version, nil
}

// EnrollmentCount returns the number of active students enrolled in the class
func (p *Pool) EnrollmentCount(ctx context.Context, classID string) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT s.student_id)"+enrolled, classID).Scan(&n); err != nil {
		return 0, classify("count enrollments", err)
	}
	return n, nil
}
