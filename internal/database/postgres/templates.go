package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/classroll/internal/database"
)

var _ database.TemplateWriter = (*TemplateRepository)(nil)

// TemplateRepository stores enrolled face templates as pgvector columns.
type TemplateRepository struct {
	pool *Pool
}

// NewTemplateRepository creates a new PostgreSQL template repository
func NewTemplateRepository(pool *Pool) *TemplateRepository {
	return &TemplateRepository{pool: pool}
}

const rosterQuery = `
	FROM student_templates t
	JOIN class_enrollments e ON e.student_id = t.student_id
	JOIN students s ON s.id = t.student_id
	WHERE e.class_id = $1 AND s.active
`

func scanTemplates(rows *sql.Rows) ([]database.StudentTemplate, error) {
	defer rows.Close()
	var out []database.StudentTemplate
	for rows.Next() {
		var (
			t   database.StudentTemplate
			vec pgvector.Vector
		)
		if err := rows.Scan(&t.ID, &t.StudentID, &vec, &t.SourceHash, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.Embedding = vec.Slice()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate templates", err)
	}
	return out, nil
}

// LoadTemplatesForClass returns templates of active enrolled students
func (r *TemplateRepository) LoadTemplatesForClass(ctx context.Context, classID string) ([]database.StudentTemplate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.student_id, t.embedding, t.source_hash, t.created_at`+rosterQuery+`
		ORDER BY t.student_id, t.id`, classID)
	if err != nil {
		return nil, classify("load class templates", err)
	}
	return scanTemplates(rows)
}

// GetTemplate returns all templates of a student
func (r *TemplateRepository) GetTemplate(ctx context.Context, studentID string) ([]database.StudentTemplate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, student_id, embedding, source_hash, created_at
		FROM student_templates
		WHERE student_id = $1
		ORDER BY id`, studentID)
	if err != nil {
		return nil, classify("get templates", err)
	}
	return scanTemplates(rows)
}

// ClassVersion hashes the (student, source hash) pairs of the class roster
func (r *TemplateRepository) ClassVersion(ctx context.Context, classID string) (string, error) {
	var version string
	err := r.pool.QueryRow(ctx, `
		SELECT md5(COALESCE(string_agg(t.student_id || ':' || t.source_hash, ';' ORDER BY t.student_id, t.id), ''))`+
		rosterQuery, classID).Scan(&version)
	if err != nil {
		return "", classify("class version", err)
	}
	return version, nil
}

// EnrollmentCount returns the number of active students enrolled in the class
func (r *TemplateRepository) EnrollmentCount(ctx context.Context, classID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM class_enrollments e
		JOIN students s ON s.id = e.student_id
		WHERE e.class_id = $1 AND s.active`, classID).Scan(&n)
	if err != nil {
		return 0, classify("count enrollments", err)
	}
	return n, nil
}

// SaveTemplate stores a template. Saving the same vector twice for a student
// keeps the existing row.
func (r *TemplateRepository) SaveTemplate(ctx context.Context, t *database.StudentTemplate) error {
	if len(t.Embedding) == 0 {
		return fmt.Errorf("save template: %w", database.ErrInvalidEncoding)
	}
	if t.SourceHash == "" {
		t.SourceHash = database.SourceHash(t.Embedding)
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO student_templates (student_id, embedding, source_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id, source_hash) DO UPDATE SET source_hash = EXCLUDED.source_hash
		RETURNING id, created_at`,
		t.StudentID, pgvector.NewVector(t.Embedding), t.SourceHash,
	).Scan(&t.ID, &t.CreatedAt)
	return classify("save template", err)
}

// DeleteTemplates removes all templates of a student
func (r *TemplateRepository) DeleteTemplates(ctx context.Context, studentID string) (int, error) {
	res, err := r.pool.Exec(ctx, "DELETE FROM student_templates WHERE student_id = $1", studentID)
	if err != nil {
		return 0, classify("delete templates", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// SaveStudent creates or updates a student. An empty name keeps the stored one.
func (r *TemplateRepository) SaveStudent(ctx context.Context, id, name string, active bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO students (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = COALESCE(NULLIF(EXCLUDED.name, ''), students.name), active = EXCLUDED.active`,
		id, name, active)
	return classify("save student", err)
}

// Enroll creates the class when missing and enrolls the students in it
func (r *TemplateRepository) Enroll(ctx context.Context, classID string, studentIDs ...string) error {
	return r.pool.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO classes (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", classID); err != nil {
			return classify("save class", err)
		}
		for _, id := range studentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO class_enrollments (class_id, student_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, classID, id); err != nil {
				return classify("enroll student", err)
			}
		}
		return nil
	})
}
