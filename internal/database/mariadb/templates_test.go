//go:build integration

package mariadb

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/kozaktomas/classroll/internal/database"
)

const legacySchema = `
CREATE TABLE students (
	student_id VARCHAR(20) PRIMARY KEY,
	fname VARCHAR(100) NOT NULL,
	lname VARCHAR(100) NOT NULL,
	face_encoding LONGBLOB,
	is_active TINYINT(1) NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE student_courses (
	student_id VARCHAR(20) NOT NULL,
	course_code VARCHAR(20) NOT NULL,
	status VARCHAR(20) NOT NULL DEFAULT 'Active'
);
CREATE TABLE classes (
	class_id VARCHAR(20) PRIMARY KEY,
	course_code VARCHAR(20) NOT NULL
);`

func setupLegacyRegistry(t *testing.T) *Pool {
	t.Helper()
	ctx := context.Background()

	container, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("school"),
		mysql.WithUsername("school"),
		mysql.WithPassword("school"),
	)
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "multiStatements=true")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	pool, err := NewPool(dsn, nil)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if _, err := pool.db.ExecContext(ctx, legacySchema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	students := []struct {
		id       string
		encoding []byte
		active   bool
		status   string
	}{
		{"S001", database.EncodeFloat64Blob([]float32{1, 0, 0}), true, "Active"},
		{"S002", database.EncodeFloat64Blob([]float32{0, 1, 0}), true, "Active"},
		{"S003", []byte{1, 2, 3}, true, "Active"}, // corrupt
		{"S004", database.EncodeFloat64Blob([]float32{0, 0, 1}), false, "Active"},
		{"S005", database.EncodeFloat64Blob([]float32{1, 1, 0}), true, "Dropped"},
		{"S006", nil, true, "Active"},
	}
	for _, s := range students {
		if _, err := pool.db.ExecContext(ctx,
			"INSERT INTO students (student_id, fname, lname, face_encoding, is_active) VALUES (?, 'F', 'L', ?, ?)",
			s.id, s.encoding, s.active); err != nil {
			t.Fatalf("Failed to insert student: %v", err)
		}
		if _, err := pool.db.ExecContext(ctx,
			"INSERT INTO student_courses (student_id, course_code, status) VALUES (?, 'CS101', ?)",
			s.id, s.status); err != nil {
			t.Fatalf("Failed to insert enrollment: %v", err)
		}
	}
	if _, err := pool.db.ExecContext(ctx, "INSERT INTO classes (class_id, course_code) VALUES ('C1', 'CS101')"); err != nil {
		t.Fatalf("Failed to insert class: %v", err)
	}
	return pool
}

func TestLegacyTemplates(t *testing.T) {
	pool := setupLegacyRegistry(t)
	ctx := context.Background()

	templates, err := pool.LoadTemplatesForClass(ctx, "C1")
	if err != nil {
		t.Fatalf("LoadTemplatesForClass: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("Expected 2 decodable templates, got %d", len(templates))
	}
	if templates[0].StudentID != "S001" || templates[1].StudentID != "S002" {
		t.Errorf("Unexpected students: %s, %s", templates[0].StudentID, templates[1].StudentID)
	}
	if templates[1].Embedding[1] != 1 {
		t.Errorf("Unexpected embedding: %v", templates[1].Embedding)
	}

	n, err := pool.EnrollmentCount(ctx, "C1")
	if err != nil {
		t.Fatalf("EnrollmentCount: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 active enrolled students, got %d", n)
	}

	before, err := pool.ClassVersion(ctx, "C1")
	if err != nil {
		t.Fatalf("ClassVersion: %v", err)
	}
	if _, err := pool.db.ExecContext(ctx,
		"UPDATE students SET face_encoding = ? WHERE student_id = 'S006'",
		database.EncodeFloat64Blob([]float32{0, 0.5, 0.5})); err != nil {
		t.Fatalf("Failed to update encoding: %v", err)
	}
	after, err := pool.ClassVersion(ctx, "C1")
	if err != nil {
		t.Fatalf("ClassVersion: %v", err)
	}
	if before == after {
		t.Error("Expected version to change after an encoding was added")
	}

	got, err := pool.GetTemplate(ctx, "S002")
	if err != nil || len(got) != 1 {
		t.Errorf("GetTemplate = %v, %v", got, err)
	}
	got, err = pool.GetTemplate(ctx, "S003")
	if err != nil || len(got) != 0 {
		t.Errorf("Expected corrupt encoding to be skipped, got %v, %v", got, err)
	}
}
