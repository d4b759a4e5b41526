package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/lib/pq"

	"github.com/kozaktomas/classroll/internal/database"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, database.ErrNotFound},
		{"serialization", &pq.Error{Code: "40001"}, database.ErrTransient},
		{"deadlock", &pq.Error{Code: "40P01"}, database.ErrTransient},
		{"connection failure", &pq.Error{Code: "08006"}, database.ErrTransient},
		{"admin shutdown", &pq.Error{Code: "57P01"}, database.ErrTransient},
		{"bad conn", driver.ErrBadConn, database.ErrTransient},
		{"timeout", context.DeadlineExceeded, database.ErrTransient},
		{"capacity", &pq.Error{Code: "23514", Constraint: "present_within_expected"}, database.ErrCapacityExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_Permanent(t *testing.T) {
	for _, err := range []error{
		&pq.Error{Code: "23505"},
		&pq.Error{Code: "23514", Constraint: "attendance_confidence_check"},
		errors.New("boom"),
	} {
		got := classify("op", err)
		if database.IsTransient(got) {
			t.Errorf("classify(%v) is transient", err)
		}
		if errors.Is(got, database.ErrCapacityExceeded) {
			t.Errorf("classify(%v) reported capacity", err)
		}
	}
	if classify("op", nil) != nil {
		t.Error("classify(nil) != nil")
	}
}
