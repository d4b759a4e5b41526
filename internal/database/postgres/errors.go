package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/kozaktomas/classroll/internal/database"
)

// constraint violated when a write would push present_count past expected_count
const presentWithinExpected = "present_within_expected"

// transientCode reports SQLSTATEs worth retrying.
func transientCode(code pq.ErrorCode) bool {
	switch code.Class() {
	case "08", // connection exception
		"53", // insufficient resources
		"57": // operator intervention, e.g. admin shutdown
		return true
	}
	switch code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}

// classify maps driver errors to the database package's sentinel errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, database.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23514" && strings.Contains(pqErr.Constraint, presentWithinExpected) {
			return fmt.Errorf("%s: %w", op, database.ErrCapacityExceeded)
		}
		if transientCode(pqErr.Code) {
			return fmt.Errorf("%s: %w: %w", op, database.ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, database.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
