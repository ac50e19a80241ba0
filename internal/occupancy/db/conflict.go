package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"ms-occupancy/internal/occupancy"
)

// Postgres SQLSTATEs that mean "another transaction got there first".
var conflictCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"23505": true, // unique_violation, a concurrent insert of the same idempotency key
}

var conflictMessages = []string{
	"database is locked",
	"SQLITE_BUSY",
	"UNIQUE constraint failed",
}

// classify maps driver contention errors onto occupancy.ErrStorageConflict
// and leaves everything else untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, occupancy.ErrStorageConflict) {
		return err
	}
	if IsConflict(err) {
		return fmt.Errorf("%w: %w", occupancy.ErrStorageConflict, err)
	}
	return err
}

func IsConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return conflictCodes[pqErr.Code]
	}
	msg := err.Error()
	for _, m := range conflictMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
