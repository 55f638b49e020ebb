package receipt

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned by every operation when no database is
	// configured
	ErrStoreUnavailable = errors.New("database connection is not configured")

	// ErrNotFound is returned when a receipt id does not exist
	ErrNotFound = errors.New("receipt not found")

	// ErrInvalidInput is returned for requests that fail validation
	ErrInvalidInput = errors.New("invalid input")
)

// StorageError wraps a failure of the underlying store with the table and
// operation it happened in
type StorageError struct {
	Table string
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err unless it is nil or already one of ours.
func storageErr(table, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Table: table, Op: op, Err: err}
}
