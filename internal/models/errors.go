package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrSourceUnavailable is returned when a station has no raw .dly file.
var ErrSourceUnavailable = errors.New("source unavailable")

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// FormatError reports a malformed field in a fixed-width record.
type FormatError struct {
	Line  int
	Field string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: malformed %s %q: %v", e.Line, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("line %d: malformed %s %q", e.Line, e.Field, e.Value)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// IsTransient returns false; the file content will not change on retry.
func (e *FormatError) IsTransient() bool {
	return false
}

// LockError is returned when the station lock could not be obtained.
type LockError struct {
	StationID string
	Waited    time.Duration
	Err       error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("failed to acquire cache lock for station %s after %s: %v", e.StationID, e.Waited, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// IsTransient returns true; the caller may retry later.
func (e *LockError) IsTransient() bool {
	return true
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsTransient returns true; commits are all-or-nothing so retries are safe.
func (e *StoreError) IsTransient() bool {
	return true
}

// IsTransient reports whether err (or anything it wraps) is marked transient.
func IsTransient(err error) bool {
	var t interface{ IsTransient() bool }
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return false
}
