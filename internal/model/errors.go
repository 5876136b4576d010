package model

import "errors"

var (
	// ErrNotFound indicates the requested contact does not exist.
	ErrNotFound = errors.New("contact not found")
	// ErrInvalidInput indicates neither email nor phone was supplied.
	ErrInvalidInput = errors.New("either email or phone is required")
	// ErrConflict indicates a transaction lost a serialization race
	// and can be retried from the top.
	ErrConflict = errors.New("transaction conflict")
	// ErrUnavailable indicates the store could not complete the
	// request; no partial mutation was committed.
	ErrUnavailable = errors.New("storage unavailable")
)
