package models

import "github.com/pkg/errors"

var (
	// ErrNotFound is the root of every lookup failure
	ErrNotFound = errors.New("not found")
	// ErrValidation is the root of every rejected input
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when a resource already exists
	ErrConflict = errors.New("conflict")
)
