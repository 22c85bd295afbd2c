package common

import "errors"

// Domain errors shared by every store implementation. Stores wrap them with
// the entity kind and id, callers test with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("conflict")
)
