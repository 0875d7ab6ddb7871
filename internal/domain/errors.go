package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateAccount  = errors.New("account already exists")
	ErrInvalidCredential = errors.New("invalid credential")
)
