package store

import "errors"

var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicateScope      = errors.New("integration already exists for scope")
	ErrIntegrationInactive = errors.New("integration is inactive")
)
