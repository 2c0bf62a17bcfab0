package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("NOT_FOUND")

	// ErrBlocklistExists is returned when a blocklist URL is already
	// registered.
	ErrBlocklistExists = errors.New("BLOCKLIST_EXISTS")

	// ErrClosed is returned when an operation runs against a closed store.
	ErrClosed = errors.New("storage is closed")

	// ErrBufferFull is returned when the query log ingest buffer overflows.
	ErrBufferFull = errors.New("query log buffer full")

	// ErrInvalidProfile is returned for client profiles that fail validation.
	ErrInvalidProfile = errors.New("INVALID_PROFILE")
)
