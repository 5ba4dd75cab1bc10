package session

import "errors"

var (
	// ErrSessionNotFound is returned for unknown, expired or closed sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrChannelAttachConflict is returned when a channel already has a
	// different live connection.
	ErrChannelAttachConflict = errors.New("channel already has a live connection")

	// ErrAuthExpired is returned when credentials cannot be refreshed on
	// reconnect. It wraps the authenticator's error.
	ErrAuthExpired = errors.New("authorization expired")

	ErrDuplicateRequest = errors.New("request id already in flight")
	ErrUnknownChannel   = errors.New("unknown channel")

	// Close causes handed to connections.
	ErrSuperseded        = errors.New("connection superseded by a newer connection")
	ErrSessionTerminated = errors.New("session terminated")
	ErrRequestAbandoned  = errors.New("request abandoned")
	ErrSlowConsumer      = errors.New("connection fell behind event retention")
)
