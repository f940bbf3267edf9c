package models

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an entity is not in a state the event accepts.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusConflict is returned when a terminal payout is asked to move to a different
	// terminal status. It is never resolved automatically.
	ErrStatusConflict = errors.New("status conflict")
	ErrInvalidInput   = errors.New("invalid input")
	// ErrInsufficientBalance is returned when a payout request exceeds what the campaign
	// has raised minus what is already committed to other payouts.
	ErrInsufficientBalance = errors.New("insufficient campaign balance")
	ErrUnauthorized        = errors.New("unauthorized")
)
