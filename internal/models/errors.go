package models

import "errors"

// ErrNoMessage is returned when a queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a job or item status change is not
// allowed by the state machine
var ErrInvalidTransition = errors.New("status cannot be updated")

// ErrConflict is returned when a work item update races a previously committed
// terminal state that differs from the incoming one
var ErrConflict = errors.New("conflicting terminal status for work item")
