package domain

import "errors"

var (
	ErrValidation    = errors.New("validation failed")
	ErrNoActivePoll  = errors.New("no active poll")
	ErrInvalidOption = errors.New("invalid option")
	ErrDuplicateVote = errors.New("device already voted")
	ErrContention    = errors.New("too much contention, try again")
	ErrUnauthorized  = errors.New("unauthorized")

	// ErrVersionConflict is returned by PollRepository.CompareAndSwap when the
	// stored version moved. PollStore retries on it; callers never see it.
	ErrVersionConflict = errors.New("poll version conflict")
)
