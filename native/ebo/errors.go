package ebo

import "errors"

// Invariant violations. These indicate the actor's bookkeeping disagrees with
// the chain and are never recovered from.
var (
	ErrRequestMismatch        = errors.New("ebo: event belongs to a different request")
	ErrPastEvent              = errors.New("ebo: event is not newer than the last processed event")
	ErrInvalidActorState      = errors.New("ebo: invalid actor state")
	ErrInvalidDisputeStatus   = errors.New("ebo: invalid dispute status")
	ErrUnknownEvent           = errors.New("ebo: unknown event")
	ErrCommandAlreadyRun      = errors.New("ebo: command already run")
	ErrCommandNotRun          = errors.New("ebo: command not run")
	ErrDisputeWithoutResponse = errors.New("ebo: dispute references an unknown response")
)

// ErrResponseAlreadyProposed is returned when the actor would propose a block
// that an equal stored response already carries. No protocol call is made.
var ErrResponseAlreadyProposed = errors.New("ebo: response already proposed")

// ErrEpochMismatch is returned when the protocol's current epoch is not the
// request's epoch, so the actor cannot recompute the request's answer.
var ErrEpochMismatch = errors.New("ebo: current epoch differs from request epoch")
