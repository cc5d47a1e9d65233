package domain

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrDestinationNotFound = errors.New("destination not found")
	ErrJobNotFound         = errors.New("composition job not found")

	ErrForbidden          = errors.New("resource belongs to another session")
	ErrNotReady           = errors.New("producer not ready")
	ErrCapabilityMismatch = errors.New("capability version mismatch")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrJobActive          = errors.New("session already has an active composition job")
	ErrDirectionMismatch  = errors.New("operation not valid for transport direction")
)
