package protocol

import "errors"

var (
	ErrBusClosed      = errors.New("bus closed")
	ErrBusFull        = errors.New("bus full")
	ErrConnClosed     = errors.New("connection closed")
	ErrStreamNotReady = errors.New("stream not ready")
	ErrNoRoute        = errors.New("no route for session")
	ErrBadSignature   = errors.New("envelope signature mismatch")
	ErrSessionExists  = errors.New("conflicting session already present")
	ErrZoneNotOwned   = errors.New("zone not owned by this engine")
	ErrTicketExpired  = errors.New("handoff ticket expired")
	ErrReconnectDead  = errors.New("reconnect manager in failed state")
)
