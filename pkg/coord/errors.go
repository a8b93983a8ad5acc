package coord

import (
	"context"
	"errors"
)

var (
	ErrNoNode         = errors.New("coord: node does not exist")
	ErrNodeExists     = errors.New("coord: node already exists")
	ErrBadVersion     = errors.New("coord: version mismatch")
	ErrConnectionLoss = errors.New("coord: connection lost")
	ErrSessionExpired = errors.New("coord: session expired")
	ErrClosed         = errors.New("coord: store closed")
	ErrNotEmpty       = errors.New("coord: node has children")
)

// Code is the completion code of a store operation.
type Code uint8

const (
	OK Code = iota
	NodeExists
	NoNode
	BadVersion
	ConnectionLoss
	SessionExpired
	Other
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NodeExists:
		return "NODE_EXISTS"
	case NoNode:
		return "NO_NODE"
	case BadVersion:
		return "BAD_VERSION"
	case ConnectionLoss:
		return "CONNECTION_LOSS"
	case SessionExpired:
		return "SESSION_EXPIRED"
	default:
		return "OTHER"
	}
}

// CodeOf classifies err. A deadline hit while talking to the store counts as
// connection loss; the session timeout bounds it.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNodeExists):
		return NodeExists
	case errors.Is(err, ErrNoNode):
		return NoNode
	case errors.Is(err, ErrBadVersion):
		return BadVersion
	case errors.Is(err, ErrSessionExpired):
		return SessionExpired
	case errors.Is(err, ErrConnectionLoss), errors.Is(err, context.DeadlineExceeded):
		return ConnectionLoss
	default:
		return Other
	}
}
