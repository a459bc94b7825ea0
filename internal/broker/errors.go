package broker

import (
	"errors"
	"fmt"
)

// BrokerError is the broker's own error payload, returned in response to a
// correlated request.
type BrokerError struct {
	Code        string
	Description string
}

func (e *BrokerError) Error() string {
	if e.Description == "" {
		return "broker: " + e.Code
	}
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Description)
}

// ErrDisconnected fails pending and new requests while the session has no
// authenticated connection. Callers may retry once the session recovers.
var ErrDisconnected = errors.New("broker: disconnected")

// ErrAuthExhausted means authentication kept being rejected for longer than
// the configured budget. The process treats this as unrecoverable.
var ErrAuthExhausted = errors.New("broker: authentication failed beyond retry budget")

// errAuthRejected tags auth-chain failures so the reconnect loop can tell
// credential problems from transport ones.
var errAuthRejected = errors.New("broker: authentication rejected")
