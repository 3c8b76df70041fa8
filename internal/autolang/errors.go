package autolang

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrUserNotFound is returned when a user ID or client identifier
// cannot be resolved to a server account.
var ErrUserNotFound = errors.New("user not found")

// FaultClass partitions processing failures into the retry policies the
// alert processor applies.
type FaultClass int

const (
	// FaultTransient faults are retried on the same alert with backoff.
	FaultTransient FaultClass = iota
	// FaultConnectionLost faults drop the alert; the listener's
	// reconnect cycle will re-deliver fresher state.
	FaultConnectionLost
	// FaultUnexpected faults are logged in full and the alert dropped.
	FaultUnexpected
)

func (f FaultClass) String() string {
	switch f {
	case FaultTransient:
		return "transient"
	case FaultConnectionLost:
		return "connection_lost"
	case FaultUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// ClassifyFault maps an error from alert processing to its fault class.
func ClassifyFault(err error) FaultClass {
	if err == nil {
		return FaultUnexpected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FaultTransient
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return FaultConnectionLost
	}
	return FaultUnexpected
}
