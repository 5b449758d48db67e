package poller

import (
	"errors"
	"fmt"
)

// TransportError indicates a connect/auth/network failure. The
// connection has been torn down; the next tick reconnects fresh.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ParseError indicates a permanently malformed message. The message is
// dropped and counted; the watermark still advances past it so a single
// bad message never stalls the pipeline.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (uid %d): %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SinkError indicates a downstream write failure. The write is skipped
// and counted; the watermark advance already made for the UID is not
// rolled back. A transient sink outage therefore leaves UIDs "seen" with
// no stored node — the documented recovery is an external reconciliation
// pass over the watermark-covered range.
type SinkError struct {
	UID uint32
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink error (uid %d): %v", e.UID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
