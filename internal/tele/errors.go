package tele

import (
	"errors"
	"fmt"
	"time"
)

// Platform signals returned by Conn implementations. The executor
// classifies actions by these, never by raw client library errors.
var (
	ErrUnauthorized  = errors.New("session not authorized")
	ErrAlreadyMember = errors.New("already a member")
	ErrInvalidTarget = errors.New("invalid target")
	ErrPrivateTarget = errors.New("target is private or inaccessible")
)

// FloodWaitError is a throttle: nothing may be sent on this session before Wait elapses.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }

// AsFloodWait returns the mandatory wait if err is a throttle.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}
