// Package deadline provides the single-use Timeout value that bounds blocking reads.
//
// A Timeout is armed once, at the start of the bounded operation, and every
// sub-read of that operation shares the same absolute deadline.
package deadline

import (
	"errors"
	"time"
)

var ErrAlreadyArmed = errors.New("deadline: timeout already armed")

// Timeout bounds one logical blocking operation. It is not safe for
// concurrent use; one goroutine owns it for the lifetime of the operation.
type Timeout struct {
	d     time.Duration
	start time.Time
	armed bool
	now   func() time.Time
}

func New(d time.Duration) *Timeout {
	if d < 0 {
		d = 0
	}
	return &Timeout{d: d, now: time.Now}
}

// Seconds builds a Timeout from fractional wall-clock seconds.
func Seconds(s float64) *Timeout {
	return New(time.Duration(s * float64(time.Second)))
}

func (t *Timeout) Duration() time.Duration {
	return t.d
}

func (t *Timeout) Armed() bool {
	return t.armed
}

// Arm starts the clock. A Timeout may be armed exactly once.
func (t *Timeout) Arm() error {
	if t.armed {
		return ErrAlreadyArmed
	}
	t.start = t.now()
	t.armed = true
	return nil
}

// Deadline returns the absolute deadline, arming the Timeout if the caller
// has not done so yet.
func (t *Timeout) Deadline() time.Time {
	if !t.armed {
		_ = t.Arm()
	}
	return t.start.Add(t.d)
}

// Remaining reports the time left before expiry. Before arming it is the full
// duration; after expiry it is zero.
func (t *Timeout) Remaining() time.Duration {
	if !t.armed {
		return t.d
	}
	// start carries a monotonic reading, so Sub is immune to wall-clock steps.
	left := t.d - t.now().Sub(t.start)
	if left < 0 {
		return 0
	}
	return left
}

func (t *Timeout) Expired() bool {
	return t.armed && t.Remaining() <= 0
}
