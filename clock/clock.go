// Package clock provides time and timer abstractions for the chatcore
// engine.
//
// Production code uses the standard implementations backed by the time
// package; tests substitute a TimeProvider or Scheduler to drive typing
// timeouts and message expiry deterministically.
//
// Example:
//
//	sched := clock.NewScheduler()
//	timer := sched.Schedule(10*time.Second, func() {
//	    fmt.Println("pause elapsed")
//	})
//	timer.Stop()
package clock

import "time"

// TimeProvider supplies the current time. It exists so tests can freeze
// or advance time without sleeping.
type TimeProvider interface {
	Now() time.Time
}

// systemTime is the default TimeProvider backed by time.Now.
type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// System returns the TimeProvider backed by the system clock.
func System() TimeProvider { return systemTime{} }

// Timer is a handle to a scheduled one-shot callback. Stop prevents the
// callback from running if it has not fired yet and reports whether it
// was stopped before firing. Stopping an already-fired timer is a no-op.
type Timer interface {
	Stop() bool
}

// Scheduler schedules cancellable one-shot callbacks. Callbacks run on
// their own goroutine and must tolerate firing after the entity they
// reference is gone.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

type systemScheduler struct{}

type systemTimer struct {
	t *time.Timer
}

func (st *systemTimer) Stop() bool { return st.t.Stop() }

func (systemScheduler) Schedule(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

// NewScheduler returns a Scheduler backed by time.AfterFunc.
func NewScheduler() Scheduler { return systemScheduler{} }
