package transaction

import "time"

// Timers holds the RFC 3261 §17 timer base constants. A Timers value is
// copied into each transaction at creation time (mirroring the teacher's
// package-level T1/T2/... constants being read once into each
// time.AfterFunc call at fire time) so a runtime config change only
// affects transactions created after the change, not ones already
// in flight — the resolution picked for the linger-override open question.
type Timers struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration
}

// DefaultTimers are the RFC 3261 §17.1.1.1 base values.
func DefaultTimers() Timers {
	return Timers{
		T1: 500 * time.Millisecond,
		T2: 4 * time.Second,
		T4: 5 * time.Second,
	}
}

func (t Timers) timerA() time.Duration { return t.T1 }
func (t Timers) timerB() time.Duration { return 64 * t.T1 }
func (t Timers) timerD() time.Duration { return 32 * time.Second }
func (t Timers) timerE() time.Duration { return t.T1 }
func (t Timers) timerF() time.Duration { return 64 * t.T1 }
func (t Timers) timerG() time.Duration { return t.T1 }
func (t Timers) timerH() time.Duration { return 64 * t.T1 }
func (t Timers) timerI() time.Duration { return t.T4 }
func (t Timers) timerJ() time.Duration { return 64 * t.T1 }
func (t Timers) timerK() time.Duration { return t.T4 }
func (t Timers) timer1xx() time.Duration { return 200 * time.Millisecond }
func (t Timers) timerL() time.Duration { return 64 * t.T1 }
func (t Timers) timerM() time.Duration { return 64 * t.T1 }
