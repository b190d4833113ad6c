package window

import "time"

// minLogCap is the smallest backing array the arrival log keeps once it has grown.
const minLogCap = 16

type event struct {
	key string
	at  time.Time
}

// arrivalLog is a FIFO ring buffer of events in non-decreasing time order.
// The backing array doubles when full and halves when a quarter full, so its
// size tracks the live window rather than the busiest moment in history.
type arrivalLog struct {
	buf  []event
	head int
	n    int
}

func (l *arrivalLog) len() int { return l.n }

func (l *arrivalLog) push(e event) {
	if l.n == len(l.buf) {
		c := len(l.buf) * 2
		if c < minLogCap {
			c = minLogCap
		}
		l.resize(c)
	}
	l.buf[(l.head+l.n)%len(l.buf)] = e
	l.n++
}

func (l *arrivalLog) front() (event, bool) {
	if l.n == 0 {
		return event{}, false
	}
	return l.buf[l.head], true
}

func (l *arrivalLog) back() (event, bool) {
	if l.n == 0 {
		return event{}, false
	}
	return l.buf[(l.head+l.n-1)%len(l.buf)], true
}

// fromBack returns the i-th event counting back from the newest (i=0).
func (l *arrivalLog) fromBack(i int) event {
	return l.buf[(l.head+l.n-1-i)%len(l.buf)]
}

// pop removes the head. The caller must check len() first.
func (l *arrivalLog) pop() event {
	e := l.buf[l.head]
	// drop the key reference so the string can be collected
	l.buf[l.head] = event{}
	l.head = (l.head + 1) % len(l.buf)
	l.n--
	if l.n == 0 {
		l.head = 0
	}
	if len(l.buf) > minLogCap && l.n <= len(l.buf)/4 {
		l.resize(len(l.buf) / 2)
	}
	return e
}

func (l *arrivalLog) resize(c int) {
	nb := make([]event, c)
	for i := 0; i < l.n; i++ {
		nb[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	l.buf = nb
	l.head = 0
}
