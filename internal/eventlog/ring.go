package eventlog

// ring is a growable circular buffer of events capped at a fixed capacity.
// Storage grows on demand so short-lived request channels stay small.
type ring struct {
	buf   []Event
	start int
	n     int
}

const minRingSize = 16

// push appends e, overwriting the oldest event when the ring is at capacity.
// It reports whether an event was evicted.
func (r *ring) push(e Event, capacity int) bool {
	if r.n == len(r.buf) {
		if len(r.buf) < capacity {
			r.grow(capacity)
		} else {
			r.buf[r.start] = e
			r.start = (r.start + 1) % len(r.buf)
			return true
		}
	}
	r.buf[(r.start+r.n)%len(r.buf)] = e
	r.n++
	return false
}

func (r *ring) grow(capacity int) {
	size := len(r.buf) * 2
	if size < minRingSize {
		size = minRingSize
	}
	if size > capacity {
		size = capacity
	}
	buf := make([]Event, size)
	for i := 0; i < r.n; i++ {
		buf[i] = r.at(i)
	}
	r.buf = buf
	r.start = 0
}

func (r *ring) len() int {
	return r.n
}

func (r *ring) at(i int) Event {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) front() Event {
	return r.buf[r.start]
}

func (r *ring) popFront() {
	r.buf[r.start] = Event{}
	r.start = (r.start + 1) % len(r.buf)
	r.n--
}
