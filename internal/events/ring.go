package events

// ring is a fixed-capacity FIFO of events. When full, a push evicts the
// oldest entry. Not safe for concurrent use; the Bus guards access.
type ring struct {
	buf   []Event
	head  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

// snapshot returns the buffered events oldest first.
func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.count }
