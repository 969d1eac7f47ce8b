package mqtt

// queuedMessage holds a publish made while disconnected, replayed on
// reconnect.
type queuedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ring is a fixed-capacity FIFO for offline publishes. When full, the oldest
// message is dropped. Not safe for concurrent use; the client synchronizes.
type ring struct {
	buf      []queuedMessage
	capacity int
	head     int // next write position
	count    int
}

func newRing(capacity int) *ring {
	return &ring{
		buf:      make([]queuedMessage, capacity),
		capacity: capacity,
	}
}

// push appends a message, dropping the oldest when at capacity. Returns true
// when a message was dropped.
func (r *ring) push(msg queuedMessage) bool {
	dropped := r.count == r.capacity

	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity

	if !dropped {
		r.count++
	}

	return dropped
}

// drain returns the queued messages oldest-first and empties the ring.
func (r *ring) drain() []queuedMessage {
	if r.count == 0 {
		return nil
	}

	out := make([]queuedMessage, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity

	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0

	return out
}

func (r *ring) len() int {
	return r.count
}
