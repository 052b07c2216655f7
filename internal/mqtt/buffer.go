package mqtt

// spooledMsg stores a serialized MQTT message for replay after reconnection.
type spooledMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// spool is a fixed-capacity FIFO that holds messages while the broker is
// away. When full, the oldest message is overwritten and counted as
// dropped. Not safe for concurrent use; the publisher synchronizes.
type spool struct {
	buf      []spooledMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int // messages overwritten since the last drain
}

func newSpool(capacity int) *spool {
	return &spool{
		buf:      make([]spooledMsg, capacity),
		capacity: capacity,
	}
}

func (s *spool) push(msg spooledMsg) {
	if s.count == s.capacity {
		// head already points at the oldest entry.
		s.buf[s.head] = msg
		s.head = (s.head + 1) % s.capacity
		s.dropped++
		return
	}
	s.buf[s.head] = msg
	s.head = (s.head + 1) % s.capacity
	s.count++
}

// drain returns the held messages oldest-first plus how many were dropped
// to overflow, and resets the spool.
func (s *spool) drain() ([]spooledMsg, int) {
	dropped := s.dropped
	s.dropped = 0

	if s.count == 0 {
		return nil, dropped
	}

	result := make([]spooledMsg, s.count)
	start := (s.head - s.count + s.capacity) % s.capacity
	for i := 0; i < s.count; i++ {
		result[i] = s.buf[(start+i)%s.capacity]
	}

	s.count = 0
	s.head = 0
	return result, dropped
}

func (s *spool) len() int {
	return s.count
}
