package shell

// DefaultTranscriptSize bounds the recent output kept for directory checks.
const DefaultTranscriptSize = 256 * 1024

// transcript is a fixed-size circular buffer of recent raw output. It is
// guarded by the owning Session's mutex.
type transcript struct {
	data []byte
	pos  int
	full bool
}

func newTranscript(capacity int) *transcript {
	if capacity <= 0 {
		capacity = DefaultTranscriptSize
	}
	return &transcript{data: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes when full.
func (t *transcript) Write(p string) {
	size := len(t.data)
	if len(p) >= size {
		copy(t.data, p[len(p)-size:])
		t.pos = 0
		t.full = true
		return
	}
	n := copy(t.data[t.pos:], p)
	if n < len(p) {
		copy(t.data, p[n:])
		t.full = true
	}
	t.pos = (t.pos + len(p)) % size
	if t.pos == 0 {
		t.full = true
	}
}

// String returns the buffered output in chronological order.
func (t *transcript) String() string {
	if !t.full {
		return string(t.data[:t.pos])
	}
	out := make([]byte, 0, len(t.data))
	out = append(out, t.data[t.pos:]...)
	out = append(out, t.data[:t.pos]...)
	return string(out)
}

func (t *transcript) Reset() {
	t.pos = 0
	t.full = false
}
