package camera

// movingAverage is a fixed-size window over the most recent samples.
// Not safe for concurrent use; owned by the ingest goroutine.
type movingAverage struct {
	samples []float64
	next    int
	n       int
	sum     float64
}

func newMovingAverage(size int) *movingAverage {
	return &movingAverage{samples: make([]float64, size)}
}

func (m *movingAverage) add(v float64) {
	if m.n == len(m.samples) {
		m.sum -= m.samples[m.next]
	} else {
		m.n++
	}
	m.samples[m.next] = v
	m.sum += v
	m.next = (m.next + 1) % len(m.samples)
}

func (m *movingAverage) average() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func (m *movingAverage) reset() {
	for i := range m.samples {
		m.samples[i] = 0
	}
	m.next, m.n, m.sum = 0, 0, 0
}
