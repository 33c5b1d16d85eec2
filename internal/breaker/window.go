package breaker

// Outcome is one observed send result fed into a rolling window.
type Outcome uint8

const (
	OutcomeSent Outcome = iota
	OutcomeBounce
	OutcomeComplaint
	OutcomeDeferred
)

// window is a fixed-size ring over the last N outcomes with incrementally
// maintained counts, so rate queries are O(1).
type window struct {
	ring   []Outcome
	next   int
	filled int
	counts [4]int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{ring: make([]Outcome, size)}
}

func (w *window) push(o Outcome) {
	if w.filled == len(w.ring) {
		w.counts[w.ring[w.next]]--
	} else {
		w.filled++
	}
	w.ring[w.next] = o
	w.counts[o]++
	w.next = (w.next + 1) % len(w.ring)
}

func (w *window) total() int { return w.filled }

// rate returns count(o)/total; 0 when the window is empty.
func (w *window) rate(o Outcome) float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.counts[o]) / float64(w.filled)
}
