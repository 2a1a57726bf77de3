package ui

import "strings"

// sparkChars are eight bar heights from empty to full.
var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline is a fixed-size ring of samples rendered as block characters.
type Sparkline struct {
	samples []float64
	head    int
	count   int
}

// NewSparkline creates a sparkline holding size samples.
func NewSparkline(size int) *Sparkline {
	if size <= 0 {
		size = 60
	}
	return &Sparkline{samples: make([]float64, size)}
}

// Add appends a sample, overwriting the oldest once full.
func (s *Sparkline) Add(v float64) {
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
	s.count++
}

// Clear drops all samples.
func (s *Sparkline) Clear() {
	clear(s.samples)
	s.head, s.count = 0, 0
}

// Count returns the number of samples added since the last Clear.
func (s *Sparkline) Count() int {
	return s.count
}

// recent returns up to n samples, oldest first.
func (s *Sparkline) recent(n int) []float64 {
	held := min(s.count, len(s.samples))
	n = min(n, held)
	out := make([]float64, 0, n)
	for i := held - n; i < held; i++ {
		idx := i
		if s.count > len(s.samples) {
			idx = (s.head + i) % len(s.samples)
		}
		out = append(out, s.samples[idx])
	}
	return out
}

// Render draws every held sample, padded to the ring size.
func (s *Sparkline) Render() string {
	return s.RenderWidth(len(s.samples))
}

// RenderWidth draws the newest width samples scaled to the largest of
// them, right-padded with spaces.
func (s *Sparkline) RenderWidth(width int) string {
	if width <= 0 {
		width = len(s.samples)
	}
	if s.count == 0 {
		return strings.Repeat(string(sparkChars[0]), width)
	}

	vals := s.recent(width)
	peak := 0.0
	for _, v := range vals {
		peak = max(peak, v)
	}

	var sb strings.Builder
	sb.Grow(width * 3)
	for _, v := range vals {
		idx := 0
		if peak > 0 {
			idx = int(v / peak * float64(len(sparkChars)-1))
			idx = max(0, min(idx, len(sparkChars)-1))
		}
		sb.WriteRune(sparkChars[idx])
	}
	for i := len(vals); i < width; i++ {
		sb.WriteRune(' ')
	}
	return sb.String()
}
