package audio

// DefaultHistorySize is how many levels the visualizer keeps.
const DefaultHistorySize = 50

// LevelHistory is a fixed-capacity ring of energy levels. When full, a write
// evicts the oldest level. It is not safe for concurrent use; the owner locks.
type LevelHistory struct {
	levels []float64
	size   int
	start  int
	count  int
}

// NewLevelHistory creates a history holding at most size levels
func NewLevelHistory(size int) *LevelHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &LevelHistory{
		levels: make([]float64, size),
		size:   size,
	}
}

// Push appends a level, evicting the oldest one on overflow
func (h *LevelHistory) Push(level float64) {
	if h.count < h.size {
		h.levels[(h.start+h.count)%h.size] = level
		h.count++
		return
	}

	h.levels[h.start] = level
	h.start = (h.start + 1) % h.size
}

// Values returns the levels oldest first. The slice is a copy.
func (h *LevelHistory) Values() []float64 {
	out := make([]float64, h.count)
	for i := range out {
		out[i] = h.levels[(h.start+i)%h.size]
	}
	return out
}

// Len returns the number of stored levels
func (h *LevelHistory) Len() int {
	return h.count
}

// Cap returns the capacity
func (h *LevelHistory) Cap() int {
	return h.size
}

// Clear drops all levels
func (h *LevelHistory) Clear() {
	h.start = 0
	h.count = 0
}
