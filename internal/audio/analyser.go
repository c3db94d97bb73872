package audio

import (
	"errors"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// ErrAnalyserClosed is returned when a released analyser is used.
var ErrAnalyserClosed = errors.New("analyser is closed")

// Resolution holds the size and smoothing parameters of the frequency analysis window.
type Resolution struct {
	FFTSize     int     `validate:"min=32,max=32768"`
	Smoothing   float64 `validate:"gte=0,lt=1"`
	MinDecibels float64 `validate:"ltfield=MaxDecibels"`
	MaxDecibels float64
}

// DefaultResolution returns the analysis window used by the tutor screen.
func DefaultResolution() Resolution {
	return Resolution{
		FFTSize:     128,
		Smoothing:   0.1,
		MinDecibels: -90,
		MaxDecibels: -10,
	}
}

// Analyser is a frequency-analysis tap on a mono sample stream.
// Samples are pushed with Write and snapshots are taken with ByteFrequencyData.
// It is safe for concurrent use.
type Analyser struct {
	mu       sync.Mutex
	res      Resolution
	fft      *fourier.FFT
	ring     []float64 // last FFTSize samples, normalized to [-1, 1]
	pos      int
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	closed   bool
}

// NewAnalyser creates an analyser for the given resolution.
func NewAnalyser(res Resolution) (*Analyser, error) {
	if res.FFTSize < 32 || res.FFTSize&(res.FFTSize-1) != 0 {
		return nil, errors.New("fft size must be a power of two and at least 32")
	}
	if res.MinDecibels >= res.MaxDecibels {
		return nil, errors.New("min decibels must be below max decibels")
	}

	return &Analyser{
		res:      res,
		fft:      fourier.NewFFT(res.FFTSize),
		ring:     make([]float64, res.FFTSize),
		frame:    make([]float64, res.FFTSize),
		coeffs:   make([]complex128, res.FFTSize/2+1),
		smoothed: make([]float64, res.FFTSize/2),
	}, nil
}

// FrequencyBinCount returns the number of bins in a snapshot (half the FFT size).
func (a *Analyser) FrequencyBinCount() int {
	return a.res.FFTSize / 2
}

// Write appends mono samples to the analysis window.
func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// ByteFrequencyData writes the current spectrum into dst as bytes scaled between
// MinDecibels (0) and MaxDecibels (255). dst is grown to FrequencyBinCount if needed.
func (a *Analyser) ByteFrequencyData(dst []uint8) ([]uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrAnalyserClosed
	}

	n := a.res.FFTSize
	bins := n / 2
	if cap(dst) < bins {
		dst = make([]uint8, bins)
	}
	dst = dst[:bins]

	// Oldest sample first.
	copy(a.frame, a.ring[a.pos:])
	copy(a.frame[n-a.pos:], a.ring[:a.pos])
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	tau := a.res.Smoothing
	rangeDB := a.res.MaxDecibels - a.res.MinDecibels
	for k := 0; k < bins; k++ {
		magnitude := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*magnitude

		if a.smoothed[k] == 0 {
			dst[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		scaled := math.Floor(255 * (db - a.res.MinDecibels) / rangeDB)
		dst[k] = uint8(min(max(scaled, 0), 255))
	}

	return dst, nil
}

// Close releases the analysis buffers. Further snapshots fail with ErrAnalyserClosed.
func (a *Analyser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	a.ring = nil
	a.frame = nil
	a.coeffs = nil
	a.smoothed = nil
}

// VoiceBandLevel reduces a byte spectrum to one energy level: the mean of the
// non-zero bins between 10% and 30% of the spectrum, where speech energy sits.
// Zero bins are skipped so that dropouts do not bias the level towards silence.
func VoiceBandLevel(bins []uint8) float64 {
	start := len(bins) / 10
	end := len(bins) * 3 / 10

	sum := 0
	count := 0
	for _, v := range bins[start:end] {
		if v > 0 {
			sum += int(v)
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}
