/*
NAME
  dsp.go

DESCRIPTION
  dsp.go contains the signal processing primitives used for drift
  measurement: mono mixing, peak normalization, zero-phase Butterworth
  high-pass filtering, Hann windowing and FFT-based cross-correlation.

AUTHORS
  David Sutton <davidsutton@ausocean.org>
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package dsp provides the signal processing primitives for microphone to
// reference cross-correlation.
package dsp

import (
	"errors"
	"math"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

var ErrNoData = errors.New("dsp: no samples to process")

// MonoMix converts interleaved multi-channel float32 samples to a mono
// float64 signal by channel mean. A mono input is converted as is.
func MonoMix(samples []float32, channels int) []float64 {
	if channels <= 1 {
		out := make([]float64, len(samples))
		for i, s := range samples {
			out[i] = float64(s)
		}
		return out
	}
	frames := len(samples) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(samples[i*channels+c])
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Normalize scales x in place so its peak magnitude is 1. Silence is left
// untouched.
func Normalize(x []float64) {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	for i := range x {
		x[i] /= peak
	}
}

// ApplyHann multiplies x in place by a Hann window of the same length to
// reduce edge artifacts before correlation.
func ApplyHann(x []float64) {
	win := window.Hann(len(x))
	for i := range x {
		x[i] *= win[i]
	}
}

// biquad is a single second-order IIR section in direct form II transposed.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

func (s biquad) filter(x []float64) []float64 {
	out := make([]float64, len(x))
	var z1, z2 float64
	for i, v := range x {
		y := s.b0*v + z1
		z1 = s.b1*v - s.a1*y + z2
		z2 = s.b2*v - s.a2*y
		out[i] = y
	}
	return out
}

// Butterworth Q values for a 4th-order filter realised as two cascaded
// biquad sections.
var butterQ = [2]float64{0.54119610, 1.30656296}

// highPassSections returns the two biquad sections of a 4th-order
// Butterworth high-pass at cutoff Hz for the given sample rate.
func highPassSections(cutoff float64, rate int) [2]biquad {
	var sections [2]biquad
	w0 := 2 * math.Pi * cutoff / float64(rate)
	cosw := math.Cos(w0)
	sinw := math.Sin(w0)
	for i, q := range butterQ {
		alpha := sinw / (2 * q)
		a0 := 1 + alpha
		sections[i] = biquad{
			b0: (1 + cosw) / 2 / a0,
			b1: -(1 + cosw) / a0,
			b2: (1 + cosw) / 2 / a0,
			a1: -2 * cosw / a0,
			a2: (1 - alpha) / a0,
		}
	}
	return sections
}

// HighPass applies a 4th-order Butterworth high-pass filter at cutoff Hz,
// run forward and backward for zero phase shift, and returns the filtered
// signal. Zero phase matters here: a phase-shifting filter would bias the
// correlation lag.
func HighPass(x []float64, cutoff float64, rate int) ([]float64, error) {
	if len(x) == 0 {
		return nil, ErrNoData
	}
	if cutoff <= 0 || cutoff >= float64(rate)/2 {
		return nil, errors.New("dsp: cutoff frequency out of bounds")
	}
	y := x
	for _, s := range highPassSections(cutoff, rate) {
		y = s.filter(y)
	}
	reverse(y)
	for _, s := range highPassSections(cutoff, rate) {
		y = s.filter(y)
	}
	reverse(y)
	return y, nil
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// XCorr computes the full linear cross-correlation of x against ref,
// returning a slice of length len(x)+len(ref)-1. Index len(ref)-1
// corresponds to zero lag. The computation runs in O(n log n) via FFT.
func XCorr(x, ref []float64) ([]float64, error) {
	if len(x) == 0 || len(ref) == 0 {
		return nil, ErrNoData
	}

	// Correlation is convolution with the reversed reference.
	rev := make([]float64, len(ref))
	for i, v := range ref {
		rev[len(ref)-1-i] = v
	}

	outLen := len(x) + len(ref) - 1

	// Pad both signals to the next power of 2 at or above the output length.
	padLen := 1
	for padLen < outLen {
		padLen <<= 1
	}
	xp := make([]float64, padLen)
	copy(xp, x)
	rp := make([]float64, padLen)
	copy(rp, rev)

	xf, rf := fft.FFTReal(xp), fft.FFTReal(rp)
	prod := make([]complex128, padLen)
	for i := range xf {
		prod[i] = xf[i] * rf[i]
	}
	inv := fft.IFFT(prod)

	out := make([]float64, outLen)
	for i := range out {
		out[i] = real(inv[i])
	}
	return out, nil
}

// PeakLag locates the peak magnitude of a full cross-correlation and
// returns the corresponding lag in samples along with the normalized peak
// coefficient in [0,1]. refLen is the reference length used in the
// correlation; energy normalization uses the two input signals.
func PeakLag(c, x, ref []float64) (lag int, coeff float64) {
	peakIdx := 0
	var peak float64
	for i, v := range c {
		if a := math.Abs(v); a > peak {
			peak = a
			peakIdx = i
		}
	}
	lag = peakIdx - (len(ref) - 1)

	norm := math.Sqrt(energy(x) * energy(ref))
	if norm > 0 {
		coeff = peak / norm
	}
	return lag, coeff
}

func energy(x []float64) float64 {
	var e float64
	for _, v := range x {
		e += v * v
	}
	return e
}
